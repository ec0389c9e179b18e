package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var (
	rootCmd = &cobra.Command{
		Use:   "docsync",
		Short: "real-time collaborative document server",
		Long: fmt.Sprintf(`docsync (v%s)

Keeps shared CRDT documents in memory, relays edits and presence between
websocket clients, persists them with a debounce and fans changes out to
other instances over Redis.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of docsync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("docsync v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
