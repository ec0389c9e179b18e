package main

import (
	"errors"
	"fmt"
	"time"

	"docsync/internal/config"
	"docsync/internal/extensions/jwtauth"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	tokenViper = viper.New()
	tokenCmd   = &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an access token for the jwtauth extension",
		Long:  `Issue an HS256 token signed with DOCSYNC_JWT_SECRET (or --jwt-secret). Useful for local testing of authenticated documents.`,
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			config.Prepare(tokenViper)
			return tokenViper.BindPFlags(cmd.Flags())
		},
		RunE: runToken,
	}
)

func init() {
	f := tokenCmd.Flags()
	f.String("jwt-secret", "", "HS256 secret")
	f.String("jwt-issuer", "", "iss claim")
	f.String("name", "", "display name claim")
	f.Bool("readonly", false, "issue a readonly token")
	f.StringSlice("documents", nil, "restrict the token to these documents")
	f.Duration("ttl", 24*time.Hour, "token lifetime (0 never expires)")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := tokenViper.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt-secret is required")
	}

	token, err := jwtauth.Sign([]byte(secret), tokenViper.GetString("jwt-issuer"), args[0], tokenViper.GetDuration("ttl"), func(c *jwtauth.Claims) {
		c.Name = tokenViper.GetString("name")
		c.Documents = tokenViper.GetStringSlice("documents")
		if tokenViper.GetBool("readonly") {
			c.Scope = "readonly"
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
