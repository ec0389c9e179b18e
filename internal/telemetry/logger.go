package telemetry

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
)

// NewLogger returns the root logger. Verbosity 0 logs lifecycle events,
// 1 adds per-message debug lines. The logger also receives OpenTelemetry's
// internal diagnostics.
func NewLogger(verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	logger := stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{
		LogCaller: stdr.Error,
	}).WithName("docsync")

	otel.SetLogger(logger.WithName("otel"))
	return logger
}
