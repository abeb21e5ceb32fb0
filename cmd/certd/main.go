// Package main implements the entry point for the certification service.
// The default command serves HTTP; token and catalog are operator utilities.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "certd",
	Short:         "Skillvergence certification and progress service",
	Long:          "certd records learner watch progress, evaluates course completion and runs the certificate approval lifecycle.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, tokenCmd, catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("certd failed", "error", err)
		os.Exit(1)
	}
}

// newLogger returns the JSON logger used across the service; dev logs at debug level.
func newLogger(env string, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if env == "dev" {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
