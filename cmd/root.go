// Package cmd implements the verity command line interface.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/verityai/verity/internal/log"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "verity",
	Short: "Verity is a retrieval-augmented conversation backend",
	Long: `Verity answers questions grounded in your own documents.

Ingested documents are chunked, embedded, and stored in a vector index.
Each chat turn retrieves the most relevant passages and generates an
answer from them, streaming the result over SSE.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// newLogger builds the process logger. Debug level comes from the --debug
// flag or the DEBUG environment variable.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: true})
}
