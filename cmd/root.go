// Package cmd wires the lexchat command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lexchat",
	Short: "lexchat - conversation session engine for the lexchat assistant",
	Long: `lexchat runs the backend conversation session engine of the lexchat
assistant: validated, rate-guarded, streamed calls to the generation
provider with bounded automatic retries and size-bounded history.

Run "lexchat serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
