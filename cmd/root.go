// Package cmd wires the command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "eduvia",
	Short: "Eduvia - AI learning assistant backend",
	Long: `Eduvia is the backend for an AI learning assistant: user identity,
prompt-driven chat sessions with streaming responses, and asynchronous
session title derivation.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
