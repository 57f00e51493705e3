// Package main provides the jperm binary — a command-line runner for the
// declarative JSON-transformation engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jperm",
	Short: "Declarative JSON-transformation engine",
	Long:  "jperm — applies a declarative spec document against a source/dest pair of JSON values.",
}

func init() {
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
}
