package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/jperm/pkg/kernel/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config [config.yaml]",
	Short: "Validate an engine config YAML file against its schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateConfig,
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	path := args[0]
	var cfg config.Config
	if err := cfg.Validate(path); err != nil {
		return err
	}
	fmt.Printf("✓ %s is a valid engine config\n", path)
	return nil
}
