package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/jperm/pkg/kernel/config"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema for the engine config document",
	RunE:  runSchema,
}

func runSchema(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	data, err := cfg.Schema()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
