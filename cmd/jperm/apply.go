package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/jperm/pkg/kernel/config"
	"github.com/ormasoftchile/jperm/pkg/kernel/factory"
	"github.com/ormasoftchile/jperm/pkg/kernel/trace"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

var (
	applySpecPath   string
	applySourcePath string
	applyDestPath   string
	applyConfigPath string
	applyTracePath  string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a spec document against a source/dest pair",
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().StringVar(&applySpecPath, "spec", "", "path to the spec document (JSON or YAML)")
	applyCmd.Flags().StringVar(&applySourcePath, "source", "", "path to the source document (JSON or YAML)")
	applyCmd.Flags().StringVar(&applyDestPath, "dest", "", "path to a seed dest document (optional)")
	applyCmd.Flags().StringVar(&applyConfigPath, "config", "", "path to an engine config YAML file (optional)")
	applyCmd.Flags().StringVar(&applyTracePath, "trace", "", "append JSONL execution events to this file (optional)")
	applyCmd.MarkFlagRequired("spec")
}

// loadValueFile reads a JSON or YAML document from path (by extension,
// defaulting to YAML) and canonicalizes it into a Value tree.
func loadValueFile(path string) (any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return value.FromJSON(data)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return value.Canonicalize(doc), nil
}

func runApply(cmd *cobra.Command, args []string) error {
	spec, err := loadValueFile(applySpecPath)
	if err != nil {
		return err
	}
	source, err := loadValueFile(applySourcePath)
	if err != nil {
		return err
	}
	dest, err := loadValueFile(applyDestPath)
	if err != nil {
		return err
	}

	opts := factory.Options{}
	if applyConfigPath != "" {
		cfg, err := config.Load(applyConfigPath)
		if err != nil {
			return err
		}
		limits := cfg.Limits.ToEngineLimits()
		opts.Limits = &limits
	}
	eng := factory.BuildDefault(opts)

	var tw *trace.Writer
	if applyTracePath != "" {
		tw, err = trace.NewFileWriter(applyTracePath, "jperm-cli-1")
		if err != nil {
			return err
		}
		tw.Emit(trace.EventApplyStart, nil)
	}

	result, err := eng.Apply(context.Background(), spec, source, dest)
	if tw != nil {
		if err != nil {
			tw.Emit(trace.EventErrorAnnotated, map[string]any{"error": err.Error()})
		} else {
			tw.Emit(trace.EventApplyComplete, nil)
		}
	}
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	out, err := value.ToJSON(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	var pretty bytes.Buffer
	if perr := json.Indent(&pretty, out, "", "  "); perr == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(out))
	}
	return nil
}
