// Package main provides the jperm-tui binary — a single-pane terminal UI
// showing the live dest document, plus an operations cheat-sheet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ormasoftchile/jperm/pkg/kernel/factory"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
	"github.com/ormasoftchile/jperm/pkg/tuiapp"
)

func main() {
	specPath := flag.String("spec", "", "path to a JSON spec document to apply at startup (optional)")
	sourcePath := flag.String("source", "", "path to a JSON source document (optional)")
	flag.Parse()

	source, err := loadJSON(*sourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	eng := factory.BuildDefault(factory.Options{})
	dest := value.NewObject()

	m := tuiapp.New(eng, source, dest)

	if *specPath != "" {
		spec, err := loadJSON(*specPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := m.Apply(context.Background(), spec); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadJSON(path string) (any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return value.FromJSON(data)
}
