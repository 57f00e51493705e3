// Package main provides the jperm-repl binary — an interactive REPL that
// applies pasted spec fragments against a loaded source document.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ormasoftchile/jperm/pkg/kernel/factory"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
	"github.com/ormasoftchile/jperm/pkg/replterm"
)

func main() {
	sourcePath := flag.String("source", "", "path to a JSON source document to load (optional)")
	flag.Parse()

	var source any
	if *sourcePath != "" {
		data, err := os.ReadFile(*sourcePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		v, err := value.FromJSON(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		source = v
	}

	r := &replterm.REPL{
		Engine: factory.BuildDefault(factory.Options{}),
		Source: source,
		Dest:   value.NewObject(),
		Output: os.Stdout,
	}
	if err := r.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
