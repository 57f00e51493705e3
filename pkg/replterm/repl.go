// Package replterm implements an interactive readline REPL that applies
// pasted spec fragments against an evolving dest document. Adapted from
// the teacher's pkg/debugger REPL loop (readline.Config wiring, command
// dispatch, prompt rebuilding) retargeted from step-by-step runbook
// execution to repeated Engine.Apply calls.
package replterm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	destStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// REPL applies pasted spec fragments against source, accumulating result
// into dest across turns.
type REPL struct {
	Engine *engine.Engine
	Source any
	Dest   any
	Output io.Writer
}

// Run starts the interactive loop, collecting input lines into a spec
// fragment and applying it when a blank line is entered, until the user
// quits or sends EOF.
func (r *REPL) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptStyle.Render("jperm> "),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(r.Output, "jperm repl — paste a JSON spec fragment, blank line to apply, 'dest' to print, 'quit' to exit.")

	var buf strings.Builder
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}
		trimmed := strings.TrimSpace(line)

		if buf.Len() == 0 {
			switch trimmed {
			case "quit", "q", "exit":
				return nil
			case "dest":
				r.printDest()
				continue
			case "":
				continue
			}
		}

		if trimmed == "" {
			r.applyFragment(ctx, buf.String())
			buf.Reset()
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

func (r *REPL) applyFragment(ctx context.Context, fragment string) {
	spec, err := value.FromJSON([]byte(fragment))
	if err != nil {
		fmt.Fprintln(r.Output, errorStyle.Render(fmt.Sprintf("parse error: %s", err)))
		return
	}

	result, err := r.Engine.Apply(ctx, spec, r.Source, r.Dest)
	if err != nil {
		fmt.Fprintln(r.Output, errorStyle.Render(fmt.Sprintf("apply error: %s", err)))
		return
	}
	r.Dest = result
	r.printDest()
}

func (r *REPL) printDest() {
	out, err := value.ToJSON(r.Dest)
	if err != nil {
		fmt.Fprintln(r.Output, errorStyle.Render(fmt.Sprintf("encode error: %s", err)))
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		fmt.Fprintln(r.Output, destStyle.Render(string(out)))
		return
	}
	fmt.Fprintln(r.Output, destStyle.Render(pretty.String()))
}
