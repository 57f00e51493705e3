// Package tuiapp implements a minimal single-pane terminal UI showing the
// live dest document produced by repeated spec application, plus a
// glamour-rendered cheat-sheet of the DSL's operations. Adapted from the
// teacher's pkg/tui viewport/pane idiom (pkg/tui/output.go), deliberately
// scoped down: no step list, no evidence/search panes, no step-through
// debugger — none of those concepts exist in this engine.
package tuiapp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// pane identifies which viewport is focused.
type pane int

const (
	paneDest pane = iota
	paneHelp
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	tabActive   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("214")).Padding(0, 1)
	tabInactive = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	panelBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Model is the Bubble Tea model for jperm-tui.
type Model struct {
	Engine *engine.Engine
	Source any
	Dest   any

	active pane
	dest   viewport.Model
	help   viewport.Model
	width  int
	height int
	ready  bool
	helpMD string
}

// New creates a Model with the operations cheat-sheet pre-rendered.
func New(eng *engine.Engine, source, dest any) Model {
	return Model{
		Engine: eng,
		Source: source,
		Dest:   dest,
		helpMD: renderCheatSheet(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		contentW, contentH := m.width-4, m.height-5
		if contentW < 1 {
			contentW = 1
		}
		if contentH < 1 {
			contentH = 1
		}
		if !m.ready {
			m.dest = viewport.New(contentW, contentH)
			m.help = viewport.New(contentW, contentH)
			m.help.SetContent(m.helpMD)
			m.ready = true
		} else {
			m.dest.Width, m.dest.Height = contentW, contentH
			m.help.Width, m.help.Height = contentW, contentH
		}
		m.refreshDest()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			if m.active == paneDest {
				m.active = paneHelp
			} else {
				m.active = paneDest
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.active == paneDest {
		m.dest, cmd = m.dest.Update(msg)
	} else {
		m.help, cmd = m.help.Update(msg)
	}
	return m, cmd
}

func (m *Model) refreshDest() {
	if !m.ready {
		return
	}
	out, err := value.ToJSON(m.Dest)
	if err != nil {
		m.dest.SetContent(errStyle.Render(err.Error()))
		return
	}
	indented, ierr := jsonIndent(out)
	if ierr != nil {
		m.dest.SetContent(string(out))
		return
	}
	m.dest.SetContent(indented)
}

// Apply runs ctx's spec against the model's source/dest, updating Dest.
func (m *Model) Apply(ctx context.Context, spec any) error {
	result, err := m.Engine.Apply(ctx, spec, m.Source, m.Dest)
	if err != nil {
		return err
	}
	m.Dest = result
	m.refreshDest()
	return nil
}

func (m Model) View() string {
	if !m.ready {
		return "initializing..."
	}

	var tabs string
	if m.active == paneDest {
		tabs = tabActive.Render("dest") + tabInactive.Render("help (tab)")
	} else {
		tabs = tabInactive.Render("dest") + tabActive.Render("help (tab)")
	}

	var body string
	if m.active == paneDest {
		body = m.dest.View()
	} else {
		body = m.help.View()
	}

	header := headerStyle.Render("jperm") + "  " + tabs
	footer := tabInactive.Render("q: quit   tab: switch pane   ↑/↓: scroll")

	return header + "\n" + panelBorder.Width(m.width-2).Height(m.height-4).Render(body) + "\n" + footer
}

func renderCheatSheet() string {
	md := `# jperm operations

| op | description |
|---|---|
| set | write a value at a pointer |
| copy / copyD | copy a value from source / dest |
| delete | remove a pointer |
| foreach / while | iterate or loop |
| if | conditional branch |
| update | deep-merge into a pointer |
| distinct | deduplicate a list |
| assert / assertD | shorthand assertion steps |
| try | run steps, catching raised errors |

# value constructs

` + "`$ref`, `$eval`, `$exists`, `$raw`, `$and`, `$or`, `$not`, comparisons" + ` (` + "`$gt`, `$gte`, `$lt`, `$lte`, `$eq`, `$ne`, `$in`" + `), arithmetic (` + "`$add`, `$sub`, `$mul`, `$div`, `$pow`, `$mod`" + `), string builtins (` + "`$str_*`" + `), regex builtins (` + "`$regex_*`" + `), ` + "`$cast`" + `.
`
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(0))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func jsonIndent(data []byte) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return buf.String(), nil
}
