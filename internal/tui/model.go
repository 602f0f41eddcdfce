package tui

import (
	"log/slog"
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Options configure the dashboard.
type Options struct {
	// Title is shown in the header, usually "acp-proxy <version>".
	Title string
	// WorkspaceMode and WorkspaceHostRoot locate run workspaces for the
	// diff view and for /gc.
	WorkspaceMode     string
	WorkspaceHostRoot string
	Logger            *slog.Logger
}

// model is the Bubble Tea model for the instance dashboard.
type model struct {
	sb         sandbox.Sandbox
	opts       Options
	instances  []sandbox.Instance
	input      textinput.Model
	cursor     int
	message    string
	isError    bool
	commanding bool // true when in command mode (/ pressed)
	quitting   bool
	shellInto  string // instance to open a shell in after tea quits
	width      int
	height     int

	// Rendered diff tree of the selected run workspace, cleared on move.
	detail string

	showHelp bool

	// Double-press confirmation for x (stop) and D (remove).
	confirmKey  string
	confirmName string
}

func newModel(sb sandbox.Sandbox, opts Options) model {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Title == "" {
		opts.Title = "acp-proxy"
	}
	ti := textinput.New()
	ti.Placeholder = "stop, remove <instance> | gc [apply] | quit"
	ti.CharLimit = 256
	ti.Width = 80
	ti.Blur()

	// Initial size so the first render isn't at width=0.
	w, h, _ := term.GetSize(int(os.Stdout.Fd()))
	if w == 0 {
		w = 80
	}
	if h == 0 {
		h = 24
	}

	return model{
		sb:     sb,
		opts:   opts,
		input:  ti,
		width:  w,
		height: h,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func (m model) selected() (sandbox.Instance, bool) {
	if m.cursor < 0 || m.cursor >= len(m.instances) {
		return sandbox.Instance{}, false
	}
	return m.instances[m.cursor], true
}
