package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/acpproxy/internal/proxy"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// instancesMsg carries a fresh instance listing.
type instancesMsg struct {
	list []sandbox.Instance
	err  error
}

// actionDoneMsg is sent when a stop or remove finishes.
type actionDoneMsg struct {
	verb string
	name string
	err  error
}

// gcDoneMsg is sent when a /gc plan or apply finishes.
type gcDoneMsg struct {
	plan    proxy.GCPlan
	applied bool
	err     error
}

// diffMsg carries the rendered diff tree of a run workspace.
type diffMsg struct {
	name string
	tree string
	err  error
}

// statusTickMsg triggers a status refresh poll.
type statusTickMsg time.Time

// confirmExpiredMsg cancels a pending double-press confirmation.
type confirmExpiredMsg struct{}

// tickCmd returns a command that sends a tick every 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}
