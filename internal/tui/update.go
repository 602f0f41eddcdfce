package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/acpproxy/internal/proxy"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/worktree"
)

const (
	listTimeout   = 30 * time.Second
	actionTimeout = 2 * time.Minute
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 6 // account for "  > /" prefix
		return m, nil

	case statusTickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())

	case instancesMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("list error: %v", msg.err)
			m.isError = true
			return m, nil
		}
		m.instances = msg.list
		if m.cursor >= len(m.instances) {
			m.cursor = max(0, len(m.instances)-1)
		}
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("%s %s failed: %v", msg.verb, msg.name, msg.err)
			m.isError = true
		} else {
			m.message = fmt.Sprintf("%s %s", pastTense(msg.verb), msg.name)
			m.isError = false
		}
		return m, m.refresh()

	case gcDoneMsg:
		m.detail = ""
		if msg.err != nil {
			m.message = fmt.Sprintf("gc error: %v", msg.err)
			m.isError = true
			return m, m.refresh()
		}
		m.isError = false
		n, w := len(msg.plan.Instances), len(msg.plan.Workspaces)
		if msg.applied {
			m.message = fmt.Sprintf("gc removed %d instance%s and %d workspace%s", n, plural(n), w, plural(w))
			return m, m.refresh()
		}
		if n == 0 && w == 0 {
			m.message = "gc: nothing to collect"
			return m, nil
		}
		m.message = fmt.Sprintf("gc would remove %d instance%s and %d workspace%s (/gc apply to delete)", n, plural(n), w, plural(w))
		m.detail = renderPlan(msg.plan)
		return m, nil

	case diffMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("diff error: %v", msg.err)
			m.isError = true
			return m, nil
		}
		m.detail = msg.tree
		return m, nil

	case confirmExpiredMsg:
		m.confirmKey = ""
		m.confirmName = ""
		return m, nil

	case tea.KeyMsg:
		if m.commanding {
			return m.handleCommandMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	// Forward to input if in command mode
	if m.commanding {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// handleNormalMode handles keys when navigating the instance list.
func (m model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		switch msg.String() {
		case "?", "esc":
			m.showHelp = false
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	// A pending confirmation is completed by the same key, anything else
	// cancels it.
	if m.confirmKey != "" {
		key, name := m.confirmKey, m.confirmName
		m.confirmKey, m.confirmName = "", ""
		if msg.String() != key {
			return m, nil
		}
		m.isError = false
		if key == "x" {
			m.message = fmt.Sprintf("Stopping %s...", name)
			return m, m.stop(name)
		}
		m.message = fmt.Sprintf("Removing %s...", name)
		return m, m.remove(name)
	}

	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit

	case "/":
		m.commanding = true
		m.input.Focus()
		m.input.SetValue("")
		return m, textinput.Blink

	case "x", "D":
		inst, ok := m.selected()
		if !ok {
			return m, nil
		}
		m.confirmKey = msg.String()
		m.confirmName = inst.Name
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return confirmExpiredMsg{}
		})

	case "d":
		inst, ok := m.selected()
		if !ok {
			return m, nil
		}
		return m, m.diff(inst.Name)

	case "r":
		return m, m.refresh()

	case "?":
		m.showHelp = !m.showHelp
		return m, nil

	case "up", "k":
		m.detail = ""
		if m.cursor > 0 {
			m.cursor--
		} else if len(m.instances) > 0 {
			m.cursor = len(m.instances) - 1
		}
		return m, nil

	case "down", "j":
		m.detail = ""
		if m.cursor < len(m.instances)-1 {
			m.cursor++
		}
		return m, nil

	case "enter":
		inst, ok := m.selected()
		if !ok {
			return m, nil
		}
		if m.sb.Provider() != sandbox.ProviderContainer {
			m.message = "shell is only available for container_oci instances"
			m.isError = true
			return m, nil
		}
		m.shellInto = inst.Name
		return m, tea.Quit
	}

	return m, nil
}

// handleCommandMode handles keys when the command input is active.
func (m model) handleCommandMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		m.commanding = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil

	case "enter":
		m.commanding = false
		m.input.Blur()
		return m.processInput()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) processInput() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	if input == "" {
		return m, nil
	}
	// Allow commands with or without the / prefix
	if input[0] != '/' {
		input = "/" + input
	}
	cmd := ParseCommand(input)
	if cmd == nil {
		return m, nil
	}

	switch cmd.Name {
	case "/stop", "/remove":
		verb := strings.TrimPrefix(cmd.Name, "/")
		if len(cmd.Args) < 1 {
			m.message = fmt.Sprintf("Usage: /%s <instance> or /%s all", verb, verb)
			m.isError = true
			return m, nil
		}
		names := cmd.Args[:1]
		if cmd.Args[0] == "all" {
			names = names[:0]
			for _, inst := range m.instances {
				names = append(names, inst.Name)
			}
			if len(names) == 0 {
				m.message = "No instances"
				m.isError = false
				return m, nil
			}
		}
		var cmds []tea.Cmd
		for _, name := range names {
			if verb == "stop" {
				cmds = append(cmds, m.stop(name))
			} else {
				cmds = append(cmds, m.remove(name))
			}
		}
		progress := "Stopping"
		if verb == "remove" {
			progress = "Removing"
		}
		m.message = fmt.Sprintf("%s %s...", progress, strings.Join(names, ", "))
		m.isError = false
		return m, tea.Batch(cmds...)

	case "/gc":
		apply := len(cmd.Args) > 0 && cmd.Args[0] == "apply"
		m.message = "Collecting..."
		m.isError = false
		return m, m.gc(apply)

	case "/diff":
		if len(cmd.Args) < 1 {
			m.message = "Usage: /diff <instance>"
			m.isError = true
			return m, nil
		}
		return m, m.diff(cmd.Args[0])

	case "/quit":
		m.quitting = true
		return m, tea.Quit

	default:
		m.message = fmt.Sprintf("Unknown command: %s", cmd.Name)
		m.isError = true
		return m, nil
	}
}

func (m model) refresh() tea.Cmd {
	sb := m.sb
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
		defer cancel()
		list, err := sb.ListInstances(ctx, sandbox.ListOptions{ManagedOnly: true})
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		return instancesMsg{list: list, err: err}
	}
}

func (m model) stop(name string) tea.Cmd {
	sb, logger := m.sb, m.opts.Logger
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := sb.StopInstance(ctx, name)
		logger.Info("dashboard stop", "instance", name, "err", err)
		return actionDoneMsg{verb: "stop", name: name, err: err}
	}
}

func (m model) remove(name string) tea.Cmd {
	sb, logger := m.sb, m.opts.Logger
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := sb.RemoveInstance(ctx, name)
		logger.Info("dashboard remove", "instance", name, "err", err)
		return actionDoneMsg{verb: "remove", name: name, err: err}
	}
}

// gc keeps every running instance, since the dashboard has no view of
// which runs the orchestrator still wants.
func (m model) gc(apply bool) tea.Cmd {
	sb, opts := m.sb, m.opts
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		in, err := proxy.KeepRunning(ctx, sb, opts.WorkspaceMode, opts.WorkspaceHostRoot)
		if err != nil {
			return gcDoneMsg{err: err}
		}
		plan, err := proxy.PlanGC(ctx, sb, in)
		if err != nil || !apply {
			return gcDoneMsg{plan: plan, err: err}
		}
		_, err = proxy.ApplyGC(ctx, sb, opts.WorkspaceHostRoot, plan, opts.Logger)
		return gcDoneMsg{plan: plan, applied: true, err: err}
	}
}

func (m model) diff(name string) tea.Cmd {
	opts := m.opts
	return func() tea.Msg {
		dir, err := runWorkspace(opts, name)
		if err != nil {
			return diffMsg{name: name, err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
		defer cancel()
		tree, err := buildDiffTree(ctx, dir, name)
		return diffMsg{name: name, tree: tree, err: err}
	}
}

// runWorkspace maps an instance to its host workspace. Only mount mode
// keeps workspaces on the host.
func runWorkspace(opts Options, name string) (string, error) {
	if opts.WorkspaceMode != runs.WorkspaceMount || opts.WorkspaceHostRoot == "" {
		return "", errors.New("diff needs workspace_mode mount with a workspace_host_root")
	}
	runID, ok := sandbox.RunIDFromInstanceName(name)
	if !ok {
		return "", fmt.Errorf("%s is not a run instance", name)
	}
	root, err := sandbox.HostAbs(opts.WorkspaceHostRoot)
	if err != nil {
		return "", err
	}
	return worktree.RunWorkspace(root, runID), nil
}

func pastTense(verb string) string {
	switch verb {
	case "stop":
		return "Stopped"
	case "remove":
		return "Removed"
	}
	return verb
}
