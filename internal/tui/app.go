// Package tui is the operator dashboard over the instances of one sandbox
// backend.
package tui

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Run starts the dashboard. It cycles between the Bubble Tea program and
// interactive shells in container instances until the user quits.
func Run(ctx context.Context, sb sandbox.Sandbox, opts Options) error {
	for {
		m := newModel(sb, opts)
		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
		result, err := p.Run()
		if err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}

		final := result.(model)
		if final.quitting || final.shellInto == "" {
			return nil
		}

		fmt.Printf("Opening a shell in %s... (exit to return)\n", final.shellInto)
		cmd := shellCommand(ctx, sb.Runtime(), final.shellInto)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			m.opts.Logger.Warn("shell exited", "instance", final.shellInto, "err", err)
		}

		// Reset terminal so Bubble Tea starts clean
		fmt.Print("\033c")
	}
}

// shellCommand opens an interactive shell in the instance workspace.
func shellCommand(ctx context.Context, runtime, name string) *exec.Cmd {
	if runtime == "" {
		runtime = "docker"
	}
	return exec.CommandContext(ctx, runtime, "exec", "-it", "-w", sandbox.WorkspaceGuestPath, name,
		"sh", "-c", "command -v bash >/dev/null && exec bash -l || exec sh -l")
}
