package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// OpenAgent runs the agent as the container's entrypoint. A missing container
// is created with the generated entrypoint; an existing one is started or
// attached. An init script always forces a fresh container so it runs again.
func (b *Backend) OpenAgent(ctx context.Context, opts sandbox.OpenAgentOptions) (sandbox.AgentResult, error) {
	name, err := sandbox.ValidateInstanceName(opts.InstanceName)
	if err != nil {
		return sandbox.AgentResult{}, err
	}
	if len(opts.AgentCommand) == 0 {
		return sandbox.AgentResult{}, errors.New("agent command is empty")
	}

	var initScript string
	var initEnv map[string]string
	if opts.Init != nil {
		initScript = strings.TrimSpace(opts.Init.Script)
		initEnv = opts.Init.Env
	}

	before, err := b.InspectInstance(ctx, name)
	if err != nil {
		return sandbox.AgentResult{}, err
	}
	if initScript != "" && before.Status != sandbox.StatusMissing {
		if err := b.RemoveInstance(ctx, name); err != nil {
			b.logger.Warn("removing container before init failed", "instance", name, "err", err)
		}
		before.Status = sandbox.StatusMissing
	}

	if before.Status != sandbox.StatusMissing {
		labels, err := b.labels(ctx, name)
		if err == nil {
			if mode := labels[sandbox.AgentModeLabel]; mode != "" && mode != string(sandbox.AgentModeEntrypoint) {
				return sandbox.AgentResult{}, fmt.Errorf("container %s is not in entrypoint mode (%s=%q); remove the instance and retry",
					name, sandbox.AgentModeLabel, mode)
			}
		}
	}

	signaler := containerSignaler{b: b, name: name}
	if before.Status == sandbox.StatusMissing {
		wd := b.workingDir(opts.WorkspaceGuestPath)
		script := EntrypointScript(EntrypointOptions{
			WorkingDir:   wd,
			MarkerPrefix: sandbox.InitResultPrefix,
			InitScript:   initScript,
			InitEnv:      initEnv,
		})
		args := []string{"run", "-i", "--name", name, "--entrypoint", "bash", "-w", wd}
		args = append(args, b.labelArgs(opts.RunID)...)
		args = append(args, b.resourceArgs()...)
		args = append(args, envArgs(b.cfg.Env)...)
		args = append(args, b.mountArgs(opts.Mounts)...)
		args = append(args, b.cfg.Image, "-lc", script, "--")
		args = append(args, opts.AgentCommand...)

		b.logger.Info("starting agent container", "instance", name, "image", b.cfg.Image, "init", initScript != "")
		h, err := b.start(args, signaler)
		if err != nil {
			return sandbox.AgentResult{}, err
		}
		return sandbox.AgentResult{Handle: h, Created: true, InitPending: initScript != ""}, nil
	}

	args := []string{"attach", name}
	if before.Status == sandbox.StatusStopped {
		args = []string{"start", "-a", "-i", name}
	}
	b.logger.Info("attaching agent container", "instance", name, "status", before.Status)
	h, err := b.start(args, signaler)
	if err != nil {
		return sandbox.AgentResult{}, err
	}
	return sandbox.AgentResult{Handle: h}, nil
}

func (b *Backend) start(args []string, sig process.Signaler) (*process.Cmd, error) {
	h, err := process.Start(exec.Command(b.cli, args...), process.Options{Signaler: sig, Logger: b.logger})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.cfg.Runtime, args[0], err)
	}
	return h, nil
}

// containerSignaler delivers signals to a container's main process.
type containerSignaler struct {
	b    *Backend
	name string
}

func (s containerSignaler) Signal(ctx context.Context, sig syscall.Signal) error {
	_, err := s.b.run(ctx, "kill", "--signal", shortSignal(sig), s.name)
	return err
}

func shortSignal(sig syscall.Signal) string {
	return strings.TrimPrefix(process.SignalName(sig), "SIG")
}
