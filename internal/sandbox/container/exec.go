package container

import (
	"context"
	"errors"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// ExecProcess runs a command inside a running container. The command is
// wrapped in the supervisor script so Close signals the command itself rather
// than the exec client.
func (b *Backend) ExecProcess(ctx context.Context, opts sandbox.ExecOptions) (process.Handle, error) {
	name, err := sandbox.ValidateInstanceName(opts.InstanceName)
	if err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("command is empty")
	}
	root := b.workingDir("")
	cwd := root
	if opts.CwdInGuest != "" {
		if cwd, err = sandbox.ResolveWorkspacePath(root, opts.CwdInGuest); err != nil {
			return nil, err
		}
	}

	pidFile := "/tmp/acp-proxy-exec-" + uuid.NewString() + ".pid"
	args := []string{"exec", "-i", "-w", cwd}
	args = append(args, envArgs(opts.Env)...)
	args = append(args, name)
	args = append(args, process.SupervisorArgs(pidFile, opts.Command)...)

	signaler := &process.PIDFileSignaler{
		ReadPID: func(ctx context.Context) (string, error) {
			out, err := b.run(ctx, "exec", name, "cat", pidFile)
			return string(out), err
		},
		Kill: func(ctx context.Context, pid int, sig syscall.Signal) error {
			_, err := b.run(ctx, "exec", name, "kill", "-s", shortSignal(sig), strconv.Itoa(pid))
			return err
		},
	}
	h, err := b.start(args, signaler)
	if err != nil {
		return nil, err
	}
	h.OnExit(func(process.ExitInfo) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := b.run(ctx, "exec", name, "rm", "-f", pidFile); err != nil {
			b.logger.Debug("removing exec pid file failed", "instance", name, "err", err)
		}
	})
	return h, nil
}
