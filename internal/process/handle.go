// Package process provides the byte-stream and lifecycle primitive shared by
// every sandbox backend: a running process with a stdin sink, stdout/stderr
// sources, a broadcast exit and an idempotent Close.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is how long Close waits after SIGTERM before SIGKILL.
const DefaultGrace = 2 * time.Second

// Handle is one spawned process, local or remote.
type Handle interface {
	// Stdin is the process input. Writes fail once the process closed it.
	Stdin() io.WriteCloser
	// Stdout yields byte chunks until the process closes its output.
	Stdout() io.Reader
	// Stderr may be nil when the backend merges or drops it.
	Stderr() io.Reader
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitInfo is valid after Done is closed.
	ExitInfo() ExitInfo
	// OnExit registers a listener that fires exactly once.
	OnExit(func(ExitInfo))
	// Close terminates the process gracefully, then forcefully. It is safe to
	// call more than once and after the process exited on its own.
	Close(ctx context.Context) error
}

// Signaler delivers a signal to the real workload when the spawned process is
// only a wrapper around it.
type Signaler interface {
	Signal(ctx context.Context, sig syscall.Signal) error
}

// Options tune a Cmd handle.
type Options struct {
	Grace    time.Duration
	Signaler Signaler
	Logger   *slog.Logger
}

// Cmd is a Handle backed by a local *exec.Cmd.
type Cmd struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	exit   *Exit
	opts   Options

	closeOnce sync.Once
	closeErr  error
}

var _ Handle = (*Cmd)(nil)

// Start launches cmd with fresh pipes for all three standard streams. The
// caller must not set cmd.Stdin, cmd.Stdout or cmd.Stderr.
func Start(cmd *exec.Cmd, opts Options) (*Cmd, error) {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	// The child owns its ends now.
	closeAll(inR, outW, errW)

	c := &Cmd{
		cmd:    cmd,
		stdin:  inW,
		stdout: outR,
		stderr: errR,
		exit:   NewExit(),
		opts:   opts,
	}
	go c.wait()
	return c, nil
}

func (c *Cmd) Stdin() io.WriteCloser { return c.stdin }
func (c *Cmd) Stdout() io.Reader { return c.stdout }
func (c *Cmd) Stderr() io.Reader { return c.stderr }
func (c *Cmd) Done() <-chan struct{} { return c.exit.Done() }
func (c *Cmd) ExitInfo() ExitInfo { return c.exit.Info() }
func (c *Cmd) OnExit(fn func(ExitInfo)) { c.exit.OnExit(fn) }

// Pid returns the pid of the spawned process (the wrapper, if any).
func (c *Cmd) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Cmd) wait() {
	_ = c.cmd.Wait()
	c.exit.Resolve(exitInfoFrom(c.cmd.ProcessState))
}

// Close sends SIGTERM, waits for the grace window and then kills.
func (c *Cmd) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.terminate(ctx)
	})
	return c.closeErr
}

func (c *Cmd) terminate(ctx context.Context) error {
	_ = c.stdin.Close()
	defer closeAll(c.stdout, c.stderr)

	select {
	case <-c.exit.Done():
		return nil
	default:
	}

	c.signal(ctx, syscall.SIGTERM)

	timer := time.NewTimer(c.opts.Grace)
	defer timer.Stop()
	select {
	case <-c.exit.Done():
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	c.signal(ctx, syscall.SIGKILL)
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.opts.Logger.Debug("kill failed", "pid", c.Pid(), "err", err)
	}
	select {
	case <-c.exit.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cmd) signal(ctx context.Context, sig syscall.Signal) {
	if c.opts.Signaler != nil {
		err := c.opts.Signaler.Signal(ctx, sig)
		if err == nil {
			return
		}
		c.opts.Logger.Debug("supervised signal failed, signalling wrapper", "sig", SignalName(sig), "err", err)
	}
	if err := c.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.opts.Logger.Debug("signal failed", "pid", c.Pid(), "sig", SignalName(sig), "err", err)
	}
}

func exitInfoFrom(state *os.ProcessState) ExitInfo {
	if state == nil {
		return ExitInfo{}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitInfo{Signal: SignalName(ws.Signal())}
	}
	code := state.ExitCode()
	if code < 0 {
		return ExitInfo{}
	}
	return ExitInfo{Code: CodePtr(code)}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
