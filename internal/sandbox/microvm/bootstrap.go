package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// DefaultBootstrapTimeout bounds each bootstrap command.
const DefaultBootstrapTimeout = 600 * time.Second

// Bootstrap stages and statuses reported through the stage reporter.
const (
	StageBootstrap        = "bootstrap"
	StageBootstrapCheck   = "bootstrap_check"
	StageBootstrapInstall = "bootstrap_install"

	StatusStart  = "start"
	StatusDone   = "done"
	StatusFailed = "failed"
	StatusSkip   = "skip"
)

// Bootstrap prepares a fresh VM before the first agent runs in it. When
// CheckCommand exits 0 the install is skipped.
type Bootstrap struct {
	CheckCommand   []string `yaml:"check_command,omitempty" json:"checkCommand,omitempty"`
	InstallCommand []string `yaml:"install_command,omitempty" json:"installCommand,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
}

func (bs *Bootstrap) timeout() time.Duration {
	if bs.TimeoutSeconds > 0 {
		return time.Duration(bs.TimeoutSeconds) * time.Second
	}
	return DefaultBootstrapTimeout
}

// bootstrapKey is shared by every instance of a shared box.
func (b *Backend) bootstrapKey(instance string) string {
	if b.shared() {
		return "box:" + b.cfg.BoxName
	}
	return "instance:" + instance
}

func (b *Backend) forgetBootstrap(instance string) {
	b.bootMu.Lock()
	delete(b.bootstrapped, b.bootstrapKey(instance))
	b.bootMu.Unlock()
}

func (b *Backend) emit(runID, stage, status, message string) {
	b.mu.Lock()
	fn := b.report
	b.mu.Unlock()
	if fn != nil {
		fn(sandbox.StageEvent{RunID: runID, Stage: stage, Status: status, Message: message})
	}
}

// ensureBootstrap runs the configured bootstrap once per key. Concurrent
// callers for the same backend are serialized.
func (b *Backend) ensureBootstrap(ctx context.Context, runID, instance, cwd string) error {
	bs := b.cfg.Bootstrap
	if bs == nil {
		return nil
	}
	key := b.bootstrapKey(instance)
	b.bootMu.Lock()
	defer b.bootMu.Unlock()
	if b.bootstrapped[key] {
		return nil
	}

	b.emit(runID, StageBootstrap, StatusStart, "")
	if len(bs.CheckCommand) > 0 {
		b.emit(runID, StageBootstrapCheck, StatusStart, "")
		info, err := b.runCommand(ctx, instance, bs.CheckCommand, cwd, bs.timeout(), "bootstrap:check")
		if err != nil {
			b.emit(runID, StageBootstrapCheck, StatusFailed, err.Error())
			b.emit(runID, StageBootstrap, StatusFailed, err.Error())
			return err
		}
		if info.ExitCode() == 0 {
			b.emit(runID, StageBootstrapCheck, StatusDone, "")
			b.bootstrapped[key] = true
			b.emit(runID, StageBootstrap, StatusSkip, "cached")
			return nil
		}
		b.emit(runID, StageBootstrapCheck, StatusFailed, "")
		b.logger.Info("bootstrap check failed, installing", "instance", instance, "exit", info.String())
	}

	if len(bs.InstallCommand) == 0 {
		b.bootstrapped[key] = true
		b.emit(runID, StageBootstrap, StatusSkip, "no-install")
		return nil
	}

	b.emit(runID, StageBootstrapInstall, StatusStart, "")
	info, err := b.runCommand(ctx, instance, bs.InstallCommand, cwd, bs.timeout(), "bootstrap:install")
	if err != nil {
		b.emit(runID, StageBootstrapInstall, StatusFailed, err.Error())
		b.emit(runID, StageBootstrap, StatusFailed, err.Error())
		return err
	}
	if info.ExitCode() != 0 {
		b.emit(runID, StageBootstrapInstall, StatusFailed, "")
		return fmt.Errorf("micro-VM bootstrap failed (%s)", info)
	}
	b.bootstrapped[key] = true
	b.emit(runID, StageBootstrapInstall, StatusDone, "")
	b.emit(runID, StageBootstrap, StatusDone, "")
	return nil
}

var errCommandTimeout = errors.New("micro-VM command timeout")

// runCommand execs command, logs its output and waits up to timeout.
func (b *Backend) runCommand(ctx context.Context, instance string, command []string, cwd string, timeout time.Duration, label string) (process.ExitInfo, error) {
	h, err := b.ExecProcess(ctx, sandbox.ExecOptions{InstanceName: instance, Command: command, CwdInGuest: cwd})
	if err != nil {
		return process.ExitInfo{}, err
	}
	_ = h.Stdin().Close()

	var wg sync.WaitGroup
	drain := func(stream string, r io.Reader) {
		defer wg.Done()
		process.ScanLines(r, func(line string) {
			if line != "" {
				b.logger.Debug("micro-VM "+label, "stream", stream, "line", line)
			}
		})
	}
	wg.Add(1)
	go drain("stdout", h.Stdout())
	if h.Stderr() != nil {
		wg.Add(1)
		go drain("stderr", h.Stderr())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.Done():
		wg.Wait()
		_ = h.Close(ctx)
		return h.ExitInfo(), nil
	case <-timer.C:
	case <-ctx.Done():
	}
	b.logger.Warn("micro-VM command timed out", "label", label, "instance", instance, "timeout", timeout)
	_ = h.Close(context.Background())
	wg.Wait()
	if ctx.Err() != nil {
		return process.ExitInfo{}, ctx.Err()
	}
	return process.ExitInfo{}, fmt.Errorf("%w: %s", errCommandTimeout, label)
}
