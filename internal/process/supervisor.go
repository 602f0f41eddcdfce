package process

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// SupervisorScript records its own pid in the file named by $1 and then execs
// the remaining arguments, so the recorded pid is the workload's pid.
const SupervisorScript = `pidfile="$1"; shift; echo "$$" > "$pidfile"; exec "$@"`

// SupervisorArgs wraps command in the supervisor script.
func SupervisorArgs(pidFile string, command []string) []string {
	args := []string{"sh", "-c", SupervisorScript, "sh", pidFile}
	return append(args, command...)
}

// PIDFileSignaler signals the pid recorded by the supervisor script. The pid
// file may not exist yet when Signal is first called, so it is polled.
type PIDFileSignaler struct {
	// ReadPID returns the raw contents of the pid file.
	ReadPID func(ctx context.Context) (string, error)
	// Kill delivers sig to pid.
	Kill     func(ctx context.Context, pid int, sig syscall.Signal) error
	Retries  int
	Interval time.Duration

	mu  sync.Mutex
	pid int
}

// HostPIDFile returns a signaler for a pid file on the local filesystem whose
// pid lives in the host pid namespace.
func HostPIDFile(path string) *PIDFileSignaler {
	return &PIDFileSignaler{
		ReadPID: func(context.Context) (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		},
		Kill: func(_ context.Context, pid int, sig syscall.Signal) error {
			return KillPID(pid, sig)
		},
	}
}

// Signal waits for the pid file and delivers sig.
func (s *PIDFileSignaler) Signal(ctx context.Context, sig syscall.Signal) error {
	pid, err := s.waitPID(ctx)
	if err != nil {
		return err
	}
	return s.Kill(ctx, pid, sig)
}

func (s *PIDFileSignaler) waitPID(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid > 0 {
		return s.pid, nil
	}

	retries := s.Retries
	if retries <= 0 {
		retries = 20
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		raw, err := s.ReadPID(ctx)
		if err == nil {
			pid, perr := strconv.Atoi(strings.TrimSpace(raw))
			if perr == nil && pid > 0 {
				s.pid = pid
				return pid, nil
			}
			err = fmt.Errorf("invalid pid %q", strings.TrimSpace(raw))
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
	return 0, fmt.Errorf("pid file not ready after %d attempts: %w", retries, lastErr)
}
