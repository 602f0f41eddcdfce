package process

import (
	"context"
	"fmt"
	"sync"
)

// ExitInfo describes how a process ended. Code is nil when the process was
// killed by a signal or the exit status could not be determined.
type ExitInfo struct {
	Code   *int   `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ExitCode returns the exit code, or -1 when there is none.
func (e ExitInfo) ExitCode() int {
	if e.Code == nil {
		return -1
	}
	return *e.Code
}

func (e ExitInfo) String() string {
	switch {
	case e.Code != nil:
		return fmt.Sprintf("exitCode=%d", *e.Code)
	case e.Signal != "":
		return "signal=" + e.Signal
	default:
		return "exit=unknown"
	}
}

// CodePtr is a helper for building ExitInfo literals.
func CodePtr(code int) *int { return &code }

// Exit is a one-shot broadcast of a process exit. It is resolved exactly once;
// later Resolve calls are ignored.
type Exit struct {
	once sync.Once
	done chan struct{}
	info ExitInfo
}

// NewExit returns an unresolved Exit.
func NewExit() *Exit {
	return &Exit{done: make(chan struct{})}
}

// Resolve records the exit and wakes every waiter. It reports whether this
// call was the one that resolved the exit.
func (e *Exit) Resolve(info ExitInfo) bool {
	resolved := false
	e.once.Do(func() {
		e.info = info
		close(e.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the process has exited.
func (e *Exit) Done() <-chan struct{} { return e.done }

// Info returns the exit info, or the zero value while the process is running.
func (e *Exit) Info() ExitInfo {
	select {
	case <-e.done:
		return e.info
	default:
		return ExitInfo{}
	}
}

// Wait blocks until the process exits or ctx is done.
func (e *Exit) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case <-e.done:
		return e.info, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

// OnExit registers fn to be called once with the exit info. If the process
// has already exited fn runs immediately on the caller's goroutine.
func (e *Exit) OnExit(fn func(ExitInfo)) {
	select {
	case <-e.done:
		fn(e.info)
		return
	default:
	}
	go func() {
		<-e.done
		fn(e.info)
	}()
}
