// Package facade answers the client-side calls an agent makes back to the
// proxy: file reads and writes, terminals and permission requests. Every
// operation runs inside the run's sandbox instance.
package facade

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/zpdzap/acpproxy/internal/bridge"
	"github.com/zpdzap/acpproxy/internal/metrics"
	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// ErrDisabled is returned by terminal methods when terminals are turned off.
var ErrDisabled = &bridge.RPCError{Code: bridge.CodeApplication, Message: "terminal disabled"}

var (
	errInvalidParams = bridge.NewError(bridge.CodeInvalidParams, "invalid params")
	errNotFound      = bridge.NewError(bridge.CodeNotFound, "resource not found")

	errCommandRequired = bridge.NewError(bridge.CodeInvalidParams, "command is required")
)

// Executor runs processes inside a sandbox instance.
type Executor interface {
	ExecProcess(ctx context.Context, opts sandbox.ExecOptions) (process.Handle, error)
}

// Options configure a Facade.
type Options struct {
	RunID        string
	InstanceName string
	// WorkspaceRoot is the guest path relative paths resolve against and
	// every path must stay under. Empty means /workspace.
	WorkspaceRoot   string
	Sandbox         Executor
	TerminalEnabled bool
	// PermissionAsk forwards permission requests to OnPermissionRequest and
	// waits for a decision. Otherwise the default option is picked at once.
	PermissionAsk       bool
	OnPermissionRequest func(PermissionRequest)
	Metrics             *metrics.Metrics
	Logger              *slog.Logger
}

// Facade serves one run. It is safe for concurrent use.
type Facade struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	terminals   map[string]*terminal
	permissions map[string]*pendingPermission
}

// New creates a Facade.
func New(opts Options) *Facade {
	if strings.TrimSpace(opts.WorkspaceRoot) == "" {
		opts.WorkspaceRoot = sandbox.WorkspaceGuestPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Facade{
		opts:        opts,
		logger:      logger.With("run_id", opts.RunID),
		terminals:   make(map[string]*terminal),
		permissions: make(map[string]*pendingPermission),
	}
}

// HandleRequest answers one agent call. It has the shape of
// bridge.RequestHandler; the permission request id comes from bridge.CallID.
func (f *Facade) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if strings.HasPrefix(method, "terminal/") && !f.opts.TerminalEnabled {
		return nil, ErrDisabled
	}
	switch method {
	case "session/request_permission":
		return f.requestPermission(ctx, bridge.CallID(ctx), params)
	case "fs/read_text_file":
		return f.readTextFile(ctx, params)
	case "fs/write_text_file":
		return f.writeTextFile(ctx, params)
	case "terminal/create":
		return f.createTerminal(ctx, params)
	case "terminal/output":
		return f.terminalOutput(params)
	case "terminal/wait_for_exit":
		return f.waitForTerminalExit(ctx, params)
	case "terminal/kill":
		return f.killTerminal(ctx, params)
	case "terminal/release":
		return f.releaseTerminal(ctx, params)
	}
	return nil, bridge.NewError(bridge.CodeMethodNotFound, "method not found: "+method)
}

// Close kills every terminal and cancels every pending permission request.
func (f *Facade) Close(ctx context.Context) {
	f.CancelAll()
	f.mu.Lock()
	terms := f.terminals
	f.terminals = make(map[string]*terminal)
	f.mu.Unlock()
	for _, t := range terms {
		t.handle.Close(ctx)
		f.opts.Metrics.TerminalReleased()
	}
}

// decodeObject unmarshals params that must be a JSON object.
func decodeObject(params json.RawMessage, v any) error {
	trimmed := strings.TrimSpace(string(params))
	if !strings.HasPrefix(trimmed, "{") {
		return errInvalidParams
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errInvalidParams
	}
	return nil
}

type execResult struct {
	stdout string
	stderr string
	exit   process.ExitInfo
}

// output joins both streams the way error messages report them.
func (r execResult) output() string {
	return strings.TrimSpace(r.stdout + "\n" + r.stderr)
}

// execToText runs command to completion, feeding stdin and collecting both
// streams.
func (f *Facade) execToText(ctx context.Context, command []string, stdin string) (execResult, error) {
	h, err := f.opts.Sandbox.ExecProcess(ctx, sandbox.ExecOptions{
		InstanceName: f.opts.InstanceName,
		Command:      command,
		CwdInGuest:   f.opts.WorkspaceRoot,
	})
	if err != nil {
		return execResult{}, err
	}
	defer h.Close(context.WithoutCancel(ctx))

	var res execResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.stdout = readAll(h.Stdout())
	}()
	go func() {
		defer wg.Done()
		res.stderr = readAll(h.Stderr())
	}()

	if in := h.Stdin(); in != nil {
		if stdin != "" {
			if _, err := io.WriteString(in, stdin); err != nil {
				f.logger.Debug("exec stdin write failed", "err", err)
			}
		}
		in.Close()
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		return execResult{}, ctx.Err()
	}
	wg.Wait()
	res.exit = h.ExitInfo()
	return res, nil
}

func readAll(r io.Reader) string {
	if r == nil {
		return ""
	}
	data, _ := io.ReadAll(r)
	return string(data)
}
