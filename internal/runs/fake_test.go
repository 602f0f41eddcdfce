package runs

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// rpcFailure is a JSON-RPC error an agent script replies with.
type rpcFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// agentScript answers one agent call. n counts calls of method, from 1.
type agentScript func(method string, params json.RawMessage, n int) (any, *rpcFailure)

// scriptedAgent is a process.Handle speaking ACP from a script.
type scriptedAgent struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter
	exit   *process.Exit

	mu     sync.Mutex
	wmu    sync.Mutex
	calls  map[string]int
	params map[string][]json.RawMessage
	notes  []string
}

func newScriptedAgent(script agentScript) *scriptedAgent {
	a := &scriptedAgent{
		exit:   process.NewExit(),
		calls:  make(map[string]int),
		params: make(map[string][]json.RawMessage),
	}
	a.stdinR, a.stdinW = io.Pipe()
	a.outR, a.outW = io.Pipe()
	a.errR, a.errW = io.Pipe()
	go a.serve(script)
	return a
}

func (a *scriptedAgent) serve(script agentScript) {
	sc := bufio.NewScanner(a.stdinR)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(sc.Bytes(), &msg) != nil || msg.Method == "" {
			continue
		}
		a.mu.Lock()
		if len(msg.ID) == 0 {
			a.notes = append(a.notes, msg.Method)
			a.mu.Unlock()
			continue
		}
		a.calls[msg.Method]++
		n := a.calls[msg.Method]
		a.params[msg.Method] = append(a.params[msg.Method], msg.Params)
		a.mu.Unlock()

		go func(id json.RawMessage) {
			result, fail := script(msg.Method, msg.Params, n)
			reply := map[string]any{"jsonrpc": "2.0", "id": id}
			if fail != nil {
				reply["error"] = fail
			} else {
				reply["result"] = result
			}
			a.write(reply)
		}(msg.ID)
	}
}

func (a *scriptedAgent) write(v any) {
	data, _ := json.Marshal(v)
	a.wmu.Lock()
	defer a.wmu.Unlock()
	a.outW.Write(append(data, '\n'))
}

func (a *scriptedAgent) stderr(line string) {
	io.WriteString(a.errW, line+"\n")
}

func (a *scriptedAgent) count(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

func (a *scriptedAgent) paramsOf(method string) []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]json.RawMessage(nil), a.params[method]...)
}

func (a *scriptedAgent) notifications() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.notes...)
}

func (a *scriptedAgent) Stdin() io.WriteCloser      { return a.stdinW }
func (a *scriptedAgent) Stdout() io.Reader          { return a.outR }
func (a *scriptedAgent) Stderr() io.Reader          { return a.errR }
func (a *scriptedAgent) Done() <-chan struct{}      { return a.exit.Done() }
func (a *scriptedAgent) ExitInfo() process.ExitInfo { return a.exit.Info() }
func (a *scriptedAgent) OnExit(fn func(process.ExitInfo)) {
	a.exit.OnExit(fn)
}

func (a *scriptedAgent) Close(context.Context) error {
	a.exitWith(process.ExitInfo{Signal: "SIGTERM"})
	return nil
}

func (a *scriptedAgent) exitWith(info process.ExitInfo) {
	a.stdinR.Close()
	a.outW.Close()
	a.errW.Close()
	a.exit.Resolve(info)
}

// defaultScript answers the ACP methods a prompt turn needs.
func defaultScript(method string, _ json.RawMessage, n int) (any, *rpcFailure) {
	switch method {
	case "initialize":
		return map[string]any{"protocolVersion": 1, "agentCapabilities": map[string]any{}}, nil
	case "session/new":
		return map[string]any{"sessionId": "s" + string(rune('0'+n))}, nil
	case "session/prompt":
		return map[string]any{"stopReason": "end_turn"}, nil
	default:
		return map[string]any{}, nil
	}
}

// fakeSandbox is an in-memory sandbox.Sandbox.
type fakeSandbox struct {
	provider sandbox.Provider
	mode     sandbox.AgentMode
	script   agentScript

	mu        sync.Mutex
	instances map[string]sandbox.Status
	agents    []*scriptedAgent
	removed   []string
	stopped   []string
	execs     [][]string
	opened    []sandbox.OpenAgentOptions
	// execOutput and execCode script ExecProcess.
	execOutput string
	execCode   int
}

func newFakeSandbox(script agentScript) *fakeSandbox {
	if script == nil {
		script = defaultScript
	}
	return &fakeSandbox{
		provider:  sandbox.ProviderBwrap,
		mode:      sandbox.AgentModeExec,
		script:    script,
		instances: make(map[string]sandbox.Status),
	}
}

func (f *fakeSandbox) Provider() sandbox.Provider   { return f.provider }
func (f *fakeSandbox) Runtime() string              { return "" }
func (f *fakeSandbox) AgentMode() sandbox.AgentMode { return f.mode }

func (f *fakeSandbox) InspectInstance(_ context.Context, name string) (sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.instances[name]
	if !ok {
		st = sandbox.StatusMissing
	}
	return sandbox.Instance{Name: name, Status: st}, nil
}

func (f *fakeSandbox) EnsureInstanceRunning(_ context.Context, opts sandbox.EnsureOptions) (sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[opts.InstanceName] = sandbox.StatusRunning
	return sandbox.Instance{Name: opts.InstanceName, Status: sandbox.StatusRunning}, nil
}

func (f *fakeSandbox) ExecProcess(_ context.Context, opts sandbox.ExecOptions) (process.Handle, error) {
	f.mu.Lock()
	f.execs = append(f.execs, opts.Command)
	out, code := f.execOutput, f.execCode
	f.mu.Unlock()

	a := &scriptedAgent{exit: process.NewExit(), calls: map[string]int{}, params: map[string][]json.RawMessage{}}
	a.stdinR, a.stdinW = io.Pipe()
	a.outR, a.outW = io.Pipe()
	a.errR, a.errW = io.Pipe()
	go io.Copy(io.Discard, a.stdinR)
	go func() {
		for _, line := range strings.Split(out, "\n") {
			if line != "" {
				io.WriteString(a.outW, line+"\n")
			}
		}
		a.exitWith(process.ExitInfo{Code: process.CodePtr(code)})
	}()
	return a, nil
}

func (f *fakeSandbox) OpenAgent(_ context.Context, opts sandbox.OpenAgentOptions) (sandbox.AgentResult, error) {
	a := newScriptedAgent(f.script)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.instances[opts.InstanceName]
	f.instances[opts.InstanceName] = sandbox.StatusRunning
	f.agents = append(f.agents, a)
	f.opened = append(f.opened, opts)
	pending := f.mode == sandbox.AgentModeEntrypoint && opts.Init != nil && opts.Init.Script != ""
	return sandbox.AgentResult{Handle: a, Created: !existed, InitPending: pending}, nil
}

func (f *fakeSandbox) StopInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	if _, ok := f.instances[name]; ok {
		f.instances[name] = sandbox.StatusStopped
	}
	return nil
}

func (f *fakeSandbox) RemoveInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	delete(f.instances, name)
	return nil
}

func (f *fakeSandbox) RemoveImage(context.Context, string) error { return nil }

func (f *fakeSandbox) ListInstances(_ context.Context, opts sandbox.ListOptions) ([]sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sandbox.Instance
	for name, st := range f.instances {
		if opts.Match(name) {
			out = append(out, sandbox.Instance{Name: name, Status: st})
		}
	}
	return out, nil
}

func (f *fakeSandbox) lastAgent(t *testing.T) *scriptedAgent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.agents) == 0 {
		t.Fatal("no agent opened")
	}
	return f.agents[len(f.agents)-1]
}

// recorder collects outbound messages as generic JSON.
type recorder struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (r *recorder) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

// ofType returns sent messages of type typ; for proxy_update, typ matches
// the content type.
func (r *recorder) ofType(typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, m := range r.msgs {
		if m["type"] == typ {
			out = append(out, m)
			continue
		}
		if c, ok := m["content"].(map[string]any); ok && m["type"] == "proxy_update" && c["type"] == typ {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.ofType(typ); len(got) > 0 {
			return got[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s message sent", typ)
	return nil
}

func newTestManager(t *testing.T, sb *fakeSandbox, cfg Config) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewManager(Options{Config: cfg, Sandbox: sb, Sender: rec})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, rec
}

func textPrompt(s string) []json.RawMessage {
	data, _ := json.Marshal(map[string]string{"type": "text", "text": s})
	return []json.RawMessage{data}
}
