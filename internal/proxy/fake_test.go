package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// pipeProc is a process.Handle over in-memory pipes. With acp set it answers
// the ACP calls a prompt turn makes.
type pipeProc struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
	exit *process.Exit
	wmu  sync.Mutex
}

func newPipeProc(acp bool) *pipeProc {
	p := &pipeProc{exit: process.NewExit()}
	p.inR, p.inW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	if acp {
		go p.serveACP()
	} else {
		go io.Copy(io.Discard, p.inR)
	}
	return p
}

func (p *pipeProc) serveACP() {
	sc := bufio.NewScanner(p.inR)
	sessions := 0
	for sc.Scan() {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if json.Unmarshal(sc.Bytes(), &msg) != nil || len(msg.ID) == 0 {
			continue
		}
		var result any = map[string]any{}
		switch msg.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": 1, "agentCapabilities": map[string]any{}}
		case "session/new":
			sessions++
			result = map[string]any{"sessionId": "sess-" + string(rune('0'+sessions))}
		case "session/prompt":
			result = map[string]any{"stopReason": "end_turn"}
		}
		data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": result})
		p.wmu.Lock()
		p.outW.Write(append(data, '\n'))
		p.wmu.Unlock()
	}
}

func (p *pipeProc) Stdin() io.WriteCloser      { return p.inW }
func (p *pipeProc) Stdout() io.Reader          { return p.outR }
func (p *pipeProc) Stderr() io.Reader          { return nil }
func (p *pipeProc) Done() <-chan struct{}      { return p.exit.Done() }
func (p *pipeProc) ExitInfo() process.ExitInfo { return p.exit.Info() }
func (p *pipeProc) OnExit(fn func(process.ExitInfo)) {
	p.exit.OnExit(fn)
}

func (p *pipeProc) Close(context.Context) error {
	p.finish(process.ExitInfo{Signal: "SIGTERM"})
	return nil
}

func (p *pipeProc) finish(info process.ExitInfo) {
	p.inR.Close()
	p.outW.Close()
	p.exit.Resolve(info)
}

// memSandbox is an in-memory sandbox.Sandbox.
type memSandbox struct {
	provider sandbox.Provider

	mu        sync.Mutex
	instances map[string]sandbox.Instance
	removed   []string
	stopped   []string
	images    []string
	execs     []sandbox.ExecOptions
	execCode  int
}

func newMemSandbox(names ...string) *memSandbox {
	sb := &memSandbox{provider: sandbox.ProviderContainer, instances: make(map[string]sandbox.Instance)}
	for _, n := range names {
		sb.instances[n] = sandbox.Instance{Name: n, Status: sandbox.StatusRunning, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	}
	return sb
}

func (s *memSandbox) Provider() sandbox.Provider   { return s.provider }
func (s *memSandbox) Runtime() string              { return "docker" }
func (s *memSandbox) AgentMode() sandbox.AgentMode { return sandbox.AgentModeExec }

func (s *memSandbox) InspectInstance(_ context.Context, name string) (sandbox.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[name]; ok {
		return inst, nil
	}
	return sandbox.Instance{Name: name, Status: sandbox.StatusMissing}, nil
}

func (s *memSandbox) EnsureInstanceRunning(_ context.Context, opts sandbox.EnsureOptions) (sandbox.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := sandbox.Instance{Name: opts.InstanceName, Status: sandbox.StatusRunning}
	s.instances[opts.InstanceName] = inst
	return inst, nil
}

func (s *memSandbox) ExecProcess(_ context.Context, opts sandbox.ExecOptions) (process.Handle, error) {
	s.mu.Lock()
	s.execs = append(s.execs, opts)
	code := s.execCode
	s.mu.Unlock()
	p := newPipeProc(false)
	go p.finish(process.ExitInfo{Code: process.CodePtr(code)})
	return p, nil
}

func (s *memSandbox) OpenAgent(_ context.Context, opts sandbox.OpenAgentOptions) (sandbox.AgentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.instances[opts.InstanceName]
	s.instances[opts.InstanceName] = sandbox.Instance{Name: opts.InstanceName, Status: sandbox.StatusRunning}
	return sandbox.AgentResult{Handle: newPipeProc(true), Created: !existed}, nil
}

func (s *memSandbox) StopInstance(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, name)
	if inst, ok := s.instances[name]; ok {
		inst.Status = sandbox.StatusStopped
		s.instances[name] = inst
	}
	return nil
}

func (s *memSandbox) RemoveInstance(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, name)
	delete(s.instances, name)
	return nil
}

func (s *memSandbox) RemoveImage(_ context.Context, image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, image)
	return nil
}

func (s *memSandbox) ListInstances(_ context.Context, opts sandbox.ListOptions) ([]sandbox.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sandbox.Instance
	for name, inst := range s.instances {
		if opts.Match(name) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *memSandbox) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for n := range s.instances {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// sink records outbound messages as generic JSON.
type sink struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (s *sink) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *sink) ofType(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, m := range s.msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// last returns the most recent message of typ, failing the test when none
// was sent.
func (s *sink) last(t *testing.T, typ string) map[string]any {
	t.Helper()
	got := s.ofType(typ)
	if len(got) == 0 {
		t.Fatalf("no %s message sent", typ)
	}
	return got[len(got)-1]
}

func newTestProxy(t *testing.T, sb *memSandbox, cfg runs.Config) (*Proxy, *sink) {
	t.Helper()
	out := &sink{}
	m := runs.NewManager(runs.Options{Config: cfg, Sandbox: sb, Sender: out})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return New(Options{Runs: m, Registration: Registration{AgentID: "agent-1"}}), out
}

// dispatch runs one inbound message synchronously.
func dispatch(t *testing.T, p *Proxy, raw string) {
	t.Helper()
	msg, err := protocol.Parse([]byte(raw))
	if msg == nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	p.Dispatch(context.Background(), msg, err)
}
