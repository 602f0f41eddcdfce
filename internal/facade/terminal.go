package facade

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Output limits of terminal/create.
const (
	DefaultOutputByteLimit = 2 * 1024 * 1024
	MinOutputByteLimit     = 4096
	MaxOutputByteLimit     = 64 * 1024 * 1024
)

// ExitStatus is the terminal exit as reported to the agent.
type ExitStatus struct {
	ExitCode *int    `json:"exitCode"`
	Signal   *string `json:"signal"`
}

func exitStatusOf(info process.ExitInfo) ExitStatus {
	st := ExitStatus{ExitCode: info.Code}
	if info.Signal != "" {
		sig := info.Signal
		st.Signal = &sig
	}
	return st
}

type terminal struct {
	id        string
	sessionID string
	handle    process.Handle
	limit     int

	mu        sync.Mutex
	output    string
	truncated bool
}

func (t *terminal) append(chunk string) {
	if chunk == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out, cut := TrimToByteLimit(t.output+chunk, t.limit)
	t.output = out
	t.truncated = t.truncated || cut
}

// consume appends r to the output. Each stream holds back a trailing
// partial rune until the rest of it arrives, so interleaved stdout and
// stderr never split a multi-byte character. Invalid bytes become U+FFFD.
func (t *terminal) consume(r io.Reader) {
	if r == nil {
		return
	}
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completeRunes(data)
			t.append(strings.ToValidUTF8(string(data[:cut]), "\uFFFD"))
			carry = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				t.append(strings.ToValidUTF8(string(carry), "\uFFFD"))
			}
			return
		}
	}
}

// completeRunes returns the length of the prefix of b that ends on a rune
// boundary.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// TrimToByteLimit keeps the longest suffix of value that fits in limit bytes
// and starts on a rune boundary. A non-positive limit empties the value.
func TrimToByteLimit(value string, limit int) (string, bool) {
	if limit <= 0 {
		return "", true
	}
	if len(value) <= limit {
		return value, false
	}
	s := value[len(value)-limit:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s, true
}

type createParams struct {
	SessionID       any      `json:"sessionId"`
	Command         any      `json:"command"`
	Args            []any    `json:"args"`
	Cwd             any      `json:"cwd"`
	Env             []any    `json:"env"`
	OutputByteLimit *float64 `json:"outputByteLimit"`
}

func (p createParams) command() []string {
	var out []string
	for _, v := range append([]any{p.Command}, p.Args...) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p createParams) env() map[string]string {
	env := make(map[string]string)
	for _, item := range p.Env {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := obj["name"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}
		value, _ := obj["value"].(string)
		env[name] = value
	}
	return env
}

func (p createParams) limit() int {
	if p.OutputByteLimit == nil {
		return DefaultOutputByteLimit
	}
	return int(max(MinOutputByteLimit, min(MaxOutputByteLimit, *p.OutputByteLimit)))
}

func (f *Facade) createTerminal(ctx context.Context, params json.RawMessage) (any, error) {
	var p createParams
	if err := decodeObject(params, &p); err != nil {
		return nil, err
	}
	cwdRaw := "."
	if s, ok := p.Cwd.(string); ok && strings.TrimSpace(s) != "" {
		cwdRaw = strings.TrimSpace(s)
	}
	cwd, err := f.guestPath(cwdRaw)
	if err != nil {
		return nil, err
	}
	command := p.command()
	if len(command) == 0 {
		return nil, errCommandRequired
	}
	opts := sandbox.ExecOptions{
		InstanceName: f.opts.InstanceName,
		Command:      command,
		CwdInGuest:   cwd,
	}
	if env := p.env(); len(env) > 0 {
		opts.Env = env
	}
	h, err := f.opts.Sandbox.ExecProcess(ctx, opts)
	if err != nil {
		return nil, err
	}
	if in := h.Stdin(); in != nil {
		in.Close()
	}

	sessionID, _ := p.SessionID.(string)
	t := &terminal{
		id:        uuid.NewString(),
		sessionID: sessionID,
		handle:    h,
		limit:     p.limit(),
	}
	go t.consume(h.Stdout())
	go t.consume(h.Stderr())

	f.mu.Lock()
	f.terminals[t.id] = t
	f.mu.Unlock()
	f.opts.Metrics.TerminalOpened()
	f.logger.Debug("terminal created", "terminal_id", t.id, "session_id", sessionID, "command", command[0])
	return map[string]string{"terminalId": t.id}, nil
}

func (f *Facade) lookupTerminal(params json.RawMessage) (*terminal, error) {
	var p struct {
		TerminalID *string `json:"terminalId"`
	}
	if err := decodeObject(params, &p); err != nil || p.TerminalID == nil {
		return nil, errInvalidParams
	}
	f.mu.Lock()
	t, ok := f.terminals[*p.TerminalID]
	f.mu.Unlock()
	if !ok {
		return nil, errNotFound
	}
	return t, nil
}

type outputResult struct {
	Output     string      `json:"output"`
	Truncated  bool        `json:"truncated"`
	ExitStatus *ExitStatus `json:"exitStatus"`
}

func (f *Facade) terminalOutput(params json.RawMessage) (any, error) {
	t, err := f.lookupTerminal(params)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	res := outputResult{Output: t.output, Truncated: t.truncated}
	t.mu.Unlock()
	select {
	case <-t.handle.Done():
		st := exitStatusOf(t.handle.ExitInfo())
		res.ExitStatus = &st
	default:
	}
	return res, nil
}

func (f *Facade) waitForTerminalExit(ctx context.Context, params json.RawMessage) (any, error) {
	t, err := f.lookupTerminal(params)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.handle.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return exitStatusOf(t.handle.ExitInfo()), nil
}

func (f *Facade) killTerminal(ctx context.Context, params json.RawMessage) (any, error) {
	t, err := f.lookupTerminal(params)
	if err != nil {
		return nil, err
	}
	if err := t.handle.Close(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (f *Facade) releaseTerminal(ctx context.Context, params json.RawMessage) (any, error) {
	t, err := f.lookupTerminal(params)
	if err != nil {
		return nil, err
	}
	if err := t.handle.Close(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.terminals[t.id] == t {
		delete(f.terminals, t.id)
		f.opts.Metrics.TerminalReleased()
	}
	f.mu.Unlock()
	return struct{}{}, nil
}
