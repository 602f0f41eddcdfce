package facade

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zpdzap/acpproxy/internal/bridge"
	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/sandbox/hostproc"
)

// localExec runs commands on the host with /workspace mapped onto dir.
type localExec struct {
	dir string

	mu    sync.Mutex
	calls []sandbox.ExecOptions
}

func (e *localExec) ExecProcess(_ context.Context, opts sandbox.ExecOptions) (process.Handle, error) {
	e.mu.Lock()
	e.calls = append(e.calls, opts)
	e.mu.Unlock()
	args := make([]string, len(opts.Command))
	for i, a := range opts.Command {
		if strings.HasPrefix(a, sandbox.WorkspaceGuestPath) {
			a = hostproc.MapGuestPath(e.dir, a)
		}
		args[i] = a
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = hostproc.MapGuestPath(e.dir, opts.CwdInGuest)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return process.Start(cmd, process.Options{Grace: 200 * time.Millisecond})
}

func (e *localExec) lastCall() sandbox.ExecOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[len(e.calls)-1]
}

func newFacade(t *testing.T, opts Options) (*Facade, *localExec) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	ex := &localExec{dir: t.TempDir()}
	opts.RunID = "r1"
	opts.InstanceName = "tuixiu-run-r1"
	opts.Sandbox = ex
	f := New(opts)
	t.Cleanup(func() { f.Close(context.Background()) })
	return f, ex
}

func call(t *testing.T, f *Facade, method string, params any) (map[string]any, error) {
	t.Helper()
	raw, _ := json.Marshal(params)
	res, err := f.HandleRequest(context.Background(), method, raw)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(res)
	var out map[string]any
	json.Unmarshal(data, &out)
	return out, nil
}

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	got, ok := bridge.ErrorCode(err)
	if !ok || got != code {
		t.Errorf("err = %v, want code %d", err, code)
	}
}

func TestDefaultOutcome(t *testing.T) {
	tests := []struct {
		name    string
		options []PermissionOption
		want    Outcome
	}{
		{"prefers allow_once", []PermissionOption{{OptionID: "a", Kind: "allow_always"}, {OptionID: "b", Kind: "allow_once"}}, Outcome{OutcomeSelected, "b"}},
		{"falls back to first", []PermissionOption{{OptionID: "x", Kind: "reject_once"}}, Outcome{OutcomeSelected, "x"}},
		{"no options", nil, Outcome{Outcome: OutcomeCancelled}},
		{"blank id", []PermissionOption{{OptionID: "  "}}, Outcome{Outcome: OutcomeCancelled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultOutcome(tt.options); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPermissionWithoutAskingPicksDefault(t *testing.T) {
	f, _ := newFacade(t, Options{})
	res, err := call(t, f, "session/request_permission", map[string]any{
		"sessionId": "s1",
		"options": []any{
			map[string]any{"optionId": "a", "kind": "allow_always"},
			map[string]any{"optionId": "b", "kind": "allow_once"},
			map[string]any{"kind": "allow_once"},
			"junk",
		},
	})
	if err != nil {
		t.Fatalf("request_permission: %v", err)
	}
	out := res["outcome"].(map[string]any)
	if out["outcome"] != "selected" || out["optionId"] != "b" {
		t.Errorf("outcome = %v", out)
	}
}

func askFacade(t *testing.T) (*Facade, chan PermissionRequest) {
	t.Helper()
	reqs := make(chan PermissionRequest, 4)
	f, _ := newFacade(t, Options{
		PermissionAsk:       true,
		OnPermissionRequest: func(r PermissionRequest) { reqs <- r },
	})
	return f, reqs
}

func askAsync(f *Facade, id string, options []any) <-chan any {
	done := make(chan any, 1)
	go func() {
		raw, _ := json.Marshal(map[string]any{"sessionId": "s1", "toolCall": map[string]any{"title": "rm"}, "options": options})
		ctx := context.Background()
		res, err := f.requestPermission(ctx, id, raw)
		if err != nil {
			done <- err
			return
		}
		done <- res.(map[string]Outcome)["outcome"]
	}()
	return done
}

func TestPermissionAskResolves(t *testing.T) {
	f, reqs := askFacade(t)
	options := []any{
		map[string]any{"optionId": "yes", "kind": "allow_once"},
		map[string]any{"optionId": "no", "kind": "reject_once"},
	}

	tests := []struct {
		name     string
		decision Outcome
		want     Outcome
	}{
		{"selected", Outcome{OutcomeSelected, " no "}, Outcome{OutcomeSelected, "no"}},
		{"unknown option falls back", Outcome{OutcomeSelected, "maybe"}, Outcome{OutcomeSelected, "yes"}},
		{"cancelled", Outcome{Outcome: OutcomeCancelled}, Outcome{Outcome: OutcomeCancelled}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := string(rune('1' + i))
			done := askAsync(f, id, options)
			req := <-reqs
			if req.RequestID != id || req.SessionID != "s1" || len(req.Options) != 2 {
				t.Fatalf("forwarded request = %+v", req)
			}
			if !strings.Contains(string(req.ToolCall), "rm") {
				t.Errorf("tool call = %s", req.ToolCall)
			}
			if !f.ResolvePermission(id, tt.decision) {
				t.Fatal("ResolvePermission found nothing")
			}
			if got := <-done; got != tt.want {
				t.Errorf("outcome = %+v, want %+v", got, tt.want)
			}
			if f.ResolvePermission(id, tt.decision) {
				t.Error("second resolve matched")
			}
		})
	}
}

func TestPermissionAskEdgeCases(t *testing.T) {
	f, reqs := askFacade(t)

	if got := <-askAsync(f, "empty", nil); got != (Outcome{Outcome: OutcomeCancelled}) {
		t.Errorf("no options = %+v", got)
	}

	options := []any{map[string]any{"optionId": "ok", "kind": "allow_once"}}
	first := askAsync(f, "dup", options)
	<-reqs
	if got := <-askAsync(f, "dup", options); got != (Outcome{OutcomeSelected, "ok"}) {
		t.Errorf("duplicate = %+v", got)
	}

	second := askAsync(f, "other", options)
	<-reqs
	if ids := f.PendingPermissions(); len(ids) != 2 {
		t.Errorf("pending = %v", ids)
	}
	if !f.CancelPermission("other") {
		t.Error("CancelPermission found nothing")
	}
	if got := <-second; got != (Outcome{Outcome: OutcomeCancelled}) {
		t.Errorf("cancelled = %+v", got)
	}
	f.CancelAll()
	if got := <-first; got != (Outcome{Outcome: OutcomeCancelled}) {
		t.Errorf("cancel all = %+v", got)
	}
	if f.CancelPermission("missing") {
		t.Error("cancel of unknown id matched")
	}
}

func TestTrimToByteLimit(t *testing.T) {
	if got, cut := TrimToByteLimit("abc", 0); got != "" || !cut {
		t.Errorf("limit 0 = %q, %v", got, cut)
	}
	if got, cut := TrimToByteLimit("abc", 3); got != "abc" || cut {
		t.Errorf("fits = %q, %v", got, cut)
	}
	if got, cut := TrimToByteLimit("abcdef", 4); got != "cdef" || !cut {
		t.Errorf("ascii = %q, %v", got, cut)
	}
	// "é" is two bytes; a limit that splits it drops the partial rune.
	if got, _ := TrimToByteLimit("aéé", 3); got != "é" {
		t.Errorf("utf8 = %q", got)
	}
	for _, s := range []string{"héllo wörld", "日本語テキスト", strings.Repeat("ab€", 50)} {
		for limit := 1; limit <= len(s)+1; limit++ {
			got, _ := TrimToByteLimit(s, limit)
			if len(got) > limit || !utf8.ValidString(got) || !strings.HasSuffix(s, got) {
				t.Fatalf("TrimToByteLimit(%q, %d) = %q", s, limit, got)
			}
		}
	}
}

func ptr(v float64) *float64 { return &v }

func TestSliceLines(t *testing.T) {
	content := "one\r\ntwo\nthree\nfour"
	tests := []struct {
		name        string
		line, limit *float64
		want        string
	}{
		{"untouched", nil, nil, content},
		{"from line 2", ptr(2), nil, "two\nthree\nfour"},
		{"window", ptr(2), ptr(2), "two\nthree"},
		{"limit only", nil, ptr(1), "one"},
		{"limit zero", ptr(1), ptr(0), ""},
		{"line zero", ptr(0), ptr(1), "one"},
		{"past end", ptr(10), ptr(2), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SliceLines(content, tt.line, tt.limit); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileReadWrite(t *testing.T) {
	f, ex := newFacade(t, Options{})

	if _, err := call(t, f, "fs/write_text_file", map[string]any{"path": "notes/a.txt", "content": "l1\nl2\nl3"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ex.dir, "notes", "a.txt"))
	if err != nil || string(data) != "l1\nl2\nl3" {
		t.Fatalf("file = %q, %v", data, err)
	}
	if c := ex.lastCall(); c.CwdInGuest != "/workspace" || c.Command[4] != "/workspace/notes/a.txt" {
		t.Errorf("exec = %+v", c)
	}

	res, err := call(t, f, "fs/read_text_file", map[string]any{"path": "/workspace/notes/a.txt", "line": 2, "limit": 1})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res["content"] != "l2" {
		t.Errorf("content = %q", res["content"])
	}

	_, err = call(t, f, "fs/read_text_file", map[string]any{"path": "missing.txt"})
	wantCode(t, err, bridge.CodeNotFound)

	_, err = call(t, f, "fs/read_text_file", map[string]any{"path": 5})
	wantCode(t, err, bridge.CodeInvalidParams)

	if _, err := call(t, f, "fs/read_text_file", map[string]any{"path": "/etc/passwd"}); err == nil {
		t.Error("read outside the workspace succeeded")
	}
	if _, err := call(t, f, "fs/write_text_file", map[string]any{"path": "../escape"}); err == nil {
		t.Error("write outside the workspace succeeded")
	}
}

func TestTerminalsDisabled(t *testing.T) {
	f, _ := newFacade(t, Options{})
	for _, m := range []string{"terminal/create", "terminal/output", "terminal/release"} {
		_, err := call(t, f, m, map[string]any{"terminalId": "x", "command": "echo"})
		if !errors.Is(err, ErrDisabled) {
			t.Errorf("%s = %v", m, err)
		}
	}
}

func TestTerminalLifecycle(t *testing.T) {
	f, ex := newFacade(t, Options{TerminalEnabled: true})

	res, err := call(t, f, "terminal/create", map[string]any{
		"sessionId": "s1",
		"command":   "sh",
		"args":      []any{"-c", `printf 'out-%s\n' "$GREETING"; printf 'err\n' >&2; exit 3`, ""},
		"env":       []any{map[string]any{"name": "GREETING", "value": "hi"}, map[string]any{"name": " ", "value": "x"}},
		"cwd":       "sub/..",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := res["terminalId"].(string)
	if id == "" {
		t.Fatalf("create = %v", res)
	}
	c := ex.lastCall()
	if len(c.Command) != 3 || c.CwdInGuest != "/workspace" || len(c.Env) != 1 {
		t.Errorf("exec = %+v", c)
	}

	res, err = call(t, f, "terminal/wait_for_exit", map[string]any{"terminalId": id})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res["exitCode"].(float64) != 3 || res["signal"] != nil {
		t.Errorf("wait = %v", res)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err = call(t, f, "terminal/output", map[string]any{"terminalId": id})
		if err != nil {
			t.Fatalf("output: %v", err)
		}
		out := res["output"].(string)
		if strings.Contains(out, "out-hi") && strings.Contains(out, "err") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if res["truncated"] != false || res["exitStatus"] == nil {
		t.Errorf("output = %v", res)
	}

	if _, err := call(t, f, "terminal/release", map[string]any{"terminalId": id}); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err = call(t, f, "terminal/output", map[string]any{"terminalId": id})
	wantCode(t, err, bridge.CodeNotFound)
	_, err = call(t, f, "terminal/output", map[string]any{})
	wantCode(t, err, bridge.CodeInvalidParams)
}

func waitOutput(t *testing.T, term *terminal, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		term.mu.Lock()
		got := term.output
		term.mu.Unlock()
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want %q", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTerminalKeepsRunesWhole(t *testing.T) {
	term := &terminal{limit: DefaultOutputByteLimit}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	done := make(chan struct{}, 2)
	go func() { term.consume(outR); done <- struct{}{} }()
	go func() { term.consume(errR); done <- struct{}{} }()

	outW.Write([]byte{0xc3})
	errW.Write([]byte("E"))
	waitOutput(t, term, "E")
	outW.Write([]byte{0xa9, '\n'})
	waitOutput(t, term, "E\u00e9\n")

	// A dangling lead byte at EOF is flushed as a replacement character.
	errW.Write([]byte{0xe2, 0x82})
	errW.Close()
	outW.Close()
	<-done
	<-done
	waitOutput(t, term, "E\u00e9\n\uFFFD")
}

func TestCompleteRunes(t *testing.T) {
	tests := []struct {
		in   []byte
		want int
	}{
		{nil, 0},
		{[]byte("abc"), 3},
		{[]byte{'a', 0xc3}, 1},
		{[]byte{'a', 0xc3, 0xa9}, 3},
		{[]byte{0xe2, 0x82}, 0},
		{[]byte{0xf0, 0x9f, 0x98, 0x80}, 4},
		{[]byte{'a', 0xff}, 2},
	}
	for _, tt := range tests {
		if got := completeRunes(tt.in); got != tt.want {
			t.Errorf("completeRunes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTerminalOutputStaysValidUTF8(t *testing.T) {
	f, _ := newFacade(t, Options{TerminalEnabled: true})
	res, err := call(t, f, "terminal/create", map[string]any{
		"command": "sh",
		"args":    []any{"-c", `printf '\303'; sleep 0.1; printf 'E' >&2; sleep 0.1; printf '\251\n'`},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := res["terminalId"].(string)
	if _, err := call(t, f, "terminal/wait_for_exit", map[string]any{"terminalId": id}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, _ = call(t, f, "terminal/output", map[string]any{"terminalId": id})
		out := res["output"].(string)
		if out == "E\u00e9\n" {
			break
		}
		if !utf8.ValidString(out) {
			t.Fatalf("output %q is not valid UTF-8", out)
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTerminalCreateValidation(t *testing.T) {
	f, _ := newFacade(t, Options{TerminalEnabled: true})
	_, err := call(t, f, "terminal/create", map[string]any{"command": "", "args": []any{1}})
	wantCode(t, err, bridge.CodeInvalidParams)
	_, err = call(t, f, "terminal/create", []any{"sh"})
	wantCode(t, err, bridge.CodeInvalidParams)
	if _, err := call(t, f, "terminal/create", map[string]any{"command": "true", "cwd": "/tmp"}); err == nil {
		t.Error("cwd outside the workspace accepted")
	}
}

func TestTerminalKillAndTruncation(t *testing.T) {
	f, _ := newFacade(t, Options{TerminalEnabled: true})
	res, err := call(t, f, "terminal/create", map[string]any{
		"command":         "sh",
		"args":            []any{"-c", "head -c 10000 /dev/zero | tr '\\0' x; sleep 30"},
		"outputByteLimit": 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := res["terminalId"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, _ = call(t, f, "terminal/output", map[string]any{"terminalId": id})
		if res["truncated"] == true {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never truncated: %v", res)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if out := res["output"].(string); len(out) != MinOutputByteLimit || strings.Trim(out, "x") != "" {
		t.Errorf("output length = %d", len(out))
	}
	if res["exitStatus"] != nil {
		t.Errorf("exit status before kill = %v", res["exitStatus"])
	}

	if _, err := call(t, f, "terminal/kill", map[string]any{"terminalId": id}); err != nil {
		t.Fatalf("kill: %v", err)
	}
	res, err = call(t, f, "terminal/wait_for_exit", map[string]any{"terminalId": id})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res["signal"] == nil && res["exitCode"] == nil {
		t.Errorf("wait after kill = %v", res)
	}
}

func TestUnknownMethod(t *testing.T) {
	f, _ := newFacade(t, Options{})
	_, err := call(t, f, "session/update", map[string]any{})
	wantCode(t, err, bridge.CodeMethodNotFound)
}
