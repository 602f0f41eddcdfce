package bwrap

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// fakeBwrap skips every option and execs the command after "--".
const fakeBwrap = `#!/bin/sh
printf '%s\n' "$*" >> "$FAKE_BWRAP_LOG"
while [ $# -gt 0 ]; do
  if [ "$1" = "--" ]; then shift; exec "$@"; fi
  shift
done
exit 2
`

func newFakeBackend(t *testing.T) *Backend {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("bwrap backend is linux only")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "bwrap")
	if err := os.WriteFile(bin, []byte(fakeBwrap), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FAKE_BWRAP_LOG", filepath.Join(dir, "bwrap.log"))

	b, err := New(Config{WorkspaceHostRoot: filepath.Join(dir, "root"), BwrapPath: bin}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("New without workspace root accepted")
	}
}

func TestRemoveImageUnsupported(t *testing.T) {
	b, err := New(Config{WorkspaceHostRoot: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RemoveImage(context.Background(), "img"); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Errorf("RemoveImage = %v, want ErrUnsupported", err)
	}
}

func TestEnsureInstanceRejectsEscapingWorkspace(t *testing.T) {
	b, err := New(Config{WorkspaceHostRoot: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.EnsureInstanceRunning(context.Background(), sandbox.EnsureOptions{
		InstanceName: "tuixiu-run-x",
		Mounts:       []sandbox.Mount{{HostPath: "/etc", GuestPath: "/workspace"}},
	})
	if err == nil {
		t.Fatal("workspace outside the root accepted")
	}
}

func TestOpenAgentLifecycle(t *testing.T) {
	b := newFakeBackend(t)
	ctx := context.Background()

	res, err := b.OpenAgent(ctx, sandbox.OpenAgentOptions{
		RunID:              "r1",
		InstanceName:       "tuixiu-run-r1",
		WorkspaceGuestPath: "/workspace",
		AgentCommand:       []string{"cat"},
	})
	if err != nil {
		t.Fatalf("OpenAgent: %v", err)
	}
	if !res.Created || res.InitPending {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(b.root, "run-r1")); err != nil {
		t.Errorf("workspace not created: %v", err)
	}

	io.WriteString(res.Handle.Stdin(), "hello\n")
	line, err := bufio.NewReader(res.Handle.Stdout()).ReadString('\n')
	if err != nil || line != "hello\n" {
		t.Fatalf("echo = %q, %v", line, err)
	}

	again, err := b.OpenAgent(ctx, sandbox.OpenAgentOptions{RunID: "r1", InstanceName: "tuixiu-run-r1", AgentCommand: []string{"cat"}})
	if err != nil {
		t.Fatalf("second OpenAgent: %v", err)
	}
	if again.Created || again.Handle != res.Handle {
		t.Error("running agent was not reused")
	}

	if e, ok := b.Registry().Lookup("tuixiu-run-r1"); !ok || e.PID <= 0 {
		t.Errorf("registry entry = %+v, %v", e, ok)
	}

	list, err := b.ListInstances(ctx, sandbox.ListOptions{NamePrefix: "tuixiu-run-"})
	if err != nil || len(list) != 1 || list[0].Status != sandbox.StatusRunning {
		t.Errorf("ListInstances = %+v, %v", list, err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.RemoveInstance(closeCtx, "tuixiu-run-r1"); err != nil {
		t.Fatalf("RemoveInstance: %v", err)
	}
	<-res.Handle.Done()
	if _, ok := b.Registry().Lookup("tuixiu-run-r1"); ok {
		t.Error("registry entry survived RemoveInstance")
	}
	inst, _ := b.InspectInstance(ctx, "tuixiu-run-r1")
	if inst.Status != sandbox.StatusMissing {
		t.Errorf("status after remove = %q", inst.Status)
	}
	// Removing again is fine.
	if err := b.RemoveInstance(ctx, "tuixiu-run-r1"); err != nil {
		t.Errorf("second RemoveInstance: %v", err)
	}
}

func TestExecProcessNeedsInstance(t *testing.T) {
	b := newFakeBackend(t)
	_, err := b.ExecProcess(context.Background(), sandbox.ExecOptions{InstanceName: "nope", Command: []string{"true"}})
	if !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExecProcessRunsInWorkspace(t *testing.T) {
	b := newFakeBackend(t)
	ctx := context.Background()
	if _, err := b.EnsureInstanceRunning(ctx, sandbox.EnsureOptions{RunID: "r2", InstanceName: "tuixiu-run-r2"}); err != nil {
		t.Fatal(err)
	}
	h, err := b.ExecProcess(ctx, sandbox.ExecOptions{
		InstanceName: "tuixiu-run-r2",
		Command:      []string{"sh", "-c", "echo out; exit 4"},
		CwdInGuest:   "/workspace",
		Env:          map[string]string{"K": "v"},
	})
	if err != nil {
		t.Fatalf("ExecProcess: %v", err)
	}
	out, _ := io.ReadAll(h.Stdout())
	<-h.Done()
	if strings.TrimSpace(string(out)) != "out" {
		t.Errorf("stdout = %q", out)
	}
	if h.ExitInfo().ExitCode() != 4 {
		t.Errorf("exit = %v", h.ExitInfo())
	}

	log, _ := os.ReadFile(os.Getenv("FAKE_BWRAP_LOG"))
	if !strings.Contains(string(log), "--setenv K v --chdir /workspace -- sh -c") {
		t.Errorf("bwrap log:\n%s", log)
	}
}
