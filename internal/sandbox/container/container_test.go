package container

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

const fakeCLI = `#!/bin/sh
printf '%s\n' "$*" >> "$FAKE_CLI_LOG"
case "$1" in
inspect)
  if [ -n "$FAKE_INSPECT" ]; then printf '%s\n' "$FAKE_INSPECT"; exit 0; fi
  echo "Error: No such container: x" >&2
  exit 1
  ;;
rm|stop)
  if [ -n "$FAKE_MISSING" ]; then echo "Error response from daemon: No such container: x" >&2; exit 1; fi
  ;;
ps)
  for id in $FAKE_PS; do echo "$id"; done
  ;;
run|start|attach)
  case " $* " in
  *" -i "*|" attach "*) echo $$ > "$FAKE_AGENT_PID"; exec cat ;;
  esac
  echo cid0123456789
  ;;
kill)
  kill -TERM "$(cat "$FAKE_AGENT_PID")"
  ;;
esac
exit 0
`

type fakeEnv struct {
	log string
}

func (f fakeEnv) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.log)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func (f fakeEnv) hasCall(t *testing.T, prefix string) bool {
	t.Helper()
	for _, c := range f.calls(t) {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newFakeBackend(t *testing.T, cfg Config) (*Backend, fakeEnv) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake runtime CLI is a shell script")
	}
	dir := t.TempDir()
	cli := filepath.Join(dir, "docker")
	if err := os.WriteFile(cli, []byte(fakeCLI), 0o755); err != nil {
		t.Fatal(err)
	}
	env := fakeEnv{log: filepath.Join(dir, "calls.log")}
	t.Setenv("FAKE_CLI_LOG", env.log)
	t.Setenv("FAKE_AGENT_PID", filepath.Join(dir, "agent.pid"))
	t.Setenv("FAKE_INSPECT", "")
	t.Setenv("FAKE_MISSING", "")
	t.Setenv("FAKE_PS", "")

	cfg.CLIPath = cli
	if cfg.Image == "" {
		cfg.Image = "img:latest"
	}
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, env
}

func inspectJSON(name, status string, labels string) string {
	return `[{"Name":"/` + name + `","Created":"2024-05-01T10:00:00.123456789Z","State":{"Status":"` + status +
		`","Running":` + strconv.FormatBool(status == "running") + `},"Config":{"Labels":{` + labels + `}}}]`
}

func TestParseRuntime(t *testing.T) {
	for _, ok := range []string{"docker", "podman", "nerdctl", " podman "} {
		if _, err := ParseRuntime(ok); err != nil {
			t.Errorf("ParseRuntime(%q): %v", ok, err)
		}
	}
	if rt, _ := ParseRuntime(""); rt != "docker" {
		t.Errorf("default runtime = %q, want docker", rt)
	}
	if _, err := ParseRuntime("lxc"); err == nil {
		t.Error("ParseRuntime(lxc) accepted")
	}
	if _, err := New(Config{Runtime: "docker"}, nil); err == nil {
		t.Error("New without image accepted")
	}
}

func TestInspectInstance(t *testing.T) {
	b, _ := newFakeBackend(t, Config{})
	ctx := context.Background()

	inst, err := b.InspectInstance(ctx, "tuixiu-run-r1")
	if err != nil {
		t.Fatalf("InspectInstance missing: %v", err)
	}
	if inst.Status != sandbox.StatusMissing {
		t.Errorf("status = %q, want missing", inst.Status)
	}

	t.Setenv("FAKE_INSPECT", inspectJSON("tuixiu-run-r1", "exited", ""))
	inst, err = b.InspectInstance(ctx, "tuixiu-run-r1")
	if err != nil {
		t.Fatalf("InspectInstance: %v", err)
	}
	if inst.Status != sandbox.StatusStopped {
		t.Errorf("status = %q, want stopped", inst.Status)
	}
	if inst.CreatedAt.Year() != 2024 {
		t.Errorf("created at = %v", inst.CreatedAt)
	}
	if inst.WorkspaceRoot != sandbox.WorkspaceGuestPath {
		t.Errorf("workspace root = %q", inst.WorkspaceRoot)
	}
}

func TestEnsureInstanceRunningCreatesPlaceholder(t *testing.T) {
	b, env := newFakeBackend(t, Config{Env: map[string]string{"B": "2", "A": "1"}, MemoryMiB: 512})

	if _, err := b.EnsureInstanceRunning(context.Background(), sandbox.EnsureOptions{
		RunID:        "r1",
		InstanceName: "tuixiu-run-r1",
		Mounts:       []sandbox.Mount{{HostPath: "/srv/ws/run-r1", GuestPath: "/workspace"}, {HostPath: "/ro", GuestPath: "/ro", ReadOnly: true}},
	}); err != nil {
		t.Fatalf("EnsureInstanceRunning: %v", err)
	}

	want := "run -d --name tuixiu-run-r1 --label acp-proxy.managed=1 --label acp-proxy.agent_mode=entrypoint " +
		"--label acp-proxy.run_id=r1 -w /workspace --memory 512m -e A=1 -e B=2 " +
		"-v /srv/ws/run-r1:/workspace -v /ro:/ro:ro img:latest sleep infinity"
	if !env.hasCall(t, want) {
		t.Errorf("missing call %q in %q", want, env.calls(t))
	}
}

func TestEnsureInstanceRunningStartsStopped(t *testing.T) {
	b, env := newFakeBackend(t, Config{})
	t.Setenv("FAKE_INSPECT", inspectJSON("tuixiu-run-r1", "exited", ""))

	if _, err := b.EnsureInstanceRunning(context.Background(), sandbox.EnsureOptions{InstanceName: "tuixiu-run-r1"}); err != nil {
		t.Fatalf("EnsureInstanceRunning: %v", err)
	}
	if !env.hasCall(t, "start tuixiu-run-r1") {
		t.Errorf("calls = %q, want start", env.calls(t))
	}
	if env.hasCall(t, "run ") {
		t.Error("stopped container was recreated")
	}
}

func TestEnsureInstanceRunningRejectsBadName(t *testing.T) {
	b, env := newFakeBackend(t, Config{})
	_, err := b.EnsureInstanceRunning(context.Background(), sandbox.EnsureOptions{InstanceName: "../x"})
	var ve *sandbox.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(env.calls(t)) != 0 {
		t.Errorf("CLI invoked for an invalid name: %q", env.calls(t))
	}
}

func TestStopAndRemoveMissingAreIdempotent(t *testing.T) {
	b, _ := newFakeBackend(t, Config{})
	t.Setenv("FAKE_MISSING", "1")
	ctx := context.Background()

	if err := b.RemoveInstance(ctx, "gone"); err != nil {
		t.Errorf("RemoveInstance(missing) = %v", err)
	}
	if err := b.StopInstance(ctx, "gone"); err != nil {
		t.Errorf("StopInstance(missing) = %v", err)
	}
}

func TestListInstancesFiltersByPrefix(t *testing.T) {
	b, env := newFakeBackend(t, Config{})
	t.Setenv("FAKE_PS", "id1 id2")
	t.Setenv("FAKE_INSPECT", `[`+
		`{"Name":"/tuixiu-run-b","Created":"2024-05-01T10:00:00Z","State":{"Status":"running","Running":true}},`+
		`{"Name":"/other","Created":"2024-05-01T10:00:00Z","State":{"Status":"exited"}}`+
		`]`)

	got, err := b.ListInstances(context.Background(), sandbox.ListOptions{ManagedOnly: true, NamePrefix: "tuixiu-run-"})
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(got) != 1 || got[0].Name != "tuixiu-run-b" || got[0].Status != sandbox.StatusRunning {
		t.Errorf("ListInstances = %+v", got)
	}
	if !env.hasCall(t, "ps -a -q --no-trunc --filter label=acp-proxy.managed=1") {
		t.Errorf("calls = %q", env.calls(t))
	}
	if !env.hasCall(t, "inspect --type container id1 id2") {
		t.Errorf("calls = %q", env.calls(t))
	}
}

func TestOpenAgentCreatesEntrypointContainer(t *testing.T) {
	b, env := newFakeBackend(t, Config{})
	ctx := context.Background()

	res, err := b.OpenAgent(ctx, sandbox.OpenAgentOptions{
		RunID:        "r1",
		InstanceName: "tuixiu-run-r1",
		AgentCommand: []string{"codex-acp", "--flag"},
		Init:         &sandbox.Init{Script: "echo hi", Env: map[string]string{"TOKEN": "s3cret"}},
	})
	if err != nil {
		t.Fatalf("OpenAgent: %v", err)
	}
	if !res.Created || !res.InitPending {
		t.Errorf("result = %+v, want created and init pending", res)
	}

	// The fake agent echoes stdin.
	if _, err := io.WriteString(res.Handle.Stdin(), "ping\n"); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(res.Handle.Stdout()).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Errorf("echo = %q, %v", line, err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := res.Handle.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-res.Handle.Done():
	default:
		t.Error("agent still running after Close")
	}
	if !env.hasCall(t, "run -i --name tuixiu-run-r1 --entrypoint bash -w /workspace --label acp-proxy.managed=1") {
		t.Errorf("calls = %q", env.calls(t))
	}
}

func TestOpenAgentRecreatesWhenInitPresent(t *testing.T) {
	b, env := newFakeBackend(t, Config{})
	t.Setenv("FAKE_INSPECT", inspectJSON("tuixiu-run-r1", "running", `"acp-proxy.agent_mode":"entrypoint"`))

	res, err := b.OpenAgent(context.Background(), sandbox.OpenAgentOptions{
		InstanceName: "tuixiu-run-r1",
		AgentCommand: []string{"agent"},
		Init:         &sandbox.Init{Script: "true"},
	})
	if err != nil {
		t.Fatalf("OpenAgent: %v", err)
	}
	defer res.Handle.Close(context.Background())

	if !env.hasCall(t, "rm -f tuixiu-run-r1") {
		t.Errorf("calls = %q, want rm -f", env.calls(t))
	}
	if !res.Created {
		t.Error("container with init should be recreated")
	}
}

func TestOpenAgentReusesExisting(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"running", "attach tuixiu-run-r1"},
		{"exited", "start -a -i tuixiu-run-r1"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			b, env := newFakeBackend(t, Config{})
			t.Setenv("FAKE_INSPECT", inspectJSON("tuixiu-run-r1", tt.status, ""))

			res, err := b.OpenAgent(context.Background(), sandbox.OpenAgentOptions{
				InstanceName: "tuixiu-run-r1",
				AgentCommand: []string{"agent"},
			})
			if err != nil {
				t.Fatalf("OpenAgent: %v", err)
			}
			defer res.Handle.Close(context.Background())
			if res.Created || res.InitPending {
				t.Errorf("result = %+v", res)
			}
			if !env.hasCall(t, tt.want) {
				t.Errorf("calls = %q, want %q", env.calls(t), tt.want)
			}
		})
	}
}

func TestOpenAgentRejectsExecModeContainer(t *testing.T) {
	b, _ := newFakeBackend(t, Config{})
	t.Setenv("FAKE_INSPECT", inspectJSON("tuixiu-run-r1", "running", `"acp-proxy.agent_mode":"exec"`))

	_, err := b.OpenAgent(context.Background(), sandbox.OpenAgentOptions{
		InstanceName: "tuixiu-run-r1",
		AgentCommand: []string{"agent"},
	})
	if err == nil || !strings.Contains(err.Error(), "not in entrypoint mode") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecProcessConfinesCwd(t *testing.T) {
	b, env := newFakeBackend(t, Config{})
	ctx := context.Background()

	if _, err := b.ExecProcess(ctx, sandbox.ExecOptions{InstanceName: "tuixiu-run-r1", Command: []string{"ls"}, CwdInGuest: "/etc"}); err == nil {
		t.Fatal("cwd outside the workspace accepted")
	}

	h, err := b.ExecProcess(ctx, sandbox.ExecOptions{
		InstanceName: "tuixiu-run-r1",
		Command:      []string{"git", "status"},
		CwdInGuest:   "sub",
		Env:          map[string]string{"A": "1"},
	})
	if err != nil {
		t.Fatalf("ExecProcess: %v", err)
	}
	<-h.Done()
	if !env.hasCall(t, "exec -i -w /workspace/sub -e A=1 tuixiu-run-r1 sh -c") {
		t.Errorf("calls = %q", env.calls(t))
	}
}
