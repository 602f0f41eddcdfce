package proxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zpdzap/acpproxy/internal/runs"
)

func TestAcpOpenAndPrompt(t *testing.T) {
	sb := newMemSandbox()
	p, out := newTestProxy(t, sb, runs.Config{WorkspaceHostRoot: t.TempDir()})

	dispatch(t, p, `{"type":"acp_open","run_id":"r1"}`)
	opened := out.last(t, "acp_opened")
	if opened["ok"] != true || opened["run_id"] != "r1" {
		t.Fatalf("acp_opened = %v", opened)
	}

	dispatch(t, p, `{"type":"prompt_send","run_id":"r1","prompt_id":"p1","prompt":[{"type":"text","text":"hi"}]}`)
	res := out.last(t, "prompt_result")
	if res["ok"] != true || res["prompt_id"] != "p1" || res["stop_reason"] != "end_turn" {
		t.Fatalf("prompt_result = %v", res)
	}
	if res["session_id"] != "sess-1" || res["session_created"] != true {
		t.Fatalf("prompt_result session = %v", res)
	}

	dispatch(t, p, `{"type":"acp_close","run_id":"r1"}`)
	if closed := out.last(t, "acp_closed"); closed["ok"] != true {
		t.Fatalf("acp_closed = %v", closed)
	}
}

func TestPromptSendInvalid(t *testing.T) {
	p, out := newTestProxy(t, newMemSandbox(), runs.Config{WorkspaceHostRoot: t.TempDir()})
	dispatch(t, p, `{"type":"prompt_send","run_id":"r1","prompt_id":"p1","prompt":"hi"}`)
	res := out.last(t, "prompt_result")
	if res["ok"] != false || !strings.Contains(res["error"].(string), "prompt must be array") {
		t.Fatalf("prompt_result = %v", res)
	}
}

func TestSessionControlRunNotOpen(t *testing.T) {
	p, out := newTestProxy(t, newMemSandbox(), runs.Config{})
	dispatch(t, p, `{"type":"session_set_mode","run_id":"nope","control_id":"c1","session_id":"s1","mode_id":"auto"}`)
	res := out.last(t, "session_control_result")
	if res["ok"] != false || res["control_id"] != "c1" || res["error"] != runs.ErrRunNotOpen.Error() {
		t.Fatalf("session_control_result = %v", res)
	}
}

func TestSandboxControlInspect(t *testing.T) {
	sb := newMemSandbox("tuixiu-run-r1")
	p, out := newTestProxy(t, sb, runs.Config{})
	dispatch(t, p, `{"type":"sandbox_control","action":"inspect","run_id":"r1","instance_name":"tuixiu-run-r1"}`)
	res := out.last(t, "sandbox_control_result")
	if res["ok"] != true || res["status"] != "running" {
		t.Fatalf("result = %v", res)
	}
	details, _ := res["details"].(map[string]any)
	if details["created_at"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("details = %v", details)
	}
	upd := out.last(t, "proxy_update")
	if c := upd["content"].(map[string]any); c["type"] != "sandbox_instance_status" || c["status"] != "running" {
		t.Fatalf("status update = %v", c)
	}
}

func TestSandboxControlRemove(t *testing.T) {
	sb := newMemSandbox("tuixiu-run-r1", "tuixiu-run-r2")
	p, out := newTestProxy(t, sb, runs.Config{})
	dispatch(t, p, `{"type":"sandbox_control","action":"remove","run_id":"r1","instance_name":"tuixiu-run-r1"}`)

	res := out.last(t, "sandbox_control_result")
	if res["ok"] != true || res["status"] != "missing" || res["action"] != "remove" {
		t.Fatalf("result = %v", res)
	}
	if got := sb.names(); len(got) != 1 || got[0] != "tuixiu-run-r2" {
		t.Fatalf("instances = %v", got)
	}
	inv := out.last(t, "sandbox_inventory")
	deleted, _ := inv["deleted_instances"].([]any)
	if len(deleted) != 1 || deleted[0].(map[string]any)["run_id"] != "r1" {
		t.Fatalf("deleted_instances = %v", inv["deleted_instances"])
	}
	if inv["runtime"] != "docker" {
		t.Fatalf("runtime = %v", inv["runtime"])
	}
}

func TestSandboxControlErrors(t *testing.T) {
	tests := []struct {
		name, raw, wantErr string
	}{
		{"unsupported", `{"type":"sandbox_control","action":"explode"}`, "unsupported_action"},
		{"bad instance", `{"type":"sandbox_control","action":"stop","instance_name":"../x"}`, "instance_name"},
		{"missing image", `{"type":"sandbox_control","action":"remove_image"}`, "image missing"},
		{"prune without expected", `{"type":"sandbox_control","action":"prune_orphans"}`, "expected_instances missing"},
		{"ensure without run", `{"type":"sandbox_control","action":"ensure_running","instance_name":"x"}`, "run_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out := newTestProxy(t, newMemSandbox(), runs.Config{})
			dispatch(t, p, tt.raw)
			res := out.last(t, "sandbox_control_result")
			if res["ok"] != false || !strings.Contains(res["error"].(string), tt.wantErr) {
				t.Fatalf("result = %v, want error containing %q", res, tt.wantErr)
			}
		})
	}
}

func TestSandboxControlStop(t *testing.T) {
	sb := newMemSandbox("tuixiu-run-r1")
	p, out := newTestProxy(t, sb, runs.Config{})
	dispatch(t, p, `{"type":"sandbox_control","action":"stop","run_id":"r1","instance_name":"tuixiu-run-r1"}`)
	if res := out.last(t, "sandbox_control_result"); res["ok"] != true || res["status"] != "stopped" {
		t.Fatalf("result = %v", res)
	}
	if len(sb.stopped) != 1 {
		t.Fatalf("stopped = %v", sb.stopped)
	}
}

func TestPruneOrphans(t *testing.T) {
	sb := newMemSandbox("tuixiu-run-keep", "tuixiu-run-orphan")
	p, out := newTestProxy(t, sb, runs.Config{})
	dispatch(t, p, `{"type":"sandbox_control","action":"prune_orphans","expected_instances":[{"instance_name":"tuixiu-run-keep","run_id":"keep"}]}`)

	if res := out.last(t, "sandbox_control_result"); res["ok"] != true {
		t.Fatalf("result = %v", res)
	}
	if got := sb.names(); len(got) != 1 || got[0] != "tuixiu-run-keep" {
		t.Fatalf("instances = %v", got)
	}
	inv := out.last(t, "sandbox_inventory")
	deleted, _ := inv["deleted_instances"].([]any)
	if len(deleted) != 1 || deleted[0].(map[string]any)["instance_name"] != "tuixiu-run-orphan" {
		t.Fatalf("deleted_instances = %v", inv["deleted_instances"])
	}
}

func TestGCDryRunAndApply(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"run-keep", "run-stale", "home-stale", "_repo-cache"} {
		os.MkdirAll(filepath.Join(root, d), 0o755)
	}
	sb := newMemSandbox("tuixiu-run-keep", "tuixiu-run-stale")
	p, out := newTestProxy(t, sb, runs.Config{WorkspaceHostRoot: root})

	const expected = `"expected_instances":[{"instance_name":"tuixiu-run-keep","run_id":"keep"}]`
	dispatch(t, p, `{"type":"sandbox_control","action":"gc","dry_run":true,`+expected+`}`)
	res := out.last(t, "sandbox_control_result")
	planned, _ := res["planned"].(map[string]any)
	deletes, _ := planned["deletes"].([]any)
	workspaces, _ := planned["workspaces"].([]any)
	if res["ok"] != true || len(deletes) != 1 || len(workspaces) != 1 {
		t.Fatalf("dry run result = %v", res)
	}
	if len(sb.names()) != 2 {
		t.Fatal("dry run removed instances")
	}
	if _, err := os.Stat(filepath.Join(root, "run-stale")); err != nil {
		t.Fatal("dry run removed a workspace")
	}

	dispatch(t, p, `{"type":"sandbox_control","action":"gc",`+expected+`}`)
	if res := out.last(t, "sandbox_control_result"); res["ok"] != true {
		t.Fatalf("apply result = %v", res)
	}
	if got := sb.names(); len(got) != 1 || got[0] != "tuixiu-run-keep" {
		t.Fatalf("instances = %v", got)
	}
	for path, want := range map[string]bool{"run-keep": true, "run-stale": false, "home-stale": false, "_repo-cache": true} {
		_, err := os.Stat(filepath.Join(root, path))
		if (err == nil) != want {
			t.Errorf("%s exists = %v, want %v", path, err == nil, want)
		}
	}
	if len(out.ofType("workspace_inventory")) == 0 {
		t.Fatal("no workspace_inventory after gc")
	}
}

func TestRemoveWorkspaceMount(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "run-r1", "src"), 0o755)
	os.MkdirAll(filepath.Join(root, "home-r1"), 0o755)
	sb := newMemSandbox()
	p, out := newTestProxy(t, sb, runs.Config{WorkspaceHostRoot: root})

	dispatch(t, p, `{"type":"sandbox_control","action":"remove_workspace","run_id":"r1"}`)
	if res := out.last(t, "sandbox_control_result"); res["ok"] != true {
		t.Fatalf("result = %v", res)
	}
	for _, d := range []string{"run-r1", "home-r1"} {
		if _, err := os.Stat(filepath.Join(root, d)); !os.IsNotExist(err) {
			t.Errorf("%s still exists", d)
		}
	}
	if len(sb.execs) != 0 {
		t.Fatalf("mount mode should not exec: %v", sb.execs)
	}
}

func TestRemoveWorkspaceGitClone(t *testing.T) {
	sb := newMemSandbox("tuixiu-run-r1")
	p, out := newTestProxy(t, sb, runs.Config{WorkspaceMode: runs.WorkspaceGitClone})

	dispatch(t, p, `{"type":"sandbox_control","action":"remove_workspace","run_id":"r1"}`)
	if res := out.last(t, "sandbox_control_result"); res["ok"] != true {
		t.Fatalf("result = %v", res)
	}
	if len(sb.execs) != 1 {
		t.Fatalf("execs = %v", sb.execs)
	}
	exec := sb.execs[0]
	if exec.InstanceName != "tuixiu-run-r1" || strings.Join(exec.Command, " ") != "bash -lc rm -rf '/workspace/run-r1'" {
		t.Fatalf("exec = %+v", exec)
	}

	sb.execCode = 1
	dispatch(t, p, `{"type":"sandbox_control","action":"remove_workspace","run_id":"r1","instance_name":"tuixiu-run-r1"}`)
	if res := out.last(t, "sandbox_control_result"); res["ok"] != false {
		t.Fatalf("non-zero exit should fail: %v", res)
	}
}

func TestReportInventoryMissing(t *testing.T) {
	sb := newMemSandbox("tuixiu-run-a")
	p, out := newTestProxy(t, sb, runs.Config{WorkspaceMode: runs.WorkspaceGitClone})
	dispatch(t, p, `{"type":"sandbox_control","action":"report_inventory","expected_instances":[{"instance_name":"tuixiu-run-a"},{"instance_name":"tuixiu-run-b","run_id":"b"}]}`)

	inv := out.last(t, "sandbox_inventory")
	instances, _ := inv["instances"].([]any)
	missing, _ := inv["missing_instances"].([]any)
	if len(instances) != 1 || len(missing) != 1 || missing[0].(map[string]any)["run_id"] != "b" {
		t.Fatalf("inventory = %v", inv)
	}
	ws := out.last(t, "workspace_inventory")
	entries, _ := ws["workspaces"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["guest_path"] != "/workspace/run-a" {
		t.Fatalf("workspace inventory = %v", ws)
	}
}

func TestKeepRunning(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "run-a"), 0o755)
	os.MkdirAll(filepath.Join(root, "run-b"), 0o755)
	sb := newMemSandbox("tuixiu-run-a", "tuixiu-run-b")
	sb.StopInstance(context.Background(), "tuixiu-run-b")

	in, err := KeepRunning(context.Background(), sb, runs.WorkspaceMount, root)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := PlanGC(context.Background(), sb, in)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Instances) != 1 || plan.Instances[0].InstanceName != "tuixiu-run-b" {
		t.Fatalf("instances = %+v", plan.Instances)
	}
	if len(plan.Workspaces) != 1 || plan.Workspaces[0].RunID != "b" {
		t.Fatalf("workspaces = %+v", plan.Workspaces)
	}
}
