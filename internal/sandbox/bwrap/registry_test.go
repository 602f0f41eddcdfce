package bwrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryUpsertRemove(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	if err := r.Upsert(RegistryEntry{InstanceName: "a", PID: 10, WorkspaceHostPath: "/ws/a", StartedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.Upsert(RegistryEntry{InstanceName: "b", PID: 11, WorkspaceHostPath: "/ws/b", StartedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.Upsert(RegistryEntry{InstanceName: "a", PID: 12, WorkspaceHostPath: "/ws/a", StartedAt: "2024-01-02T00:00:00Z"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	entries, err := r.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	e, ok := r.Lookup("a")
	if !ok || e.PID != 12 {
		t.Errorf("Lookup(a) = %+v, %v, want pid 12", e, ok)
	}

	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Lookup("a"); ok {
		t.Error("a still registered after Remove")
	}

	data, err := os.ReadFile(filepath.Join(dir, ".acp-proxy", "registry.json"))
	if err != nil {
		t.Fatalf("registry file: %v", err)
	}
	if !strings.Contains(string(data), `"version": 1`) {
		t.Errorf("registry file missing version:\n%s", data)
	}
}

func TestRegistryLoadMissing(t *testing.T) {
	entries, err := NewRegistry(t.TempDir()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty registry, got %d entries", len(entries))
	}
}

func TestRegistryDropsInvalidEntries(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	os.MkdirAll(filepath.Dir(r.Path()), 0o755)
	raw := `{"version":1,"instances":[
		{"instanceName":"ok","pid":5,"workspaceHostPath":"/ws","startedAt":"t"},
		{"instanceName":"","pid":5,"workspaceHostPath":"/ws","startedAt":"t"},
		{"instanceName":"nopid","workspaceHostPath":"/ws","startedAt":"t"}
	]}`
	if err := os.WriteFile(r.Path(), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := r.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].InstanceName != "ok" {
		t.Errorf("entries = %+v", entries)
	}
}
