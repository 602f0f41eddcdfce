package bwrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RegistryFile is the registry path relative to the workspace host root.
const RegistryFile = ".acp-proxy/registry.json"

const registryVersion = 1

// RegistryEntry records a started agent so it can be found again after the
// proxy restarts.
type RegistryEntry struct {
	InstanceName      string `json:"instanceName"`
	PID               int    `json:"pid"`
	WorkspaceHostPath string `json:"workspaceHostPath"`
	StartedAt         string `json:"startedAt"`
}

type registryState struct {
	Version   int             `json:"version"`
	Instances []RegistryEntry `json:"instances"`
}

// Registry persists instance name to pid mappings on disk.
type Registry struct {
	mu   sync.Mutex
	path string
}

// NewRegistry returns the registry for a workspace host root.
func NewRegistry(root string) *Registry {
	return &Registry{path: filepath.Join(root, filepath.FromSlash(RegistryFile))}
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Load returns the valid entries. A missing file is an empty registry.
func (r *Registry) Load() ([]RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

func (r *Registry) load() ([]RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var s registryState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}
	entries := s.Instances[:0]
	for _, e := range s.Instances {
		e.InstanceName = strings.TrimSpace(e.InstanceName)
		if e.InstanceName == "" || e.PID <= 0 || e.WorkspaceHostPath == "" || e.StartedAt == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Registry) save(entries []RegistryEntry) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	seen := make(map[string]int, len(entries))
	unique := make([]RegistryEntry, 0, len(entries))
	for _, e := range entries {
		if i, ok := seen[e.InstanceName]; ok {
			unique[i] = e
			continue
		}
		seen[e.InstanceName] = len(unique)
		unique = append(unique, e)
	}
	data, err := json.MarshalIndent(registryState{Version: registryVersion, Instances: unique}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	return os.WriteFile(r.path, data, 0o644)
}

// Upsert replaces the entry for e.InstanceName.
func (r *Registry) Upsert(e RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		entries = nil
	}
	next := make([]RegistryEntry, 0, len(entries)+1)
	for _, old := range entries {
		if old.InstanceName != e.InstanceName {
			next = append(next, old)
		}
	}
	return r.save(append(next, e))
}

// Remove deletes the entry for name, if any.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		entries = nil
	}
	next := make([]RegistryEntry, 0, len(entries))
	for _, e := range entries {
		if e.InstanceName != name {
			next = append(next, e)
		}
	}
	return r.save(next)
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (RegistryEntry, bool) {
	entries, err := r.Load()
	if err != nil {
		return RegistryEntry{}, false
	}
	for _, e := range entries {
		if e.InstanceName == name {
			return e, true
		}
	}
	return RegistryEntry{}, false
}
