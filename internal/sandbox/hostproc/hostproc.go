// Package hostproc runs agents directly on the host, each confined to a
// per-run directory under the workspace host root.
package hostproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Config is the host_process section of the proxy config.
type Config struct {
	WorkspaceHostRoot string
	Env               map[string]string
}

type instance struct {
	runID             string
	workspaceHostPath string
	createdAt         time.Time
	agent             *process.Cmd
}

// Backend is a sandbox.Sandbox that spawns host processes.
type Backend struct {
	cfg    Config
	root   string
	goos   string
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

var _ sandbox.Sandbox = (*Backend)(nil)

// New returns a host process backend.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.WorkspaceHostRoot) == "" {
		return nil, errors.New("host_process sandbox requires workspace_host_root")
	}
	root, err := filepath.Abs(cfg.WorkspaceHostRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace_host_root: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		cfg:       cfg,
		root:      root,
		goos:      goos(),
		logger:    logger.With("provider", sandbox.ProviderHost),
		instances: make(map[string]*instance),
	}, nil
}

func (b *Backend) Provider() sandbox.Provider { return sandbox.ProviderHost }
func (b *Backend) Runtime() string { return "" }
func (b *Backend) AgentMode() sandbox.AgentMode { return sandbox.AgentModeExec }

func (b *Backend) workspaceFor(name, runID string, mounts []sandbox.Mount) (string, error) {
	var host string
	for _, m := range mounts {
		if m.GuestPath == sandbox.WorkspaceGuestPath && m.HostPath != "" {
			host = m.HostPath
			break
		}
	}
	if host == "" && strings.TrimSpace(runID) != "" {
		host = "run-" + strings.TrimSpace(runID)
	}
	if host == "" {
		b.mu.Lock()
		if inst, ok := b.instances[name]; ok {
			host = inst.workspaceHostPath
		}
		b.mu.Unlock()
	}
	if host == "" {
		return "", errors.New("workspace host path missing")
	}
	resolved, err := sandbox.ResolveHostPath(b.root, host)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return resolved, nil
}

// MapGuestPath maps a /workspace guest path onto the host workspace. Other
// absolute paths are returned cleaned and relative ones resolve against the
// host workspace.
func MapGuestPath(hostWorkspace, p string) string {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return hostWorkspace
	}
	slashed := strings.ReplaceAll(raw, `\`, "/")
	var guest string
	switch {
	case strings.HasPrefix(slashed, "/"):
		guest = path.Clean(slashed)
	case filepath.IsAbs(raw):
		return filepath.Clean(raw)
	default:
		guest = path.Join(sandbox.WorkspaceGuestPath, slashed)
	}
	if sandbox.WithinGuest(sandbox.WorkspaceGuestPath, guest) {
		rel := strings.TrimPrefix(strings.TrimPrefix(guest, sandbox.WorkspaceGuestPath), "/")
		return filepath.Join(hostWorkspace, filepath.FromSlash(rel))
	}
	return filepath.Clean(raw)
}

// resolvePath maps p into the instance directory and rejects anything that
// lands outside it.
func (b *Backend) resolvePath(name, p string) (string, error) {
	b.mu.Lock()
	inst, ok := b.instances[name]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("instance %s: %w", name, sandbox.ErrNotFound)
	}
	host := MapGuestPath(inst.workspaceHostPath, p)
	if !sandbox.WithinHost(inst.workspaceHostPath, host) {
		return "", &sandbox.ValidationError{Field: "path", Reason: "outside workspace " + inst.workspaceHostPath}
	}
	return host, nil
}

// AllowedCommand reports whether command may run on the host: git and the
// facade's fs scripts only.
func AllowedCommand(command []string) bool {
	if len(command) == 0 {
		return false
	}
	return command[0] == "git" || sandbox.IsFSScript(command)
}

func (b *Backend) InspectInstance(_ context.Context, name string) (sandbox.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[name]
	if !ok {
		return sandbox.Instance{Name: name, Status: sandbox.StatusMissing}, nil
	}
	return sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: inst.createdAt, WorkspaceRoot: inst.workspaceHostPath}, nil
}

func (b *Backend) EnsureInstanceRunning(_ context.Context, opts sandbox.EnsureOptions) (sandbox.Instance, error) {
	name, err := sandbox.ValidateInstanceName(opts.InstanceName)
	if err != nil {
		return sandbox.Instance{}, err
	}
	ws, err := b.workspaceFor(name, opts.RunID, opts.Mounts)
	if err != nil {
		return sandbox.Instance{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[name]
	if !ok {
		inst = &instance{runID: strings.TrimSpace(opts.RunID), createdAt: time.Now().UTC()}
		b.instances[name] = inst
	}
	inst.workspaceHostPath = ws
	return sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: inst.createdAt, WorkspaceRoot: ws}, nil
}

func (b *Backend) ListInstances(_ context.Context, opts sandbox.ListOptions) ([]sandbox.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sandbox.Instance, 0, len(b.instances))
	for name, inst := range b.instances {
		if opts.Match(name) {
			out = append(out, sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: inst.createdAt, WorkspaceRoot: inst.workspaceHostPath})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) StopInstance(ctx context.Context, name string) error {
	b.mu.Lock()
	var agent *process.Cmd
	if inst, ok := b.instances[name]; ok {
		agent, inst.agent = inst.agent, nil
	}
	b.mu.Unlock()
	if agent != nil {
		if err := agent.Close(ctx); err != nil {
			b.logger.Debug("closing agent failed", "instance", name, "err", err)
		}
	}
	return nil
}

func (b *Backend) RemoveInstance(ctx context.Context, name string) error {
	_ = b.StopInstance(ctx, name)
	b.mu.Lock()
	delete(b.instances, name)
	b.mu.Unlock()
	return nil
}

func (b *Backend) RemoveImage(context.Context, string) error {
	return fmt.Errorf("host_process does not support remove_image: %w", sandbox.ErrUnsupported)
}

// ExecProcess runs an allowed command in the instance directory.
func (b *Backend) ExecProcess(_ context.Context, opts sandbox.ExecOptions) (process.Handle, error) {
	if !AllowedCommand(opts.Command) {
		if len(opts.Command) == 0 {
			return nil, errors.New("command is empty")
		}
		return nil, fmt.Errorf("host_process only allows git and internal fs scripts: %w", sandbox.ErrUnsupported)
	}
	cwd, err := b.resolvePath(opts.InstanceName, opts.CwdInGuest)
	if err != nil {
		return nil, err
	}
	command := opts.Command
	if sandbox.IsFSScript(command) && len(command) >= 5 {
		target, err := b.resolvePath(opts.InstanceName, command[4])
		if err != nil {
			return nil, err
		}
		command = append(append([]string(nil), command[:4]...), target)
	}
	b.logger.Debug("host exec", "instance", opts.InstanceName, "cmd", command[0], "cwd", cwd)
	return b.spawn(command, cwd, merge(b.cfg.Env, opts.Env))
}

// OpenAgent starts the agent in the run directory or reuses a running one.
func (b *Backend) OpenAgent(_ context.Context, opts sandbox.OpenAgentOptions) (sandbox.AgentResult, error) {
	name, err := sandbox.ValidateInstanceName(opts.InstanceName)
	if err != nil {
		return sandbox.AgentResult{}, err
	}
	if len(opts.AgentCommand) == 0 {
		return sandbox.AgentResult{}, errors.New("agent command is empty")
	}
	ws, err := b.workspaceFor(name, opts.RunID, opts.Mounts)
	if err != nil {
		return sandbox.AgentResult{}, err
	}

	b.mu.Lock()
	if inst, ok := b.instances[name]; ok && inst.agent != nil {
		agent := inst.agent
		b.mu.Unlock()
		b.logger.Debug("reusing host agent", "instance", name)
		return sandbox.AgentResult{Handle: agent}, nil
	}
	b.mu.Unlock()

	b.logger.Info("starting host agent", "instance", name, "cmd", opts.AgentCommand[0], "cwd", ws)
	h, err := b.spawn(opts.AgentCommand, ws, b.cfg.Env)
	if err != nil {
		return sandbox.AgentResult{}, err
	}

	b.mu.Lock()
	inst, ok := b.instances[name]
	if !ok {
		inst = &instance{runID: strings.TrimSpace(opts.RunID), createdAt: time.Now().UTC()}
		b.instances[name] = inst
	}
	inst.workspaceHostPath = ws
	inst.agent = h
	b.mu.Unlock()

	h.OnExit(func(process.ExitInfo) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if latest, ok := b.instances[name]; ok && latest.agent == h {
			latest.agent = nil
		}
	})
	return sandbox.AgentResult{Handle: h, Created: true}, nil
}

func (b *Backend) spawn(command []string, dir string, env map[string]string) (*process.Cmd, error) {
	argv := WrapCommand(b.goos, command)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	h, err := process.Start(cmd, process.Options{Logger: b.logger})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func merge(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
