// Package bwrap implements the bubblewrap namespace sandbox. Instances are
// logical: an instance is a workspace directory plus, while it runs, one
// agent process.
package bwrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Config is the bwrap section of the proxy config.
type Config struct {
	WorkspaceHostRoot string
	Env               map[string]string
	Volumes           []sandbox.Mount
	// BwrapPath overrides the bwrap executable.
	BwrapPath string
}

type instance struct {
	name              string
	runID             string
	workspaceHostPath string
	mounts            []sandbox.Mount
	createdAt         time.Time
	agent             *process.Cmd
}

// Backend is a sandbox.Sandbox built on bubblewrap.
type Backend struct {
	cfg      Config
	root     string
	bin      string
	registry *Registry
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

var _ sandbox.Sandbox = (*Backend)(nil)

// New returns a bwrap backend rooted at cfg.WorkspaceHostRoot.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.WorkspaceHostRoot) == "" {
		return nil, errors.New("bwrap sandbox requires workspace_host_root")
	}
	root, err := filepath.Abs(cfg.WorkspaceHostRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace_host_root: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bin := cfg.BwrapPath
	if bin == "" {
		bin = "bwrap"
	}
	b := &Backend{
		cfg:       cfg,
		root:      root,
		bin:       bin,
		registry:  NewRegistry(root),
		logger:    logger.With("provider", sandbox.ProviderBwrap),
		instances: make(map[string]*instance),
	}
	b.logger.Debug("bwrap sandbox ready", "workspace_host_root", root, "bwrap", bin)
	return b, nil
}

func (b *Backend) Provider() sandbox.Provider { return sandbox.ProviderBwrap }
func (b *Backend) Runtime() string { return "" }
func (b *Backend) AgentMode() sandbox.AgentMode { return sandbox.AgentModeExec }

// Registry exposes the on-disk registry.
func (b *Backend) Registry() *Registry { return b.registry }

func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("bwrap sandbox only runs on linux: %w", sandbox.ErrUnsupported)
	}
	return nil
}

// workspaceFor picks the host workspace: an explicit /workspace mount, else
// <root>/run-<runId>, else what the instance already uses.
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

// InspectInstance reports an in-memory instance as running, and falls back to
// the registry for agents started before a restart.
func (b *Backend) InspectInstance(_ context.Context, name string) (sandbox.Instance, error) {
	b.mu.Lock()
	inst, ok := b.instances[name]
	b.mu.Unlock()
	if ok {
		return sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: inst.createdAt, WorkspaceRoot: sandbox.WorkspaceGuestPath}, nil
	}
	if e, ok := b.registry.Lookup(name); ok && process.Alive(e.PID) {
		return registryInstance(e), nil
	}
	return sandbox.Instance{Name: name, Status: sandbox.StatusMissing}, nil
}

func registryInstance(e RegistryEntry) sandbox.Instance {
	inst := sandbox.Instance{Name: e.InstanceName, Status: sandbox.StatusMissing, WorkspaceRoot: sandbox.WorkspaceGuestPath}
	if process.Alive(e.PID) {
		inst.Status = sandbox.StatusRunning
	}
	if t, err := time.Parse(time.RFC3339Nano, e.StartedAt); err == nil {
		inst.CreatedAt = t
	}
	return inst
}

// EnsureInstanceRunning records the instance and creates its workspace.
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
		inst = &instance{name: name, runID: strings.TrimSpace(opts.RunID), createdAt: time.Now().UTC()}
		b.instances[name] = inst
	}
	inst.workspaceHostPath = ws
	if opts.Mounts != nil {
		inst.mounts = opts.Mounts
	}
	return sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: inst.createdAt, WorkspaceRoot: sandbox.WorkspaceGuestPath}, nil
}

// ListInstances merges live instances with registry entries. Every bwrap
// instance is managed, so ManagedOnly does not filter further.
func (b *Backend) ListInstances(_ context.Context, opts sandbox.ListOptions) ([]sandbox.Instance, error) {
	known := make(map[string]bool)
	var out []sandbox.Instance

	b.mu.Lock()
	for name, inst := range b.instances {
		if !opts.Match(name) {
			continue
		}
		known[name] = true
		out = append(out, sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: inst.createdAt, WorkspaceRoot: sandbox.WorkspaceGuestPath})
	}
	b.mu.Unlock()

	entries, err := b.registry.Load()
	if err != nil {
		b.logger.Warn("reading registry failed", "path", b.registry.Path(), "err", err)
	}
	for _, e := range entries {
		if known[e.InstanceName] || !opts.Match(e.InstanceName) {
			continue
		}
		known[e.InstanceName] = true
		out = append(out, registryInstance(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// StopInstance terminates the instance's agent, if any.
func (b *Backend) StopInstance(ctx context.Context, name string) error {
	b.mu.Lock()
	inst, ok := b.instances[name]
	var agent *process.Cmd
	if ok {
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

// RemoveInstance stops the agent, kills a registry pid left over from a
// previous proxy process and forgets the instance.
func (b *Backend) RemoveInstance(ctx context.Context, name string) error {
	entry, hasEntry := b.registry.Lookup(name)
	_ = b.StopInstance(ctx, name)
	if hasEntry && process.Alive(entry.PID) {
		if err := process.KillPID(entry.PID, syscall.SIGTERM); err != nil {
			b.logger.Warn("killing registered agent failed", "instance", name, "pid", entry.PID, "err", err)
		}
	}

	b.mu.Lock()
	delete(b.instances, name)
	b.mu.Unlock()

	if err := b.registry.Remove(name); err != nil {
		b.logger.Warn("updating registry failed", "instance", name, "err", err)
	}
	return nil
}

func (b *Backend) RemoveImage(_ context.Context, image string) error {
	return fmt.Errorf("bwrap does not support remove_image (%s): %w", image, sandbox.ErrUnsupported)
}

// ExecProcess runs a command in a fresh bwrap namespace over the instance's
// workspace.
func (b *Backend) ExecProcess(_ context.Context, opts sandbox.ExecOptions) (process.Handle, error) {
	if err := requireLinux(); err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("command is empty")
	}
	b.mu.Lock()
	inst, ok := b.instances[opts.InstanceName]
	var ws string
	var mounts []sandbox.Mount
	if ok {
		ws, mounts = inst.workspaceHostPath, inst.mounts
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", opts.InstanceName, sandbox.ErrNotFound)
	}

	user, err := PrepareUserView(ws, opts.Env)
	if err != nil {
		return nil, err
	}
	args, err := BuildArgs(ArgsOptions{
		WorkspaceHostPath: ws,
		Mounts:            append(append([]sandbox.Mount(nil), mounts...), b.cfg.Volumes...),
		CwdInGuest:        opts.CwdInGuest,
		Command:           opts.Command,
		Env:               merge(b.cfg.Env, opts.Env),
		UserView:          user,
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("bwrap exec", "instance", opts.InstanceName, "cmd", opts.Command[0])
	return b.spawn(ws, args)
}

// OpenAgent starts the agent or returns the one already running.
func (b *Backend) OpenAgent(_ context.Context, opts sandbox.OpenAgentOptions) (sandbox.AgentResult, error) {
	if err := requireLinux(); err != nil {
		return sandbox.AgentResult{}, err
	}
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
		b.logger.Debug("reusing bwrap agent", "instance", name)
		return sandbox.AgentResult{Handle: agent}, nil
	}
	b.mu.Unlock()

	var initEnv map[string]string
	if opts.Init != nil {
		initEnv = opts.Init.Env
	}
	user, err := PrepareUserView(ws, initEnv)
	if err != nil {
		return sandbox.AgentResult{}, err
	}
	args, err := BuildArgs(ArgsOptions{
		WorkspaceHostPath: ws,
		Mounts:            append(append([]sandbox.Mount(nil), opts.Mounts...), b.cfg.Volumes...),
		CwdInGuest:        opts.WorkspaceGuestPath,
		Command:           opts.AgentCommand,
		Env:               merge(b.cfg.Env, initEnv),
		UserView:          user,
	})
	if err != nil {
		return sandbox.AgentResult{}, err
	}

	b.logger.Info("starting bwrap agent", "instance", name, "workspace", ws)
	h, err := b.spawn(ws, args)
	if err != nil {
		return sandbox.AgentResult{}, err
	}

	b.mu.Lock()
	inst, ok := b.instances[name]
	if !ok {
		inst = &instance{name: name, runID: strings.TrimSpace(opts.RunID), createdAt: time.Now().UTC()}
		b.instances[name] = inst
	}
	inst.workspaceHostPath = ws
	inst.mounts = opts.Mounts
	inst.agent = h
	startedAt := inst.createdAt
	b.mu.Unlock()

	if err := b.registry.Upsert(RegistryEntry{
		InstanceName:      name,
		PID:               h.Pid(),
		WorkspaceHostPath: ws,
		StartedAt:         startedAt.Format(time.RFC3339Nano),
	}); err != nil {
		b.logger.Warn("registry write failed", "instance", name, "err", err)
	}

	h.OnExit(func(process.ExitInfo) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if latest, ok := b.instances[name]; ok && latest.agent == h {
			latest.agent = nil
		}
	})
	return sandbox.AgentResult{Handle: h, Created: true}, nil
}

// spawn starts bwrap under the supervisor script. The pid file lives outside
// the workspace so the sandboxed process cannot rewrite it. It records the
// pid of the bwrap process on the host, not the agent inside the namespace.
// Ending that pid ends the agent since --die-with-parent gives the sandboxed
// child a parent-death signal.
func (b *Backend) spawn(ws string, bwrapArgs []string) (*process.Cmd, error) {
	pidDir := filepath.Join(b.root, ".acp-proxy", "pids")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pid dir: %w", err)
	}
	pidFile := filepath.Join(pidDir, uuid.NewString()+".pid")

	argv := process.SupervisorArgs(pidFile, append([]string{b.bin}, bwrapArgs...))
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws
	cmd.Env = os.Environ()

	h, err := process.Start(cmd, process.Options{Signaler: process.HostPIDFile(pidFile), Logger: b.logger})
	if err != nil {
		return nil, fmt.Errorf("bwrap: %w", err)
	}
	h.OnExit(func(process.ExitInfo) { _ = os.Remove(pidFile) })
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
