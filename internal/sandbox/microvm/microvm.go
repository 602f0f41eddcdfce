// Package microvm implements the micro-VM sandbox. Each instance is one VM
// (or every instance shares one named VM); processes run in the guest
// through the vsock guest agent.
package microvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Box reuse modes.
const (
	ReusePerInstance = "per_instance"
	ReuseShared      = "shared"
)

// Config is the micro-VM section of the proxy config.
type Config struct {
	// Image is the root filesystem image booted by every VM.
	Image      string
	KernelPath string
	WorkingDir string
	Volumes    []sandbox.Mount
	Env        map[string]string
	CPUs       int
	MemoryMiB  int
	// BoxName with BoxReuse=shared makes every instance use one VM.
	BoxName   string
	BoxReuse  string
	Bootstrap *Bootstrap
}

// MachineSpec is what a MachineFactory boots.
type MachineSpec struct {
	Name       string
	Image      string
	KernelPath string
	WorkingDir string
	CPUs       int
	MemoryMiB  int
	Env        map[string]string
	Volumes    []sandbox.Mount
}

// Machine is one running VM.
type Machine interface {
	Exec(ctx context.Context, req ExecRequest) (process.Handle, error)
	Shutdown(ctx context.Context) error
}

// MachineFactory boots machines.
type MachineFactory interface {
	Create(ctx context.Context, spec MachineSpec) (Machine, error)
}

type box struct {
	name      string
	machine   Machine
	createdAt time.Time
	// instance is the instance that created a per-instance box.
	instance string
}

// Backend is a sandbox.Sandbox over micro-VMs.
type Backend struct {
	cfg     Config
	factory MachineFactory
	logger  *slog.Logger

	mu           sync.Mutex
	boxes        map[string]*box
	bootstrapped map[string]bool
	bootMu       sync.Mutex
	report       func(sandbox.StageEvent)
}

var (
	_ sandbox.Sandbox       = (*Backend)(nil)
	_ sandbox.StageReporter = (*Backend)(nil)
)

// New returns a micro-VM backend that boots machines through factory.
func New(cfg Config, factory MachineFactory, logger *slog.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("micro-VM sandbox requires image")
	}
	if factory == nil {
		return nil, errors.New("micro-VM sandbox requires a machine factory")
	}
	wd := strings.TrimSpace(cfg.WorkingDir)
	if wd == "" {
		wd = sandbox.WorkspaceGuestPath
	}
	if !sandbox.WithinGuest(sandbox.WorkspaceGuestPath, wd) {
		return nil, &sandbox.ValidationError{Field: "working_dir", Reason: "must be under " + sandbox.WorkspaceGuestPath}
	}
	cfg.WorkingDir = path.Clean(wd)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		cfg:          cfg,
		factory:      factory,
		logger:       logger.With("provider", sandbox.ProviderMicroVM),
		boxes:        make(map[string]*box),
		bootstrapped: make(map[string]bool),
	}, nil
}

func (b *Backend) Provider() sandbox.Provider { return sandbox.ProviderMicroVM }
func (b *Backend) Runtime() string { return "" }
func (b *Backend) AgentMode() sandbox.AgentMode { return sandbox.AgentModeExec }

// SetStageReporter receives bootstrap progress.
func (b *Backend) SetStageReporter(fn func(sandbox.StageEvent)) {
	b.mu.Lock()
	b.report = fn
	b.mu.Unlock()
}

func (b *Backend) shared() bool {
	return b.cfg.BoxReuse == ReuseShared && strings.TrimSpace(b.cfg.BoxName) != ""
}

// boxName is the VM an instance runs in.
func (b *Backend) boxName(instance string) string {
	if name := strings.TrimSpace(b.cfg.BoxName); name != "" {
		return name
	}
	return instance
}

func (b *Backend) lookup(instance string) (*box, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bx, ok := b.boxes[b.boxName(instance)]
	if !ok {
		return nil, false
	}
	if !b.shared() && bx.instance != instance {
		return nil, false
	}
	return bx, true
}

func (b *Backend) InspectInstance(_ context.Context, name string) (sandbox.Instance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return sandbox.Instance{}, &sandbox.ValidationError{Field: "instance_name", Reason: "empty"}
	}
	bx, ok := b.lookup(name)
	if !ok {
		return sandbox.Instance{Name: name, Status: sandbox.StatusMissing}, nil
	}
	return sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: bx.createdAt}, nil
}

func (b *Backend) EnsureInstanceRunning(ctx context.Context, opts sandbox.EnsureOptions) (sandbox.Instance, error) {
	name, err := sandbox.ValidateInstanceName(opts.InstanceName)
	if err != nil {
		return sandbox.Instance{}, err
	}
	if bx, ok := b.lookup(name); ok {
		return sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: bx.createdAt}, nil
	}

	boxName := b.boxName(name)
	if !b.shared() {
		// A per-instance box under a fixed name is replaced by the next instance.
		b.mu.Lock()
		prev, ok := b.boxes[boxName]
		delete(b.boxes, boxName)
		b.mu.Unlock()
		if ok {
			b.logger.Info("stopping previous box", "box", boxName, "instance", prev.instance)
			if err := prev.machine.Shutdown(ctx); err != nil {
				b.logger.Warn("stopping previous box failed", "box", boxName, "err", err)
			}
		}
	}

	spec := MachineSpec{
		Name:       boxName,
		Image:      b.cfg.Image,
		KernelPath: b.cfg.KernelPath,
		WorkingDir: b.cfg.WorkingDir,
		CPUs:       b.cfg.CPUs,
		MemoryMiB:  b.cfg.MemoryMiB,
		Env:        merge(b.cfg.Env, opts.Env),
		Volumes:    append(append([]sandbox.Mount(nil), b.cfg.Volumes...), opts.Mounts...),
	}
	b.logger.Info("booting micro-VM", "box", boxName, "instance", name, "image", b.cfg.Image)
	m, err := b.factory.Create(ctx, spec)
	if err != nil {
		return sandbox.Instance{}, fmt.Errorf("micro-VM create failed: %w", err)
	}
	bx := &box{name: boxName, machine: m, createdAt: time.Now().UTC(), instance: name}
	b.mu.Lock()
	b.boxes[boxName] = bx
	b.mu.Unlock()
	return sandbox.Instance{Name: name, Status: sandbox.StatusRunning, CreatedAt: bx.createdAt}, nil
}

func (b *Backend) StopInstance(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if b.shared() {
		b.logger.Debug("shared box, skipping stop", "instance", name)
		return nil
	}
	bx, ok := b.lookup(name)
	if !ok {
		return nil
	}
	b.mu.Lock()
	delete(b.boxes, bx.name)
	b.mu.Unlock()
	b.forgetBootstrap(name)
	if err := bx.machine.Shutdown(ctx); err != nil {
		return fmt.Errorf("micro-VM shutdown failed: %w", err)
	}
	return nil
}

func (b *Backend) RemoveInstance(ctx context.Context, name string) error {
	return b.StopInstance(ctx, name)
}

func (b *Backend) RemoveImage(_ context.Context, image string) error {
	if strings.TrimSpace(image) == "" {
		return nil
	}
	return fmt.Errorf("micro-VM does not support remove_image: %w", sandbox.ErrUnsupported)
}

func (b *Backend) ListInstances(_ context.Context, opts sandbox.ListOptions) ([]sandbox.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sandbox.Instance
	for _, bx := range b.boxes {
		if opts.Match(bx.instance) {
			out = append(out, sandbox.Instance{Name: bx.instance, Status: sandbox.StatusRunning, CreatedAt: bx.createdAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ExecProcess runs a command in the instance's VM. The working directory must
// be the VM workspace or below it.
func (b *Backend) ExecProcess(ctx context.Context, opts sandbox.ExecOptions) (process.Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is empty")
	}
	bx, ok := b.lookup(strings.TrimSpace(opts.InstanceName))
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", opts.InstanceName, sandbox.ErrNotFound)
	}
	cwd := strings.TrimSpace(opts.CwdInGuest)
	if cwd == "" {
		cwd = b.cfg.WorkingDir
	}
	cwd = path.Clean(cwd)
	if !strings.HasPrefix(cwd, "/") || !sandbox.WithinGuest(sandbox.WorkspaceGuestPath, cwd) {
		return nil, &sandbox.ValidationError{Field: "cwd", Reason: cwd + " is outside " + sandbox.WorkspaceGuestPath}
	}
	b.logger.Debug("micro-VM exec", "instance", opts.InstanceName, "cmd", opts.Command[0], "cwd", cwd)
	return bx.machine.Exec(ctx, ExecRequest{
		Command: opts.Command,
		Cwd:     cwd,
		Env:     merge(b.cfg.Env, opts.Env),
	})
}

// OpenAgent boots the VM when needed, runs the bootstrap and execs the agent.
func (b *Backend) OpenAgent(ctx context.Context, opts sandbox.OpenAgentOptions) (sandbox.AgentResult, error) {
	if len(opts.AgentCommand) == 0 {
		return sandbox.AgentResult{}, errors.New("agent command is empty")
	}
	before, err := b.InspectInstance(ctx, opts.InstanceName)
	if err != nil {
		return sandbox.AgentResult{}, err
	}
	created := before.Status == sandbox.StatusMissing
	if created {
		if _, err := b.EnsureInstanceRunning(ctx, sandbox.EnsureOptions{
			RunID:              opts.RunID,
			InstanceName:       opts.InstanceName,
			WorkspaceGuestPath: opts.WorkspaceGuestPath,
			Mounts:             opts.Mounts,
		}); err != nil {
			return sandbox.AgentResult{}, err
		}
	}
	cwd := opts.WorkspaceGuestPath
	if cwd == "" {
		cwd = b.cfg.WorkingDir
	}
	if err := b.ensureBootstrap(ctx, opts.RunID, opts.InstanceName, cwd); err != nil {
		return sandbox.AgentResult{}, err
	}
	b.logger.Info("starting micro-VM agent", "instance", opts.InstanceName, "cmd", opts.AgentCommand[0])
	h, err := b.ExecProcess(ctx, sandbox.ExecOptions{
		InstanceName: opts.InstanceName,
		Command:      opts.AgentCommand,
		CwdInGuest:   cwd,
	})
	if err != nil {
		return sandbox.AgentResult{}, err
	}
	return sandbox.AgentResult{Handle: h, Created: created}, nil
}

func merge(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
