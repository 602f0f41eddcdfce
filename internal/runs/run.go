// Package runs keeps the per-run state of the proxy: the agent bridge and
// capability facade of each run, its sessions, keep-alive expiry and the
// serial queue every orchestrator operation on the run goes through.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zpdzap/acpproxy/internal/bridge"
	"github.com/zpdzap/acpproxy/internal/facade"
	"github.com/zpdzap/acpproxy/internal/metrics"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/worktree"
)

// Workspace modes.
const (
	WorkspaceMount    = "mount"
	WorkspaceGitClone = "git_clone"
)

// Limits on orchestrator-supplied durations.
const (
	DefaultKeepaliveTTL = 1800 * time.Second
	MinKeepaliveTTL     = 60 * time.Second
	MaxKeepaliveTTL     = 24 * time.Hour

	DefaultInitTimeout = 300 * time.Second
	MinInitTimeout     = time.Second
	MaxInitTimeout     = time.Hour

	DefaultPromptTimeout = time.Hour
	MinPromptTimeout     = 5 * time.Second
	MaxPromptTimeout     = 24 * time.Hour

	DefaultAuthTimeout = 30 * time.Second
	MinAuthTimeout     = 5 * time.Second
	MaxAuthTimeout     = 300 * time.Second
)

// SweepSchedule is the cron spec of the keep-alive sweep.
const SweepSchedule = "@every 1m"

var (
	// ErrRunNotOpen is returned for session controls on a run without an
	// agent.
	ErrRunNotOpen = errors.New("run_not_open")
	// ErrAgentNotConnected is returned when an operation needs the agent
	// but it has gone away.
	ErrAgentNotConnected = errors.New("agent not connected")
)

// Sender delivers one outbound message to the orchestrator.
type Sender interface {
	Send(msg any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(msg any) error

func (f SenderFunc) Send(msg any) error { return f(msg) }

// Config is the proxy configuration the run manager needs.
type Config struct {
	AgentCommand      []string
	AgentEnvAllowlist []string
	TerminalEnabled   bool
	// WorkspaceMode is WorkspaceMount or WorkspaceGitClone.
	WorkspaceMode     string
	WorkspaceHostRoot string
	// WorkspaceCheckout is worktree.CheckoutWorktree or CheckoutClone.
	WorkspaceCheckout string
	AuthToken         string
	// OrchestratorURL is the base downloadExtract agent inputs resolve
	// against.
	OrchestratorURL string
	// InputsCacheDir overrides where downloaded agent inputs are cached.
	InputsCacheDir   string
	DownloadMaxBytes int64
	// SandboxEnv is the static sandbox env; its secrets are redacted.
	SandboxEnv  map[string]string
	AuthTimeout time.Duration
	// Version is reported in clientInfo.
	Version string
}

// Options configure a Manager.
type Options struct {
	Config  Config
	Sandbox sandbox.Sandbox
	Sender  Sender
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Run is the state the proxy keeps for one orchestrator run.
type Run struct {
	ID           string
	InstanceName string

	queue chan struct{}
	// initMu makes the initialize handshake single-flight.
	initMu sync.Mutex

	mu             sync.Mutex
	keepaliveTTL   time.Duration
	expiresAt      time.Time
	lastUsed       time.Time
	hostWorkspace  string
	hostHome       string
	userHomeGuest  string
	workspaceReady bool
	repoPath       string
	mounts         []sandbox.Mount

	facade       *facade.Facade
	agent        *bridge.Bridge
	initialized  bool
	initResult   json.RawMessage
	seenSessions map[string]bool
	autoMode     map[string]bool
	activePrompt string
	suppressExit bool
}

func newRun(id, instance string, ttl time.Duration, now time.Time) *Run {
	return &Run{
		ID:           id,
		InstanceName: instance,
		queue:        make(chan struct{}, 1),
		keepaliveTTL: ttl,
		lastUsed:     now,
		seenSessions: make(map[string]bool),
		autoMode:     make(map[string]bool),
	}
}

// Snapshot is a read-only view of a run for inventories and the dashboard.
type Snapshot struct {
	RunID         string
	InstanceName  string
	AgentRunning  bool
	Initialized   bool
	ActivePrompt  string
	Sessions      []string
	LastUsed      time.Time
	ExpiresAt     time.Time
	KeepaliveTTL  time.Duration
	HostWorkspace string
}

// Snapshot copies the current state of r.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		RunID:         r.ID,
		InstanceName:  r.InstanceName,
		AgentRunning:  r.agent != nil,
		Initialized:   r.initialized,
		ActivePrompt:  r.activePrompt,
		LastUsed:      r.lastUsed,
		ExpiresAt:     r.expiresAt,
		KeepaliveTTL:  r.keepaliveTTL,
		HostWorkspace: r.hostWorkspace,
	}
	for id := range r.seenSessions {
		s.Sessions = append(s.Sessions, id)
	}
	sort.Strings(s.Sessions)
	return s
}

func (r *Run) bridge() *bridge.Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent
}

func (r *Run) activePromptID() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activePrompt == "" {
		return nil
	}
	id := r.activePrompt
	return &id
}

// Manager owns every Run.
type Manager struct {
	cfg     Config
	sb      sandbox.Sandbox
	sender  Sender
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*Run

	cron *cron.Cron
}

// NewManager creates a Manager. Call Start to schedule the keep-alive sweep.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg.WorkspaceMode == "" {
		cfg.WorkspaceMode = WorkspaceMount
	}
	if cfg.WorkspaceCheckout == "" {
		cfg.WorkspaceCheckout = worktree.CheckoutWorktree
	}
	cfg.AuthTimeout = clampDuration(cfg.AuthTimeout, DefaultAuthTimeout, MinAuthTimeout, MaxAuthTimeout)
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sender := opts.Sender
	if sender == nil {
		sender = SenderFunc(func(any) error { return nil })
	}
	return &Manager{
		cfg:     cfg,
		sb:      opts.Sandbox,
		sender:  sender,
		metrics: opts.Metrics,
		logger:  logger,
		now:     now,
		runs:    make(map[string]*Run),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Sandbox returns the backend runs are placed on.
func (m *Manager) Sandbox() sandbox.Sandbox { return m.sb }

// Get returns the run with id, or nil.
func (m *Manager) Get(id string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// GetOrCreate returns the run with id, creating it when absent. An existing
// run bound to another instance is an error; otherwise its TTL is updated,
// its expiry cleared and its last-used time refreshed.
func (m *Manager) GetOrCreate(id, instance string, ttl time.Duration) (*Run, error) {
	now := m.now()
	m.mu.Lock()
	r, ok := m.runs[id]
	if !ok {
		r = newRun(id, instance, ttl, now)
		m.runs[id] = r
		m.mu.Unlock()
		m.metrics.RunOpened()
		return r, nil
	}
	m.mu.Unlock()

	if r.InstanceName != instance {
		return nil, fmt.Errorf("run %s is bound to instance %s, not %s", id, r.InstanceName, instance)
	}
	r.mu.Lock()
	r.keepaliveTTL = ttl
	r.expiresAt = time.Time{}
	r.lastUsed = now
	r.mu.Unlock()
	return r, nil
}

// Delete forgets a run.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	_, ok := m.runs[id]
	delete(m.runs, id)
	m.mu.Unlock()
	if ok {
		m.metrics.RunClosed()
	}
}

// List returns every run sorted by id.
func (m *Manager) List() []*Run {
	m.mu.Lock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enqueue runs fn after every operation queued earlier on the run has
// finished. Operations on different runs do not wait for each other.
func (m *Manager) Enqueue(ctx context.Context, r *Run, fn func(ctx context.Context) error) error {
	select {
	case r.queue <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.queue }()
	return fn(ctx)
}

// Touch refreshes the last-used time of r.
func (m *Manager) Touch(r *Run) {
	r.mu.Lock()
	r.lastUsed = m.now()
	r.mu.Unlock()
}

// SetExpiry starts the keep-alive countdown of a closed run.
func (m *Manager) SetExpiry(r *Run) {
	r.mu.Lock()
	r.expiresAt = m.now().Add(r.keepaliveTTL)
	r.mu.Unlock()
}

// Start schedules the keep-alive sweep.
func (m *Manager) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(SweepSchedule, func() { m.SweepExpired(context.Background()) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	return nil
}

// Shutdown stops the sweep and closes every agent.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	for _, r := range m.List() {
		m.CloseAgent(ctx, r, "shutdown")
	}
}

// SweepExpired removes runs whose keep-alive expired: the agent is closed,
// the instance removed, a missing status reported and the run forgotten.
func (m *Manager) SweepExpired(ctx context.Context) {
	now := m.now()
	for _, r := range m.List() {
		r.mu.Lock()
		expired := !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
		r.mu.Unlock()
		if !expired {
			continue
		}
		m.logger.Info("run keep-alive expired", "run_id", r.ID, "instance", r.InstanceName)
		m.CloseAgent(ctx, r, "keepalive_expired")
		if err := m.sb.RemoveInstance(ctx, r.InstanceName); err != nil {
			m.logger.Warn("remove expired instance failed", "run_id", r.ID, "err", err)
		}
		m.SendInstanceStatus(r.ID, r.InstanceName, sandbox.StatusMissing, "")
		m.Delete(r.ID)
	}
}

func clampDuration(d, def, lo, hi time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return min(max(d, lo), hi)
}

// clampSeconds turns an optional orchestrator number of seconds into a
// bounded duration.
func clampSeconds(v *float64, def, lo, hi time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return min(max(time.Duration(*v*float64(time.Second)), lo), hi)
}

func clampMillis(v *float64, def, lo, hi time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return min(max(time.Duration(*v*float64(time.Millisecond)), lo), hi)
}

// DefaultCwd is the guest working directory of a run.
func DefaultCwd(mode, runID string) string {
	if mode == WorkspaceGitClone {
		return sandbox.WorkspaceGuestPath + "/run-" + runID
	}
	return sandbox.WorkspaceGuestPath
}
