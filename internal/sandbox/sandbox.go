// Package sandbox defines the contract shared by every isolation backend and
// the path confinement rules they all enforce.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
)

// Status represents the current state of a sandbox instance.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusMissing  Status = "missing"
	StatusError    Status = "error"
)

// Provider names a backend in configuration and in reports.
type Provider string

const (
	ProviderContainer Provider = "container_oci"
	ProviderMicroVM   Provider = "boxlite_oci"
	ProviderBwrap     Provider = "bwrap"
	ProviderHost      Provider = "host_process"
)

// AgentMode says how the agent process relates to its instance.
type AgentMode string

const (
	// AgentModeEntrypoint: the agent is the instance's entrypoint. The
	// instance is created and started implicitly by OpenAgent.
	AgentModeEntrypoint AgentMode = "entrypoint"
	// AgentModeExec: the agent is exec'd into an already running instance.
	AgentModeExec AgentMode = "exec"
)

const (
	// WorkspaceGuestPath is where the run workspace appears inside an instance.
	WorkspaceGuestPath = "/workspace"
	// InstancePrefix prefixes default instance names.
	InstancePrefix = "tuixiu-run-"
	// InitResultPrefix marks the init result line an entrypoint prints on stderr.
	InitResultPrefix = "__ACP_PROXY_INIT_RESULT__:"
	// ManagedLabel tags instances created by the proxy.
	ManagedLabel = "acp-proxy.managed"
	// RunIDLabel carries the run id on an instance.
	RunIDLabel = "acp-proxy.run_id"
	// AgentModeLabel carries the agent mode on an instance.
	AgentModeLabel = "acp-proxy.agent_mode"
)

var (
	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("operation not supported by this sandbox")
	// ErrNotFound is returned when an instance does not exist.
	ErrNotFound = errors.New("sandbox instance not found")
)

// Instance is one isolated environment managed by a backend.
type Instance struct {
	Name          string    `json:"instance_name"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	WorkspaceRoot string    `json:"workspace_root,omitempty"`
}

// Mount binds a host path into an instance.
type Mount struct {
	HostPath  string `yaml:"host_path" json:"hostPath"`
	GuestPath string `yaml:"guest_path" json:"guestPath"`
	ReadOnly  bool   `yaml:"read_only,omitempty" json:"readOnly,omitempty"`
}

// Init is a provisioning script run before the agent starts.
type Init struct {
	Script         string            `json:"script"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// EnsureOptions describe the instance EnsureInstanceRunning should produce.
type EnsureOptions struct {
	RunID              string
	InstanceName       string
	WorkspaceGuestPath string
	Env                map[string]string
	Mounts             []Mount
}

// ExecOptions describe a short-lived or interactive process inside an instance.
type ExecOptions struct {
	InstanceName string
	Command      []string
	CwdInGuest   string
	Env          map[string]string
}

// OpenAgentOptions describe the long-lived agent process of a run.
type OpenAgentOptions struct {
	RunID              string
	InstanceName       string
	WorkspaceGuestPath string
	Mounts             []Mount
	AgentCommand       []string
	Init               *Init
}

// AgentResult is returned by OpenAgent.
type AgentResult struct {
	Handle process.Handle
	// Created is true when the instance did not exist before.
	Created bool
	// InitPending is true when an entrypoint init script runs before the
	// agent; readiness comes from the init result marker.
	InitPending bool
}

// ListOptions filter ListInstances.
type ListOptions struct {
	ManagedOnly bool
	NamePrefix  string
}

// Match reports whether name passes the prefix filter.
func (o ListOptions) Match(name string) bool {
	return o.NamePrefix == "" || strings.HasPrefix(name, o.NamePrefix)
}

// Sandbox is implemented by every isolation backend.
type Sandbox interface {
	Provider() Provider
	// Runtime names the container CLI for container backends, "" otherwise.
	Runtime() string
	AgentMode() AgentMode

	InspectInstance(ctx context.Context, name string) (Instance, error)
	EnsureInstanceRunning(ctx context.Context, opts EnsureOptions) (Instance, error)
	ExecProcess(ctx context.Context, opts ExecOptions) (process.Handle, error)
	OpenAgent(ctx context.Context, opts OpenAgentOptions) (AgentResult, error)
	// StopInstance and RemoveInstance succeed for missing instances.
	StopInstance(ctx context.Context, name string) error
	RemoveInstance(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, image string) error
	ListInstances(ctx context.Context, opts ListOptions) ([]Instance, error)
}

// StageEvent reports provisioning progress a backend does on its own, such
// as micro-VM bootstrap.
type StageEvent struct {
	RunID   string
	Stage   string
	Status  string
	Message string
}

// StageReporter is implemented by backends that emit StageEvents.
type StageReporter interface {
	SetStageReporter(fn func(StageEvent))
}
