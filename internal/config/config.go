// Package config loads the proxy configuration from YAML or JSON(C) files,
// applies a named profile and environment overrides, and validates the
// result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

const (
	Dir        = ".acp-proxy"
	ConfigFile = "config.yaml"

	DefaultHeartbeatSeconds = 30
	DefaultRuntime          = "docker"
)

// DefaultAgentCommand launches the codex ACP adapter.
var DefaultAgentCommand = []string{"npx", "--yes", "@zed-industries/codex-acp"}

type Config struct {
	OrchestratorURL   string   `yaml:"orchestrator_url"`
	AuthToken         string   `yaml:"auth_token,omitempty"`
	HeartbeatSeconds  int      `yaml:"heartbeat_seconds,omitempty"`
	Cwd               string   `yaml:"cwd,omitempty"`
	AgentCommand      []string `yaml:"agent_command,omitempty"`
	AgentEnvAllowlist []string `yaml:"agent_env_allowlist,omitempty"`
	// AuthTimeoutMs bounds the authenticate call of the auth retry.
	AuthTimeoutMs int `yaml:"auth_timeout_ms,omitempty"`
	// IdentityPath stores the generated agent id when agent.id is unset.
	IdentityPath string  `yaml:"identity_path,omitempty"`
	Agent        Agent   `yaml:"agent"`
	Sandbox      Sandbox `yaml:"sandbox"`

	// Profiles are partial documents overlaid by LoadFile.
	Profiles map[string]yaml.Node `yaml:"profiles,omitempty"`
}

type Agent struct {
	ID            string `yaml:"id,omitempty"`
	Name          string `yaml:"name,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
}

type Sandbox struct {
	Provider          string            `yaml:"provider"`
	TerminalEnabled   bool              `yaml:"terminal_enabled,omitempty"`
	Image             string            `yaml:"image,omitempty"`
	WorkingDir        string            `yaml:"working_dir,omitempty"`
	Runtime           string            `yaml:"runtime,omitempty"`
	WorkspaceMode     string            `yaml:"workspace_mode,omitempty"`
	WorkspaceCheckout string            `yaml:"workspace_checkout,omitempty"`
	WorkspaceHostRoot string            `yaml:"workspace_host_root,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	Volumes           []sandbox.Mount   `yaml:"volumes,omitempty"`
	CPUs              float64           `yaml:"cpus,omitempty"`
	MemoryMiB         int               `yaml:"memory_mib,omitempty"`
	ExtraRunArgs      []string          `yaml:"extra_run_args,omitempty"`
	BwrapPath         string            `yaml:"bwrap_path,omitempty"`
	MicroVM           MicroVM           `yaml:"microvm,omitempty"`
}

// MicroVM configures the boxlite_oci provider.
type MicroVM struct {
	KernelPath     string     `yaml:"kernel_path,omitempty"`
	FirecrackerBin string     `yaml:"firecracker_bin,omitempty"`
	StateDir       string     `yaml:"state_dir,omitempty"`
	BoxName        string     `yaml:"box_name,omitempty"`
	BoxReuse       string     `yaml:"box_reuse,omitempty"`
	Bootstrap      *Bootstrap `yaml:"bootstrap,omitempty"`
}

type Bootstrap struct {
	CheckCommand   []string `yaml:"check_command,omitempty"`
	InstallCommand []string `yaml:"install_command,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Path returns the default config file under dir.
func Path(dir string) string {
	return filepath.Join(dir, Dir, ConfigFile)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadFile reads path, overlays profile when non-empty, applies environment
// overrides and fills defaults. It does not validate.
func LoadFile(path, profile string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path), profile)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	return cfg, nil
}

// Parse decodes a config document. ext selects the format: ".json" and
// ".jsonc" are normalized with jsonc first, anything else is YAML.
func Parse(data []byte, ext, profile string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if profile != "" {
		node, ok := cfg.Profiles[profile]
		if !ok {
			return nil, fmt.Errorf("profile %q not found", profile)
		}
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("profile %q: %w", profile, err)
		}
	}
	cfg.Profiles = nil
	return &cfg, nil
}

// Save writes cfg as YAML to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides fields from ACP_PROXY_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ACP_PROXY_ORCHESTRATOR_URL", &c.OrchestratorURL)
	str("ACP_PROXY_AUTH_TOKEN", &c.AuthToken)
	str("ACP_PROXY_CWD", &c.Cwd)
	str("ACP_PROXY_AGENT_ID", &c.Agent.ID)
	str("ACP_PROXY_IDENTITY_PATH", &c.IdentityPath)
	str("ACP_PROXY_SANDBOX_PROVIDER", &c.Sandbox.Provider)
	str("ACP_PROXY_SANDBOX_IMAGE", &c.Sandbox.Image)
	str("ACP_PROXY_SANDBOX_WORKING_DIR", &c.Sandbox.WorkingDir)
	str("ACP_PROXY_CONTAINER_RUNTIME", &c.Sandbox.Runtime)
	str("ACP_PROXY_WORKSPACE_HOST_ROOT", &c.Sandbox.WorkspaceHostRoot)
	if v, ok := lookup("ACP_PROXY_TERMINAL_ENABLED"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Sandbox.TerminalEnabled = b
		}
	}
	if v, ok := lookup("ACP_PROXY_AUTH_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.AuthTimeoutMs = n
		}
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if len(c.AgentCommand) == 0 {
		c.AgentCommand = append([]string(nil), DefaultAgentCommand...)
	}
	if c.Agent.MaxConcurrent <= 0 {
		c.Agent.MaxConcurrent = 1
	}
	if c.Sandbox.WorkspaceMode == "" {
		c.Sandbox.WorkspaceMode = "mount"
	}
	if c.Sandbox.WorkspaceCheckout == "" {
		c.Sandbox.WorkspaceCheckout = "worktree"
	}
	if c.Sandbox.Provider == string(sandbox.ProviderContainer) && c.Sandbox.Runtime == "" {
		c.Sandbox.Runtime = DefaultRuntime
	}
}

// Validate checks the sandbox settings. forRun also requires the
// orchestrator link.
func (c *Config) Validate(forRun bool) error {
	var errs []error
	if forRun && strings.TrimSpace(c.OrchestratorURL) == "" {
		errs = append(errs, errors.New("orchestrator_url is required"))
	}
	switch sandbox.Provider(c.Sandbox.Provider) {
	case sandbox.ProviderContainer:
		if strings.TrimSpace(c.Sandbox.Image) == "" {
			errs = append(errs, errors.New("sandbox.image is required for container_oci"))
		}
	case sandbox.ProviderMicroVM:
		if strings.TrimSpace(c.Sandbox.Image) == "" {
			errs = append(errs, errors.New("sandbox.image is required for boxlite_oci"))
		}
	case sandbox.ProviderBwrap, sandbox.ProviderHost:
	default:
		errs = append(errs, fmt.Errorf("sandbox.provider %q must be one of container_oci, boxlite_oci, bwrap, host_process", c.Sandbox.Provider))
	}
	switch c.Sandbox.WorkspaceMode {
	case "mount":
		if strings.TrimSpace(c.Sandbox.WorkspaceHostRoot) == "" {
			errs = append(errs, errors.New("sandbox.workspace_host_root is required for workspace_mode mount"))
		}
	case "git_clone":
	default:
		errs = append(errs, fmt.Errorf("sandbox.workspace_mode %q must be mount or git_clone", c.Sandbox.WorkspaceMode))
	}
	switch c.Sandbox.WorkspaceCheckout {
	case "worktree", "clone":
	default:
		errs = append(errs, fmt.Errorf("sandbox.workspace_checkout %q must be worktree or clone", c.Sandbox.WorkspaceCheckout))
	}
	if len(c.AgentCommand) == 0 {
		errs = append(errs, errors.New("agent_command is empty"))
	}
	for _, v := range c.Sandbox.Volumes {
		if _, err := sandbox.ValidateGuestMountPath(v.GuestPath); err != nil {
			errs = append(errs, fmt.Errorf("sandbox.volumes: %w", err))
		}
	}
	return errors.Join(errs...)
}
