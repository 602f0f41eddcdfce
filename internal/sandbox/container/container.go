// Package container implements the sandbox backend that drives a container
// runtime CLI (docker, podman or nerdctl).
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Config is the container section of the proxy config.
type Config struct {
	// Runtime is the CLI flavour: docker, podman or nerdctl.
	Runtime      string
	Image        string
	WorkingDir   string
	Volumes      []sandbox.Mount
	Env          map[string]string
	CPUs         float64
	MemoryMiB    int
	ExtraRunArgs []string
	// CLIPath overrides the executable looked up for Runtime.
	CLIPath string
}

// Backend is a sandbox.Sandbox backed by a container runtime CLI.
type Backend struct {
	cfg    Config
	cli    string
	logger *slog.Logger
}

var _ sandbox.Sandbox = (*Backend)(nil)

// ParseRuntime validates a runtime CLI name.
func ParseRuntime(v string) (string, error) {
	switch s := strings.TrimSpace(v); s {
	case "docker", "podman", "nerdctl":
		return s, nil
	case "":
		return "docker", nil
	default:
		return "", fmt.Errorf("unsupported container runtime %q (want docker, podman or nerdctl)", s)
	}
}

// New returns a container backend. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	rt, err := ParseRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	cfg.Runtime = rt
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("container sandbox requires an image")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cli := cfg.CLIPath
	if cli == "" {
		cli = rt
	}
	return &Backend{cfg: cfg, cli: cli, logger: logger.With("provider", sandbox.ProviderContainer, "runtime", rt)}, nil
}

func (b *Backend) Provider() sandbox.Provider { return sandbox.ProviderContainer }
func (b *Backend) Runtime() string { return b.cfg.Runtime }
func (b *Backend) AgentMode() sandbox.AgentMode { return sandbox.AgentModeEntrypoint }

// workingDir is the guest workspace root.
func (b *Backend) workingDir(fallback string) string {
	if wd := strings.TrimSpace(b.cfg.WorkingDir); wd != "" {
		return wd
	}
	if fb := strings.TrimSpace(fallback); fb != "" {
		return fb
	}
	return sandbox.WorkspaceGuestPath
}

// inspectResult is the subset of `<cli> inspect` output we read. docker
// prefixes names with "/", podman does not.
type inspectResult struct {
	Name    string `json:"Name"`
	Created string `json:"Created"`
	State   struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (r inspectResult) instance(workspace string) sandbox.Instance {
	inst := sandbox.Instance{
		Name:          strings.TrimPrefix(r.Name, "/"),
		Status:        stateToStatus(r.State.Status, r.State.Running),
		WorkspaceRoot: workspace,
	}
	if t, err := time.Parse(time.RFC3339Nano, r.Created); err == nil {
		inst.CreatedAt = t
	}
	return inst
}

func (b *Backend) inspect(ctx context.Context, names ...string) ([]inspectResult, error) {
	out, err := b.run(ctx, append([]string{"inspect", "--type", "container"}, names...)...)
	if err != nil {
		if isMissing(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, err
	}
	var results []inspectResult
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, fmt.Errorf("parsing %s inspect output: %w", b.cli, err)
	}
	return results, nil
}

// InspectInstance reports the status of a container. A missing container is
// reported as StatusMissing, not as an error.
func (b *Backend) InspectInstance(ctx context.Context, name string) (sandbox.Instance, error) {
	results, err := b.inspect(ctx, name)
	if errors.Is(err, sandbox.ErrNotFound) || (err == nil && len(results) == 0) {
		return sandbox.Instance{Name: name, Status: sandbox.StatusMissing}, nil
	}
	if err != nil {
		return sandbox.Instance{}, err
	}
	inst := results[0].instance(b.workingDir(""))
	inst.Name = name
	return inst, nil
}

func (b *Backend) labels(ctx context.Context, name string) (map[string]string, error) {
	results, err := b.inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, sandbox.ErrNotFound
	}
	return results[0].Config.Labels, nil
}

// EnsureInstanceRunning starts a stopped container or creates a placeholder
// container that sleeps until removed.
func (b *Backend) EnsureInstanceRunning(ctx context.Context, opts sandbox.EnsureOptions) (sandbox.Instance, error) {
	name, err := sandbox.ValidateInstanceName(opts.InstanceName)
	if err != nil {
		return sandbox.Instance{}, err
	}
	inst, err := b.InspectInstance(ctx, name)
	if err != nil {
		return sandbox.Instance{}, err
	}

	switch inst.Status {
	case sandbox.StatusRunning:
		return inst, nil
	case sandbox.StatusMissing:
		args := []string{"run", "-d", "--name", name}
		args = append(args, b.labelArgs(opts.RunID)...)
		args = append(args, "-w", b.workingDir(opts.WorkspaceGuestPath))
		args = append(args, b.resourceArgs()...)
		args = append(args, envArgs(merge(b.cfg.Env, opts.Env))...)
		args = append(args, b.mountArgs(opts.Mounts)...)
		args = append(args, b.cfg.Image, "sleep", "infinity")
		b.logger.Info("creating container", "instance", name, "image", b.cfg.Image)
		if _, err := b.run(ctx, args...); err != nil {
			return sandbox.Instance{}, err
		}
	default:
		b.logger.Info("starting container", "instance", name, "status", inst.Status)
		if _, err := b.run(ctx, "start", name); err != nil {
			return sandbox.Instance{}, err
		}
	}
	return b.InspectInstance(ctx, name)
}

// StopInstance stops a container. Missing containers are not an error.
func (b *Backend) StopInstance(ctx context.Context, name string) error {
	if _, err := b.run(ctx, "stop", name); err != nil && !isMissing(err) {
		return err
	}
	return nil
}

// RemoveInstance force-removes a container. Missing containers are not an error.
func (b *Backend) RemoveInstance(ctx context.Context, name string) error {
	if _, err := b.run(ctx, "rm", "-f", name); err != nil && !isMissing(err) {
		return err
	}
	return nil
}

// RemoveImage removes an image. A missing image is not an error.
func (b *Backend) RemoveImage(ctx context.Context, image string) error {
	if strings.TrimSpace(image) == "" {
		return errors.New("image is required")
	}
	if _, err := b.run(ctx, "rmi", image); err != nil && !isMissing(err) {
		return err
	}
	return nil
}

// ListInstances lists containers, optionally only those carrying the managed
// label, sorted by name.
func (b *Backend) ListInstances(ctx context.Context, opts sandbox.ListOptions) ([]sandbox.Instance, error) {
	args := []string{"ps", "-a", "-q", "--no-trunc"}
	if opts.ManagedOnly {
		args = append(args, "--filter", "label="+sandbox.ManagedLabel+"=1")
	}
	out, err := b.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return nil, nil
	}

	results, err := b.inspect(ctx, ids...)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	instances := make([]sandbox.Instance, 0, len(results))
	for _, r := range results {
		inst := r.instance(b.workingDir(""))
		if !opts.Match(inst.Name) {
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

func (b *Backend) labelArgs(runID string) []string {
	args := []string{
		"--label", sandbox.ManagedLabel + "=1",
		"--label", sandbox.AgentModeLabel + "=" + string(sandbox.AgentModeEntrypoint),
	}
	if id := strings.TrimSpace(runID); id != "" {
		args = append(args, "--label", sandbox.RunIDLabel+"="+id)
	}
	return args
}

func (b *Backend) resourceArgs() []string {
	args := append([]string(nil), b.cfg.ExtraRunArgs...)
	if b.cfg.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", b.cfg.CPUs))
	}
	if b.cfg.MemoryMiB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", b.cfg.MemoryMiB))
	}
	return args
}

func (b *Backend) mountArgs(extra []sandbox.Mount) []string {
	var args []string
	for _, m := range append(append([]sandbox.Mount(nil), b.cfg.Volumes...), extra...) {
		host, guest := strings.TrimSpace(m.HostPath), strings.TrimSpace(m.GuestPath)
		if host == "" || guest == "" {
			continue
		}
		spec := host + ":" + guest
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	return args
}

func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
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

// cliError carries the runtime CLI's stderr so callers can classify it.
type cliError struct {
	args   []string
	output string
	err    error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s failed: %s: %v", strings.Join(e.args, " "), e.output, e.err)
}

func (e *cliError) Unwrap() error { return e.err }

// run executes the runtime CLI and returns its stdout.
func (b *Backend) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.cli, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &cliError{
			args:   append([]string{b.cfg.Runtime}, args[0]),
			output: strings.TrimSpace(stderr.String() + "\n" + stdout.String()),
			err:    err,
		}
	}
	return stdout.Bytes(), nil
}

func isMissing(err error) bool {
	var ce *cliError
	if !errors.As(err, &ce) {
		return false
	}
	out := strings.ToLower(ce.output)
	for _, s := range []string{"no such container", "no such object", "no such image", "not found", "no container with name"} {
		if strings.Contains(out, s) {
			return true
		}
	}
	return false
}

func stateToStatus(state string, running bool) sandbox.Status {
	switch strings.ToLower(state) {
	case "running", "restarting":
		return sandbox.StatusRunning
	case "created", "exited", "paused", "dead", "stopped", "configured":
		return sandbox.StatusStopped
	case "":
		if running {
			return sandbox.StatusRunning
		}
		return sandbox.StatusStopped
	default:
		return sandbox.StatusError
	}
}
