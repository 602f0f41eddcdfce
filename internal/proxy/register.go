package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Registration is what the proxy announces about itself on connect.
type Registration struct {
	AgentID         string
	Name            string
	MaxConcurrent   int
	TerminalEnabled bool
	Image           string
	WorkingDir      string
	WorkspaceMode   string
}

// RegisterMessage builds the register_agent message for sb.
func (r Registration) RegisterMessage(sb sandbox.Sandbox) protocol.RegisterAgent {
	name := r.Name
	if name == "" {
		name = r.AgentID
	}
	maxConcurrent := r.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	caps := protocol.Capabilities{
		Runtime: runtimeCaps(os.Getenv),
		Sandbox: protocol.SandboxCaps{
			Provider:        string(sb.Provider()),
			TerminalEnabled: r.TerminalEnabled,
			AgentMode:       string(sb.AgentMode()),
			Image:           protocol.StringPtr(r.Image),
			WorkingDir:      protocol.StringPtr(r.WorkingDir),
		},
		AcpTunnel: true,
	}
	switch sb.Provider() {
	case sandbox.ProviderContainer:
		caps.Sandbox.Runtime = sb.Runtime()
		if caps.Sandbox.Runtime == "" {
			caps.Sandbox.Runtime = "docker"
		}
	case sandbox.ProviderMicroVM:
		caps.Sandbox.WorkspaceMode = r.WorkspaceMode
		if caps.Sandbox.WorkspaceMode == "" {
			caps.Sandbox.WorkspaceMode = runs.WorkspaceMount
		}
	}
	return protocol.RegisterAgent{
		Type: "register_agent",
		Agent: protocol.AgentInfo{
			ID:            r.AgentID,
			Name:          name,
			MaxConcurrent: maxConcurrent,
			Capabilities:  caps,
		},
	}
}

func runtimeCaps(getenv func(string) string) protocol.RuntimeCaps {
	caps := protocol.RuntimeCaps{Platform: runtime.GOOS, Arch: runtime.GOARCH}
	if runtime.GOOS == "linux" {
		distro := strings.TrimSpace(getenv("WSL_DISTRO_NAME"))
		caps.IsWSL = distro != "" || strings.TrimSpace(getenv("WSL_INTEROP")) != ""
		caps.WSLDistro = protocol.StringPtr(distro)
	}
	return caps
}

// Heartbeat builds a heartbeat for the registered agent.
func (r Registration) Heartbeat() protocol.Heartbeat {
	return protocol.Heartbeat{Type: "heartbeat", AgentID: r.AgentID, Timestamp: protocol.Now()}
}

// OnConnected registers the proxy and reports its inventories. The client
// calls it after every successful dial.
func (p *Proxy) OnConnected(ctx context.Context) {
	p.runs.Send(p.reg.RegisterMessage(p.sb))
	if err := p.ReportInventory(ctx, nil, nil); err != nil {
		p.logger.Warn("initial sandbox inventory failed", "err", err)
	}
	if err := p.ReportWorkspaceInventory(ctx); err != nil {
		p.logger.Warn("initial workspace inventory failed", "err", err)
	}
}

// Heartbeat sends one heartbeat.
func (p *Proxy) Heartbeat() {
	p.runs.Send(p.reg.Heartbeat())
}

type identity struct {
	AgentID   string `json:"agentId"`
	Hostname  string `json:"hostname"`
	CreatedAt string `json:"createdAt"`
}

var hostUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeHost(host string) string {
	s := strings.Trim(hostUnsafe.ReplaceAllString(strings.TrimSpace(host), "-"), "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		return "acp-proxy"
	}
	return s
}

// DefaultIdentityPath is ~/.tuixiu/acp-proxy/identity.json.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".tuixiu", "acp-proxy", "identity.json")
	}
	return filepath.Join(home, ".tuixiu", "acp-proxy", "identity.json")
}

// LoadOrCreateAgentID returns the agent id stored at path, creating and
// persisting "<host>-<uuid>" when the file is missing or unreadable.
func LoadOrCreateAgentID(path string) (string, error) {
	if path == "" {
		path = DefaultIdentityPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		var id identity
		if json.Unmarshal(data, &id) == nil && strings.TrimSpace(id.AgentID) != "" {
			return strings.TrimSpace(id.AgentID), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read identity: %w", err)
	}

	host, _ := os.Hostname()
	id := identity{
		AgentID:   sanitizeHost(host) + "-" + uuid.NewString(),
		Hostname:  host,
		CreatedAt: protocol.Now(),
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write identity: %w", err)
	}
	return id.AgentID, nil
}
