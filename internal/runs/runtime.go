package runs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zpdzap/acpproxy/internal/facade"
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// DefaultUserHome is the guest home when init env names none.
const DefaultUserHome = "/root"

// EnsureRuntime validates the run and instance of msg, registers the run,
// prepares its host workspace in mount mode and makes sure its instance is
// running (or, in entrypoint mode, reports what exists).
func (m *Manager) EnsureRuntime(ctx context.Context, msg *protocol.Message) (*Run, error) {
	runID, err := sandbox.ValidateRunID(msg.RunID)
	if err != nil {
		return nil, err
	}
	instance := sandbox.DefaultInstanceName(runID)
	if strings.TrimSpace(msg.InstanceName) != "" {
		instance = msg.InstanceName
	}
	if instance, err = sandbox.ValidateInstanceName(instance); err != nil {
		return nil, err
	}
	ttl := clampSeconds(msg.KeepaliveTTLSeconds, DefaultKeepaliveTTL, MinKeepaliveTTL, MaxKeepaliveTTL)

	r, err := m.GetOrCreate(runID, instance, ttl)
	if err != nil {
		return nil, err
	}

	var initEnv map[string]string
	var manifest *Manifest
	if msg.Init != nil {
		initEnv = msg.Init.Env
		if manifest, err = ParseAgentInputs(msg.Init.AgentInputs); err != nil {
			return nil, err
		}
	}

	if m.cfg.WorkspaceMode == WorkspaceMount {
		if err := m.prepareMountWorkspace(r, initEnv, manifest); err != nil {
			return nil, err
		}
	} else {
		r.mu.Lock()
		r.hostWorkspace, r.hostHome, r.userHomeGuest = "", "", ""
		r.workspaceReady = false
		r.mounts = nil
		r.mu.Unlock()
	}

	m.ensureFacade(r)

	if m.sb.AgentMode() == sandbox.AgentModeEntrypoint {
		inst, err := m.sb.InspectInstance(ctx, instance)
		if err != nil {
			return nil, err
		}
		m.SendInstanceStatus(runID, instance, inst.Status, "")
		return r, nil
	}

	r.mu.Lock()
	mounts := r.mounts
	r.mu.Unlock()
	inst, err := m.sb.EnsureInstanceRunning(ctx, sandbox.EnsureOptions{
		RunID:              runID,
		InstanceName:       instance,
		WorkspaceGuestPath: DefaultCwd(m.cfg.WorkspaceMode, runID),
		Mounts:             mounts,
	})
	if err != nil {
		return nil, err
	}
	m.SendInstanceStatus(runID, instance, inst.Status, "")
	if inst.Status != sandbox.StatusRunning {
		return nil, fmt.Errorf("sandbox instance is not running: %s", inst.Status)
	}
	return r, nil
}

func (m *Manager) prepareMountWorkspace(r *Run, initEnv map[string]string, manifest *Manifest) error {
	if strings.TrimSpace(m.cfg.WorkspaceHostRoot) == "" {
		return errors.New("sandbox.workspace_host_root is not configured, mount mode is unavailable")
	}
	root, err := sandbox.HostAbs(m.cfg.WorkspaceHostRoot)
	if err != nil {
		return err
	}

	bind := manifest.WorkspaceBind()
	hinted := strings.TrimSpace(initEnv["TUIXIU_WORKSPACE"])
	candidate := filepath.Join(root, "run-"+r.ID)
	switch {
	case bind != "" && filepath.IsAbs(bind):
		candidate = bind
	case hinted != "" && filepath.IsAbs(hinted):
		candidate = hinted
	}
	ws := filepath.Clean(candidate)
	if !sandbox.WithinHost(root, ws) {
		if bind != "" {
			return errors.New("agentInputs WORKSPACE bindMount hostPath must be under sandbox.workspace_host_root")
		}
		return errors.New("TUIXIU_WORKSPACE must be under sandbox.workspace_host_root")
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	homeHint := strings.TrimSpace(initEnv["USER_HOME"])
	if homeHint == "" {
		homeHint = strings.TrimSpace(initEnv["HOME"])
	}
	if homeHint == "" {
		homeHint = DefaultUserHome
	}
	homeGuest, err := sandbox.CheckUserHome(homeHint)
	if err != nil {
		return err
	}
	home, err := sandbox.UserHomeHostPath(root, r.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(home, ".codex", "skills"), 0o755); err != nil {
		return fmt.Errorf("creating user home: %w", err)
	}

	extra, err := manifest.extraMounts(root, homeGuest)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostWorkspace != ws {
		r.workspaceReady = false
	}
	r.hostWorkspace = ws
	r.hostHome = home
	r.userHomeGuest = homeGuest
	r.mounts = []sandbox.Mount{
		{HostPath: ws, GuestPath: sandbox.WorkspaceGuestPath},
		{HostPath: home, GuestPath: homeGuest},
	}
	r.mounts = append(r.mounts, extra...)
	return nil
}

func (m *Manager) ensureFacade(r *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.facade != nil {
		return
	}
	r.facade = facade.New(facade.Options{
		RunID:           r.ID,
		InstanceName:    r.InstanceName,
		WorkspaceRoot:   DefaultCwd(m.cfg.WorkspaceMode, r.ID),
		Sandbox:         m.sb,
		TerminalEnabled: m.cfg.TerminalEnabled,
		PermissionAsk:   m.sb.Provider() == sandbox.ProviderHost,
		OnPermissionRequest: func(req facade.PermissionRequest) {
			m.SendUpdate(r.ID, protocol.PermissionRequestContent{
				Type:      "permission_request",
				RequestID: req.RequestID,
				SessionID: req.SessionID,
				PromptID:  r.activePromptID(),
				ToolCall:  req.ToolCall,
				Options:   req.Options,
			})
		},
		Metrics: m.metrics,
		Logger:  m.logger,
	})
}

// Facade returns the capability facade of r, or nil before EnsureRuntime.
func (r *Run) Facade() *facade.Facade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.facade
}
