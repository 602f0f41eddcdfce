package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zpdzap/acpproxy/internal/bridge"
	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/redact"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// ProtocolVersion is the ACP version sent in initialize.
const ProtocolVersion = 1

// StartAgent opens the agent of r and connects a bridge to it. It does
// nothing when the agent is already running. In entrypoint mode with an
// init script it waits for the init result marker and tears the instance
// down when init fails.
func (m *Manager) StartAgent(ctx context.Context, r *Run, init *protocol.Init) error {
	if r.bridge() != nil {
		return nil
	}
	entrypoint := m.sb.AgentMode() == sandbox.AgentModeEntrypoint
	timeout := initTimeout(init)

	var agentInit *sandbox.Init
	var initEnv map[string]string
	script := ""
	if init != nil {
		initEnv = m.FilterInitEnv(r.ID, init.Env)
		script = strings.TrimSpace(init.Script)
		agentInit = &sandbox.Init{Script: script, TimeoutSeconds: int(timeout.Seconds()), Env: initEnv}
	}

	if entrypoint {
		before, err := m.sb.InspectInstance(ctx, r.InstanceName)
		if err != nil {
			return err
		}
		if before.Status == sandbox.StatusMissing || script != "" {
			m.SendInstanceStatus(r.ID, r.InstanceName, sandbox.StatusCreating, "")
		}
		if script != "" {
			m.sendText(r.ID, fmt.Sprintf("[init] start (bash, timeout=%ds)", int(timeout.Seconds())))
		}
	}

	r.mu.Lock()
	mounts := r.mounts
	r.mu.Unlock()
	res, err := m.sb.OpenAgent(ctx, sandbox.OpenAgentOptions{
		RunID:              r.ID,
		InstanceName:       r.InstanceName,
		WorkspaceGuestPath: DefaultCwd(m.cfg.WorkspaceMode, r.ID),
		Mounts:             mounts,
		AgentCommand:       m.cfg.AgentCommand,
		Init:               agentInit,
	})
	if err != nil {
		return fmt.Errorf("open agent: %w", err)
	}
	m.metrics.AgentStarted()

	secrets := []string{m.cfg.AuthToken}
	secrets = append(secrets, redact.PickSecretValues(m.cfg.SandboxEnv)...)
	secrets = append(secrets, redact.PickSecretValues(initEnv)...)
	red := redact.New(secrets...)

	m.ensureFacade(r)
	initPending := entrypoint && res.InitPending

	r.mu.Lock()
	r.suppressExit = initPending
	r.mu.Unlock()

	b := bridge.New(res.Handle, bridge.Options{
		InitPending:    res.InitPending,
		MarkerPrefix:   sandbox.InitResultPrefix,
		Redact:         red.Line,
		OnRequest:      m.requestHandler(r),
		OnNotification: m.notificationHandler(r),
		OnStderr:       m.stderrHandler(r),
		OnExit:         m.exitHandler(r),
		Logger:         m.logger.With("run_id", r.ID),
	})
	r.mu.Lock()
	r.agent = b
	r.mu.Unlock()

	m.SendUpdate(r.ID, protocol.TransportConnectedContent{
		Type:         "transport_connected",
		InstanceName: r.InstanceName,
		At:           protocol.Now(),
	})
	if inst, err := m.sb.InspectInstance(ctx, r.InstanceName); err == nil {
		m.SendInstanceStatus(r.ID, r.InstanceName, inst.Status, "")
	}

	if !initPending {
		return nil
	}
	result, err := b.WaitForInitResult(ctx, timeout)
	if err != nil {
		m.SendUpdate(r.ID, protocol.InitResult(false, nil, err.Error()))
		m.failInit(ctx, r)
		return fmt.Errorf("init failed: %w", err)
	}
	if !result.OK {
		msg := "init_failed"
		if result.ExitCode != nil {
			msg = fmt.Sprintf("exitCode=%d", *result.ExitCode)
		}
		m.SendUpdate(r.ID, protocol.InitResult(false, result.ExitCode, msg))
		m.failInit(ctx, r)
		return ErrInitFailed
	}
	r.mu.Lock()
	r.suppressExit = false
	r.mu.Unlock()
	m.SendUpdate(r.ID, protocol.InitResult(true, nil, ""))
	m.sendText(r.ID, "[init] done")
	return nil
}

func (m *Manager) failInit(ctx context.Context, r *Run) {
	m.CloseAgent(ctx, r, "init_failed")
	if err := m.sb.StopInstance(context.WithoutCancel(ctx), r.InstanceName); err != nil {
		m.logger.Warn("stop instance after failed init", "run_id", r.ID, "err", err)
	}
}

func (m *Manager) requestHandler(r *Run) bridge.RequestHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		m.Touch(r)
		f := r.Facade()
		if f == nil {
			return nil, bridge.NewError(bridge.CodeInternal, "no capability facade")
		}
		return f.HandleRequest(ctx, method, params)
	}
}

type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

func (m *Manager) notificationHandler(r *Run) bridge.NotificationHandler {
	return func(method string, params json.RawMessage) {
		m.Touch(r)
		switch method {
		case "$/cancel_request":
			var p struct {
				RequestID json.RawMessage `json:"requestId"`
			}
			if json.Unmarshal(params, &p) != nil || len(p.RequestID) == 0 {
				return
			}
			id := (&protocol.Message{RequestID: p.RequestID}).RequestIDString()
			if f := r.Facade(); f == nil || !f.CancelPermission(id) {
				m.logger.Info("cancel_request ignored (not found)", "run_id", r.ID, "request_id", id)
			}
		case "session/update":
			var p sessionUpdateParams
			json.Unmarshal(params, &p)
			update := p.Update
			if len(update) == 0 {
				update = json.RawMessage("null")
			}
			m.Send(protocol.AcpUpdate{
				Type:      "acp_update",
				RunID:     r.ID,
				PromptID:  r.activePromptID(),
				SessionID: protocol.StringPtr(p.SessionID),
				Update:    update,
			})
			if m.sb.Provider() == sandbox.ProviderHost && p.SessionID != "" {
				m.maybeSwitchToAuto(r, p.SessionID, p.Update)
			}
		default:
			m.logger.Debug("agent notification unhandled", "run_id", r.ID, "method", method)
		}
	}
}

type configOption struct {
	ID           string `json:"id"`
	CurrentValue any    `json:"currentValue"`
	Options      []struct {
		Value any `json:"value"`
	} `json:"options"`
}

// maybeSwitchToAuto moves a session whose mode option offers "auto" onto
// it, once per session.
func (m *Manager) maybeSwitchToAuto(r *Run, sessionID string, raw json.RawMessage) {
	var u struct {
		SessionUpdate string         `json:"sessionUpdate"`
		ConfigOptions []configOption `json:"configOptions"`
	}
	if json.Unmarshal(raw, &u) != nil || u.SessionUpdate != "config_option_update" {
		return
	}
	for _, opt := range u.ConfigOptions {
		if opt.ID != "mode" {
			continue
		}
		current, _ := opt.CurrentValue.(string)
		hasAuto := false
		for _, o := range opt.Options {
			if v, _ := o.Value.(string); v == "auto" {
				hasAuto = true
			}
		}
		if !hasAuto || current == "" || current == "auto" {
			return
		}
		r.mu.Lock()
		done := r.autoMode[sessionID]
		r.autoMode[sessionID] = true
		r.mu.Unlock()
		if done {
			return
		}
		// The reply arrives on the reader that is delivering this
		// notification, so the call must not block it.
		go func() {
			params := map[string]any{"sessionId": sessionID, "configId": "mode", "value": "auto"}
			if err := m.WithAuthRetry(context.Background(), r, func(ctx context.Context, b *bridge.Bridge) error {
				return m.call(ctx, b, "session/set_config_option", params, nil, 0)
			}); err != nil {
				m.logger.Warn("auto set_config_option(mode=auto) failed", "run_id", r.ID, "session_id", sessionID, "err", err)
			}
		}()
		return
	}
}

func (m *Manager) stderrHandler(r *Run) func(string, bridge.StderrKind) {
	return func(line string, kind bridge.StderrKind) {
		if kind == bridge.StderrInit {
			if step, ok := ParseInitStep(line); ok {
				m.SendUpdate(r.ID, step.content())
				return
			}
			m.sendText(r.ID, "[init:stderr] "+line)
			return
		}
		m.logger.Debug("agent stderr", "run_id", r.ID, "text", line)
		m.sendText(r.ID, "[agent:stderr] "+line)
	}
}

func (m *Manager) exitHandler(r *Run) func(process.ExitInfo) {
	return func(info process.ExitInfo) {
		r.mu.Lock()
		suppress := r.suppressExit
		r.suppressExit = false
		r.mu.Unlock()
		if suppress {
			m.metrics.AgentExited(true)
			return
		}
		m.metrics.AgentExited(false)
		m.logger.Info("agent exited", "run_id", r.ID, "instance", r.InstanceName, "exit", info.String())
		signal := protocol.StringPtr(info.Signal)
		m.SendUpdate(r.ID, protocol.TransportDisconnectedContent{
			Type:         "transport_disconnected",
			InstanceName: r.InstanceName,
			Code:         info.Code,
			Signal:       signal,
			At:           protocol.Now(),
			Reason:       "agent_exit",
		})
		m.CloseAgent(context.Background(), r, "agent_exit")
		m.Send(protocol.AcpExit{
			Type:         "acp_exit",
			RunID:        r.ID,
			InstanceName: r.InstanceName,
			Code:         info.Code,
			Signal:       signal,
		})
	}
}

// CloseAgent disconnects the agent of r and forgets everything tied to its
// process: the initialize result, known sessions, the active prompt and
// pending permission requests.
func (m *Manager) CloseAgent(ctx context.Context, r *Run, reason string) {
	r.mu.Lock()
	b := r.agent
	if b == nil {
		r.mu.Unlock()
		return
	}
	r.agent = nil
	r.initialized = false
	r.initResult = nil
	clear(r.seenSessions)
	r.activePrompt = ""
	f := r.facade
	r.mu.Unlock()

	if f != nil {
		f.CancelAll()
	}
	if err := b.Close(context.WithoutCancel(ctx)); err != nil {
		m.logger.Debug("close agent", "run_id", r.ID, "err", err)
	}
	m.logger.Info("agent closed", "run_id", r.ID, "reason", reason)
}

// call issues one agent call and records it.
func (m *Manager) call(ctx context.Context, b *bridge.Bridge, method string, params, result any, timeout time.Duration) error {
	start := time.Now()
	err := b.CallWith(ctx, method, params, result, bridge.CallOptions{Timeout: timeout})
	outcome := "ok"
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	m.metrics.RecordRPC(method, outcome, time.Since(start))
	return err
}

type initializeResult struct {
	AgentCapabilities struct {
		LoadSession        bool               `json:"loadSession"`
		PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	} `json:"agentCapabilities"`
	AuthMethods []struct {
		ID string `json:"id"`
	} `json:"authMethods"`
}

func (r *Run) parsedInit() initializeResult {
	r.mu.Lock()
	raw := r.initResult
	r.mu.Unlock()
	var out initializeResult
	if len(raw) > 0 {
		json.Unmarshal(raw, &out)
	}
	return out
}

// EnsureInitialized performs the initialize handshake once per agent
// process and returns the cached result afterwards. Concurrent callers
// share one handshake.
func (m *Manager) EnsureInitialized(ctx context.Context, r *Run) (json.RawMessage, error) {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	b, done, cached := r.agent, r.initialized, r.initResult
	r.mu.Unlock()
	if b == nil {
		return nil, ErrAgentNotConnected
	}
	if done {
		return cached, nil
	}

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "acp-proxy",
			"title":   "tuixiu acp-proxy",
			"version": m.version(),
		},
		"clientCapabilities": map[string]any{
			"fs":       map[string]bool{"readTextFile": true, "writeTextFile": true},
			"terminal": m.cfg.TerminalEnabled,
		},
	}
	var res json.RawMessage
	if err := m.call(ctx, b, "initialize", params, &res, 0); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	r.mu.Lock()
	if r.agent == b {
		r.initialized = true
		r.initResult = res
	}
	r.mu.Unlock()
	return res, nil
}

func (m *Manager) version() string {
	if m.cfg.Version == "" {
		return "dev"
	}
	return m.cfg.Version
}

// WithAuthRetry runs fn against the current agent. When it fails with the
// auth-required code and the agent advertised an auth method, the first
// method is authenticated and fn retried once.
func (m *Manager) WithAuthRetry(ctx context.Context, r *Run, fn func(ctx context.Context, b *bridge.Bridge) error) error {
	b := r.bridge()
	if b == nil {
		return ErrAgentNotConnected
	}
	err := fn(ctx, b)
	if code, ok := bridge.ErrorCode(err); !ok || code != bridge.CodeApplication {
		return err
	}
	methods := r.parsedInit().AuthMethods
	if len(methods) == 0 || strings.TrimSpace(methods[0].ID) == "" {
		return err
	}
	if aerr := m.call(ctx, b, "authenticate", map[string]string{"methodId": methods[0].ID}, nil, m.cfg.AuthTimeout); aerr != nil {
		return fmt.Errorf("authenticate %s: %w", methods[0].ID, aerr)
	}
	return fn(ctx, b)
}
