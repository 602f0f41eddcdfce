package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zpdzap/acpproxy/internal/bridge"
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/sandbox/hostproc"
)

// ContextURI names the embedded context resource prepended to a prompt.
const ContextURI = "tuixiu://context"

const (
	contextPrelude = "You are resuming a task whose ACP session may have been lost when the agent process restarted.\n" +
		"Below is the context saved by the system (issue details and recent conversation excerpts). Read it, recover the current progress, then respond to the user's new message.\n" +
		"\n" +
		"=== CONTEXT START ==="
	contextSuffix = "=== CONTEXT END ===\n\nUser message:"
)

// PromptCapabilities are the content kinds an agent accepts beyond text and
// resource links.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// PromptCapabilitiesOf reads promptCapabilities from an initialize result.
func PromptCapabilitiesOf(initResult json.RawMessage) PromptCapabilities {
	var res initializeResult
	if len(initResult) > 0 {
		json.Unmarshal(initResult, &res)
	}
	return res.AgentCapabilities.PromptCapabilities
}

// ValidatePromptBlocks rejects content blocks the agent did not advertise.
func ValidatePromptBlocks(prompt []json.RawMessage, caps PromptCapabilities) error {
	for _, raw := range prompt {
		var block struct {
			Type string `json:"type"`
		}
		json.Unmarshal(raw, &block)
		switch block.Type {
		case "text", "resource_link":
		case "image":
			if !caps.Image {
				return errors.New("agent does not enable promptCapabilities.image, cannot send image content")
			}
		case "audio":
			if !caps.Audio {
				return errors.New("agent does not enable promptCapabilities.audio, cannot send audio content")
			}
		case "resource":
			if !caps.EmbeddedContext {
				return errors.New("agent does not enable promptCapabilities.embeddedContext, cannot send embedded resource content")
			}
		default:
			return fmt.Errorf("unknown ACP content block type: %q", block.Type)
		}
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// ComposePromptWithContext prepends saved context to prompt: as an embedded
// resource between two text blocks when the agent supports embedded
// context, otherwise inlined into one text block. Blank context leaves
// prompt unchanged.
func ComposePromptWithContext(saved string, prompt []json.RawMessage, caps PromptCapabilities) []json.RawMessage {
	ctx := strings.TrimSpace(saved)
	if ctx == "" {
		return prompt
	}
	text := func(s string) json.RawMessage {
		return mustJSON(map[string]string{"type": "text", "text": s})
	}
	var out []json.RawMessage
	if caps.EmbeddedContext {
		out = append(out,
			text(contextPrelude),
			mustJSON(map[string]any{
				"type": "resource",
				"resource": map[string]string{
					"uri":      ContextURI,
					"mimeType": "text/markdown",
					"text":     ctx,
				},
			}),
			text(contextSuffix),
		)
	} else {
		out = append(out, text(strings.Join([]string{contextPrelude, ctx, contextSuffix}, "\n")))
	}
	return append(out, prompt...)
}

// ShouldRecreateSession guesses from its text whether err means the agent
// lost the session. Timeouts and a closed bridge never qualify.
func ShouldRecreateSession(err error) bool {
	if err == nil || errors.Is(err, bridge.ErrTimeout) || errors.Is(err, bridge.ErrClosed) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "session")
}

// EnsuredSession is the session a prompt goes to.
type EnsuredSession struct {
	SessionID string
	Prompt    []json.RawMessage
	Created   bool
}

type newSessionResult struct {
	SessionID     string          `json:"sessionId"`
	ConfigOptions json.RawMessage `json:"configOptions"`
}

func (m *Manager) newSession(ctx context.Context, r *Run, cwd string) (newSessionResult, error) {
	var res newSessionResult
	err := m.WithAuthRetry(ctx, r, func(ctx context.Context, b *bridge.Bridge) error {
		return m.call(ctx, b, "session/new", map[string]any{"cwd": cwd, "mcpServers": []any{}}, &res, 0)
	})
	if err != nil {
		return res, err
	}
	res.SessionID = strings.TrimSpace(res.SessionID)
	if res.SessionID == "" {
		return res, errors.New("session/new returned no sessionId")
	}
	r.mu.Lock()
	r.seenSessions[res.SessionID] = true
	r.mu.Unlock()
	return res, nil
}

// EnsureSessionForPrompt resolves the session a prompt runs in. Without a
// session id a new session is created, announced to the orchestrator and
// the prompt prefixed with context. An id not seen by this agent process is
// loaded when the agent supports it; a failed load is only logged.
func (m *Manager) EnsureSessionForPrompt(ctx context.Context, r *Run, cwd, sessionID, saved string, prompt []json.RawMessage) (EnsuredSession, error) {
	initRes, err := m.EnsureInitialized(ctx, r)
	if err != nil {
		return EnsuredSession{}, err
	}
	caps := PromptCapabilitiesOf(initRes)
	sessionID = strings.TrimSpace(sessionID)

	if sessionID == "" {
		created, err := m.newSession(ctx, r, cwd)
		if err != nil {
			return EnsuredSession{}, err
		}
		m.sendSessionUpdate(r, created.SessionID, map[string]any{
			"sessionUpdate": "session_created",
			"content":       map[string]string{"type": "session_created"},
		})
		if protocol.IsJSONArray(created.ConfigOptions) {
			m.sendSessionUpdate(r, created.SessionID, map[string]any{
				"sessionUpdate": "config_option_update",
				"configOptions": created.ConfigOptions,
			})
		}
		return EnsuredSession{
			SessionID: created.SessionID,
			Prompt:    ComposePromptWithContext(saved, prompt, caps),
			Created:   true,
		}, nil
	}

	r.mu.Lock()
	seen := r.seenSessions[sessionID]
	r.seenSessions[sessionID] = true
	r.mu.Unlock()
	if !seen && r.parsedInit().AgentCapabilities.LoadSession {
		err := m.WithAuthRetry(ctx, r, func(ctx context.Context, b *bridge.Bridge) error {
			return m.call(ctx, b, "session/load", map[string]any{"sessionId": sessionID, "cwd": cwd, "mcpServers": []any{}}, nil, 0)
		})
		if err != nil {
			m.logger.Warn("session/load failed", "run_id", r.ID, "session_id", sessionID, "err", err)
		}
	}
	return EnsuredSession{SessionID: sessionID, Prompt: prompt}, nil
}

func (m *Manager) sendSessionUpdate(r *Run, sessionID string, update any) {
	m.Send(protocol.AcpUpdate{
		Type:      "acp_update",
		RunID:     r.ID,
		PromptID:  r.activePromptID(),
		SessionID: protocol.StringPtr(sessionID),
		Update:    mustJSON(update),
	})
}

// PromptRequest is one prompt_send after validation.
type PromptRequest struct {
	PromptID  string
	Prompt    []json.RawMessage
	Cwd       string
	SessionID string
	Context   string
	Init      *protocol.Init
	Timeout   *float64
}

// PromptResult is what a prompt turn produced.
type PromptResult struct {
	SessionID      string
	StopReason     string
	SessionCreated bool
	RecreatedFrom  string
}

// PromptCwd is the working directory sent to the agent for a prompt. On the
// host-process backend guest paths map onto the run's host workspace.
func (m *Manager) PromptCwd(r *Run, cwd string) string {
	if strings.TrimSpace(cwd) == "" {
		cwd = DefaultCwd(m.cfg.WorkspaceMode, r.ID)
	}
	cwd = strings.TrimSpace(cwd)
	if m.sb.Provider() != sandbox.ProviderHost {
		return cwd
	}
	r.mu.Lock()
	ws := r.hostWorkspace
	r.mu.Unlock()
	if ws == "" {
		return cwd
	}
	return hostproc.MapGuestPath(ws, cwd)
}

// Prompt runs one prompt turn on r: the agent is opened if needed, the
// session resolved and the prompt sent. A session-loss error is recovered
// once by creating a new session and replaying the prompt with context.
func (m *Manager) Prompt(ctx context.Context, r *Run, req PromptRequest) (PromptResult, error) {
	timeout := clampMillis(req.Timeout, DefaultPromptTimeout, MinPromptTimeout, MaxPromptTimeout)
	cwd := m.PromptCwd(r, req.Cwd)

	var out PromptResult
	err := m.Enqueue(ctx, r, func(ctx context.Context) error {
		if err := m.Open(ctx, r, req.Init); err != nil {
			return err
		}
		r.mu.Lock()
		r.activePrompt = req.PromptID
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			r.activePrompt = ""
			r.mu.Unlock()
		}()

		ensured, err := m.EnsureSessionForPrompt(ctx, r, cwd, req.SessionID, req.Context, req.Prompt)
		if err != nil {
			return err
		}
		if err := ValidatePromptBlocks(ensured.Prompt, PromptCapabilitiesOf(r.initResultRaw())); err != nil {
			return err
		}
		out.SessionID = ensured.SessionID
		out.SessionCreated = ensured.Created

		send := func(sessionID string, prompt []json.RawMessage) (string, error) {
			var res struct {
				StopReason string `json:"stopReason"`
			}
			err := m.WithAuthRetry(ctx, r, func(ctx context.Context, b *bridge.Bridge) error {
				return m.call(ctx, b, "session/prompt", map[string]any{"sessionId": sessionID, "prompt": prompt}, &res, timeout)
			})
			return res.StopReason, err
		}

		stop, err := send(ensured.SessionID, ensured.Prompt)
		if err != nil {
			if !ShouldRecreateSession(err) || r.bridge() == nil {
				return err
			}
			m.logger.Info("session lost, recreating", "run_id", r.ID, "session_id", ensured.SessionID, "err", err)
			created, cerr := m.newSession(ctx, r, cwd)
			if cerr != nil {
				return err
			}
			out.RecreatedFrom = ensured.SessionID
			out.SessionID = created.SessionID
			out.SessionCreated = true

			caps := PromptCapabilitiesOf(r.initResultRaw())
			replay := ComposePromptWithContext(req.Context, req.Prompt, caps)
			if err := ValidatePromptBlocks(replay, caps); err != nil {
				return err
			}
			if stop, err = send(created.SessionID, replay); err != nil {
				return err
			}
		}
		out.StopReason = stop
		return nil
	})
	return out, err
}

func (r *Run) initResultRaw() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initResult
}

// Cancel sends session/cancel for sessionID.
func (m *Manager) Cancel(r *Run, sessionID string) error {
	b := r.bridge()
	if b == nil {
		return ErrRunNotOpen
	}
	return b.Notify("session/cancel", map[string]string{"sessionId": sessionID})
}

// SetMode switches the mode of a session.
func (m *Manager) SetMode(ctx context.Context, r *Run, sessionID, modeID string) error {
	return m.sessionCall(ctx, r, "session/set_mode", map[string]any{"sessionId": sessionID, "modeId": modeID})
}

// SetModel switches the model of a session.
func (m *Manager) SetModel(ctx context.Context, r *Run, sessionID, modelID string) error {
	return m.sessionCall(ctx, r, "session/set_model", map[string]any{"sessionId": sessionID, "modelId": modelID})
}

// SetConfigOption sets one config option of a session.
func (m *Manager) SetConfigOption(ctx context.Context, r *Run, sessionID, configID string, value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return m.sessionCall(ctx, r, "session/set_config_option", map[string]any{"sessionId": sessionID, "configId": configID, "value": value})
}

func (m *Manager) sessionCall(ctx context.Context, r *Run, method string, params any) error {
	if r == nil || r.bridge() == nil {
		return ErrRunNotOpen
	}
	if _, err := m.EnsureInitialized(ctx, r); err != nil {
		return err
	}
	return m.WithAuthRetry(ctx, r, func(ctx context.Context, b *bridge.Bridge) error {
		return m.call(ctx, b, method, params, nil, 0)
	})
}
