// Package proxy dispatches orchestrator messages onto the run manager and
// the sandbox backend and keeps the websocket link to the orchestrator.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/zpdzap/acpproxy/internal/facade"
	"github.com/zpdzap/acpproxy/internal/metrics"
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Options configure a Proxy.
type Options struct {
	Runs         *runs.Manager
	Registration Registration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Proxy handles inbound orchestrator messages. Each message is handled on
// its own goroutine; messages for one run are ordered by the run queue.
type Proxy struct {
	runs    *runs.Manager
	sb      sandbox.Sandbox
	reg     Registration
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New creates a Proxy.
func New(opts Options) *Proxy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Proxy{
		runs:    opts.Runs,
		sb:      opts.Runs.Sandbox(),
		reg:     opts.Registration,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// HandleMessage decodes data and dispatches it in the background.
func (p *Proxy) HandleMessage(ctx context.Context, data []byte) {
	msg, err := protocol.Parse(data)
	if msg == nil {
		p.logger.Warn("ignoring invalid orchestrator message", "err", err)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Dispatch(ctx, msg, err)
	}()
}

// Wait blocks until every dispatched message has been handled.
func (p *Proxy) Wait() { p.wg.Wait() }

// Dispatch handles one parsed message. invalid is the validation error
// Parse returned for it, if any.
func (p *Proxy) Dispatch(ctx context.Context, msg *protocol.Message, invalid error) {
	switch msg.Type {
	case protocol.TypeAcpOpen:
		p.handleAcpOpen(ctx, msg)
	case protocol.TypePromptSend:
		p.handlePromptSend(ctx, msg, invalid)
	case protocol.TypeSessionCancel, protocol.TypeSessionSetMode, protocol.TypeSessionSetModel, protocol.TypeSessionSetConfigOption:
		p.handleSessionControl(ctx, msg, invalid)
	case protocol.TypeSessionPermission:
		p.handleSessionPermission(msg, invalid)
	case protocol.TypeAcpClose:
		p.handleAcpClose(ctx, msg)
	case protocol.TypeSandboxControl:
		p.handleSandboxControl(ctx, msg)
	default:
		p.logger.Debug("unhandled orchestrator message", "type", msg.Type)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Proxy) handleAcpOpen(ctx context.Context, msg *protocol.Message) {
	runID := strings.TrimSpace(msg.RunID)
	if runID == "" {
		p.logger.Warn("acp_open without run_id")
		return
	}
	err := func() error {
		r, err := p.runs.EnsureRuntime(ctx, msg)
		if err != nil {
			return err
		}
		return p.runs.OpenRun(ctx, r, msg.Init)
	}()
	if err != nil {
		p.logger.Warn("acp_open failed", "run_id", runID, "err", err)
	}
	p.runs.Send(protocol.Result{Type: "acp_opened", RunID: runID, OK: err == nil, Error: errText(err)})
}

func (p *Proxy) handlePromptSend(ctx context.Context, msg *protocol.Message, invalid error) {
	runID := strings.TrimSpace(msg.RunID)
	if runID == "" {
		p.logger.Warn("prompt_send without run_id")
		return
	}
	out := protocol.PromptResult{
		Type:     "prompt_result",
		RunID:    runID,
		PromptID: protocol.StringPtr(strings.TrimSpace(msg.PromptID)),
	}
	res, err := func() (runs.PromptResult, error) {
		if invalid != nil {
			return runs.PromptResult{}, invalid
		}
		var prompt []json.RawMessage
		if err := json.Unmarshal(msg.Prompt, &prompt); err != nil {
			return runs.PromptResult{}, err
		}
		r, err := p.runs.EnsureRuntime(ctx, msg)
		if err != nil {
			return runs.PromptResult{}, err
		}
		req := runs.PromptRequest{
			PromptID:  strings.TrimSpace(msg.PromptID),
			Prompt:    prompt,
			Cwd:       msg.Cwd,
			SessionID: msg.SessionID,
			Init:      msg.Init,
			Timeout:   msg.TimeoutMs,
		}
		if msg.Context != nil {
			req.Context = *msg.Context
		}
		return p.runs.Prompt(ctx, r, req)
	}()
	if err != nil {
		p.logger.Warn("prompt_send failed", "run_id", runID, "prompt_id", msg.PromptID, "err", err)
		out.Error = err.Error()
		p.runs.Send(out)
		return
	}
	out.OK = true
	out.SessionID = res.SessionID
	out.StopReason = res.StopReason
	out.SessionCreated = res.SessionCreated
	out.SessionRecreatedFrom = res.RecreatedFrom
	p.runs.Send(out)
}

func (p *Proxy) handleSessionControl(ctx context.Context, msg *protocol.Message, invalid error) {
	runID := strings.TrimSpace(msg.RunID)
	if runID == "" {
		return
	}
	sessionID := strings.TrimSpace(msg.SessionID)
	err := invalid
	if err == nil {
		r := p.runs.Get(runID)
		switch {
		case r == nil:
			err = runs.ErrRunNotOpen
		case msg.Type == protocol.TypeSessionCancel:
			err = p.runs.Cancel(r, sessionID)
		case msg.Type == protocol.TypeSessionSetMode:
			err = p.runs.SetMode(ctx, r, sessionID, strings.TrimSpace(msg.ModeID))
		case msg.Type == protocol.TypeSessionSetModel:
			err = p.runs.SetModel(ctx, r, sessionID, strings.TrimSpace(msg.ModelID))
		default:
			err = p.runs.SetConfigOption(ctx, r, sessionID, strings.TrimSpace(msg.ConfigID), msg.Value)
		}
	}
	if err != nil {
		p.logger.Info("session control failed", "type", msg.Type, "run_id", runID, "err", err)
	}
	p.runs.Send(protocol.SessionControlResult{
		Type:      "session_control_result",
		RunID:     runID,
		ControlID: strings.TrimSpace(msg.ControlID),
		OK:        err == nil,
		Error:     errText(err),
	})
}

func (p *Proxy) handleSessionPermission(msg *protocol.Message, invalid error) {
	runID := strings.TrimSpace(msg.RunID)
	if invalid != nil {
		p.logger.Warn("session_permission ignored", "run_id", runID, "err", invalid)
		return
	}
	requestID := msg.RequestIDString()
	r := p.runs.Get(runID)
	var f *facade.Facade
	if r != nil {
		f = r.Facade()
	}
	if f == nil || !r.Snapshot().AgentRunning {
		p.logger.Info("session_permission run not ready", "run_id", runID, "request_id", requestID)
		return
	}
	var ok bool
	if strings.EqualFold(strings.TrimSpace(msg.Outcome), "selected") {
		ok = f.ResolvePermission(requestID, facade.Outcome{Outcome: "selected", OptionID: strings.TrimSpace(msg.OptionID)})
	} else {
		ok = f.CancelPermission(requestID)
	}
	if !ok {
		p.logger.Info("session_permission not matched", "run_id", runID, "request_id", requestID)
	}
}

func (p *Proxy) handleAcpClose(ctx context.Context, msg *protocol.Message) {
	runID := strings.TrimSpace(msg.RunID)
	if runID == "" {
		return
	}
	var err error
	if r := p.runs.Get(runID); r != nil {
		err = p.runs.CloseRun(ctx, r)
	}
	p.runs.Send(protocol.Result{Type: "acp_closed", RunID: runID, OK: err == nil, Error: errText(err)})
}

// errUnsupportedAction answers sandbox_control with an unknown action.
var errUnsupportedAction = errors.New("unsupported_action")
