package facade

import (
	"context"
	"encoding/json"
	"strings"
)

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionOption is one choice the agent offers.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Outcome is both the decision fed into ResolvePermission and the answer
// sent back to the agent.
type Outcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// PermissionRequest is handed to Options.OnPermissionRequest.
type PermissionRequest struct {
	RequestID string             `json:"request_id"`
	SessionID string             `json:"session_id,omitempty"`
	ToolCall  json.RawMessage    `json:"tool_call,omitempty"`
	Options   []PermissionOption `json:"options"`
}

type pendingPermission struct {
	options []PermissionOption
	result  chan Outcome
}

type permissionParams struct {
	SessionID any               `json:"sessionId"`
	ToolCall  json.RawMessage   `json:"toolCall"`
	Options   []json.RawMessage `json:"options"`
}

// DefaultOutcome picks allow_once when offered, else the first option, else
// cancels.
func DefaultOutcome(options []PermissionOption) Outcome {
	var preferred *PermissionOption
	for i := range options {
		if options[i].Kind == "allow_once" {
			preferred = &options[i]
			break
		}
	}
	if preferred == nil && len(options) > 0 {
		preferred = &options[0]
	}
	if preferred != nil {
		if id := strings.TrimSpace(preferred.OptionID); id != "" {
			return Outcome{Outcome: OutcomeSelected, OptionID: id}
		}
	}
	return Outcome{Outcome: OutcomeCancelled}
}

// normalizeDecision maps a caller decision onto the offered options. An
// unknown option falls back to the default pick.
func normalizeDecision(options []PermissionOption, d Outcome) Outcome {
	if d.Outcome == OutcomeCancelled {
		return Outcome{Outcome: OutcomeCancelled}
	}
	if id := strings.TrimSpace(d.OptionID); id != "" {
		for _, o := range options {
			if o.OptionID == id {
				return Outcome{Outcome: OutcomeSelected, OptionID: o.OptionID}
			}
		}
	}
	return DefaultOutcome(options)
}

// parseOptions keeps the options that are objects with a string optionId.
func parseOptions(raw []json.RawMessage) []PermissionOption {
	var out []PermissionOption
	for _, r := range raw {
		var probe map[string]json.RawMessage
		if json.Unmarshal(r, &probe) != nil {
			continue
		}
		var id string
		if json.Unmarshal(probe["optionId"], &id) != nil {
			continue
		}
		var o PermissionOption
		json.Unmarshal(r, &o)
		o.OptionID = id
		out = append(out, o)
	}
	return out
}

func (f *Facade) requestPermission(ctx context.Context, requestID string, params json.RawMessage) (any, error) {
	var p permissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		p = permissionParams{}
	}
	options := parseOptions(p.Options)

	if !f.opts.PermissionAsk {
		out := DefaultOutcome(options)
		f.opts.Metrics.RecordPermission("default")
		return map[string]Outcome{"outcome": out}, nil
	}

	sessionID, _ := p.SessionID.(string)
	out := f.waitForPermission(ctx, PermissionRequest{
		RequestID: requestID,
		SessionID: sessionID,
		ToolCall:  p.ToolCall,
		Options:   options,
	})
	f.opts.Metrics.RecordPermission(out.Outcome)
	return map[string]Outcome{"outcome": out}, nil
}

func (f *Facade) waitForPermission(ctx context.Context, req PermissionRequest) Outcome {
	if len(req.Options) == 0 {
		f.logger.Warn("permission request missing options")
		return Outcome{Outcome: OutcomeCancelled}
	}

	f.mu.Lock()
	if _, dup := f.permissions[req.RequestID]; dup {
		f.mu.Unlock()
		f.logger.Warn("permission request already pending", "request_id", req.RequestID)
		return DefaultOutcome(req.Options)
	}
	pending := &pendingPermission{options: req.Options, result: make(chan Outcome, 1)}
	f.permissions[req.RequestID] = pending
	f.mu.Unlock()

	if f.opts.OnPermissionRequest != nil {
		f.opts.OnPermissionRequest(req)
	}

	select {
	case out := <-pending.result:
		return out
	case <-ctx.Done():
		f.mu.Lock()
		if f.permissions[req.RequestID] == pending {
			delete(f.permissions, req.RequestID)
		}
		f.mu.Unlock()
		return Outcome{Outcome: OutcomeCancelled}
	}
}

// ResolvePermission answers a pending request. It reports whether a request
// with that id was pending.
func (f *Facade) ResolvePermission(requestID string, decision Outcome) bool {
	f.mu.Lock()
	pending, ok := f.permissions[requestID]
	if ok {
		delete(f.permissions, requestID)
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	pending.result <- normalizeDecision(pending.options, decision)
	return true
}

// CancelPermission cancels a pending request.
func (f *Facade) CancelPermission(requestID string) bool {
	return f.ResolvePermission(requestID, Outcome{Outcome: OutcomeCancelled})
}

// CancelAll cancels every pending request.
func (f *Facade) CancelAll() {
	f.mu.Lock()
	pending := f.permissions
	f.permissions = make(map[string]*pendingPermission)
	f.mu.Unlock()
	for _, p := range pending {
		p.result <- Outcome{Outcome: OutcomeCancelled}
	}
}

// PendingPermissions returns the ids of requests awaiting a decision.
func (f *Facade) PendingPermissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.permissions))
	for id := range f.permissions {
		ids = append(ids, id)
	}
	return ids
}
