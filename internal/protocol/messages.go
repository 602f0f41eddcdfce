// Package protocol defines the JSON messages exchanged with the
// orchestrator.
package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Inbound message types.
const (
	TypeAcpOpen                = "acp_open"
	TypePromptSend             = "prompt_send"
	TypeSessionCancel          = "session_cancel"
	TypeSessionSetMode         = "session_set_mode"
	TypeSessionSetModel        = "session_set_model"
	TypeSessionSetConfigOption = "session_set_config_option"
	TypeSessionPermission      = "session_permission"
	TypeAcpClose               = "acp_close"
	TypeSandboxControl         = "sandbox_control"
)

// Sandbox control actions.
const (
	ActionInspect         = "inspect"
	ActionEnsureRunning   = "ensure_running"
	ActionStop            = "stop"
	ActionRemove          = "remove"
	ActionRemoveImage     = "remove_image"
	ActionPruneOrphans    = "prune_orphans"
	ActionGC              = "gc"
	ActionRemoveWorkspace = "remove_workspace"
	ActionReportInventory = "report_inventory"
)

// Init carries the provisioning script and env of a run.
type Init struct {
	Script         string            `json:"script"`
	TimeoutSeconds *float64          `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	AgentInputs    json.RawMessage   `json:"agentInputs,omitempty"`
}

// ExpectedInstance is an instance the orchestrator believes should exist.
type ExpectedInstance struct {
	InstanceName string `json:"instance_name"`
	RunID        string `json:"run_id,omitempty"`
}

// Message is any inbound orchestrator message. Fields not used by a type are
// left zero.
type Message struct {
	Type string `json:"type"`

	RunID               string   `json:"run_id,omitempty"`
	InstanceName        string   `json:"instance_name,omitempty"`
	KeepaliveTTLSeconds *float64 `json:"keepalive_ttl_seconds,omitempty"`
	Init                *Init    `json:"init,omitempty"`

	PromptID  string          `json:"prompt_id,omitempty"`
	Prompt    json.RawMessage `json:"prompt,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Context   *string         `json:"context,omitempty"`
	TimeoutMs *float64        `json:"timeout_ms,omitempty"`

	ControlID string          `json:"control_id,omitempty"`
	ModeID    string          `json:"mode_id,omitempty"`
	ModelID   string          `json:"model_id,omitempty"`
	ConfigID  string          `json:"config_id,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`

	RequestID json.RawMessage `json:"request_id,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
	OptionID  string          `json:"option_id,omitempty"`

	Action            string             `json:"action,omitempty"`
	Image             string             `json:"image,omitempty"`
	ExpectedInstances []ExpectedInstance `json:"expected_instances,omitempty"`
	DryRun            bool               `json:"dry_run,omitempty"`
}

// Parse decodes one inbound message and checks the fields its type
// requires.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.Type = strings.TrimSpace(m.Type)
	if m.Type == "" {
		return nil, errors.New("type missing")
	}
	return &m, m.Validate()
}

// Validate reports the first missing or malformed field for m's type.
// Unknown types are not an error here.
func (m *Message) Validate() error {
	need := func(v, name string) error {
		if strings.TrimSpace(v) == "" {
			return errors.New(name + " missing")
		}
		return nil
	}
	var errs []error
	switch m.Type {
	case TypeAcpOpen, TypeAcpClose:
		errs = append(errs, need(m.RunID, "run_id"))
	case TypePromptSend:
		errs = append(errs, need(m.RunID, "run_id"), need(m.PromptID, "prompt_id"))
		if !IsJSONArray(m.Prompt) {
			errs = append(errs, errors.New("prompt must be array"))
		}
	case TypeSessionCancel:
		errs = append(errs, need(m.RunID, "run_id"), need(m.ControlID, "control_id"), need(m.SessionID, "session_id"))
	case TypeSessionSetMode:
		errs = append(errs, need(m.RunID, "run_id"), need(m.ControlID, "control_id"), need(m.SessionID, "session_id"), need(m.ModeID, "mode_id"))
	case TypeSessionSetModel:
		errs = append(errs, need(m.RunID, "run_id"), need(m.ControlID, "control_id"), need(m.SessionID, "session_id"), need(m.ModelID, "model_id"))
	case TypeSessionSetConfigOption:
		errs = append(errs, need(m.RunID, "run_id"), need(m.ControlID, "control_id"), need(m.SessionID, "session_id"), need(m.ConfigID, "config_id"))
	case TypeSessionPermission:
		errs = append(errs, need(m.RunID, "run_id"), need(m.RequestIDString(), "request_id"))
	case TypeSandboxControl:
		errs = append(errs, need(m.Action, "action"))
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RequestIDString returns request_id as the key the facade uses: string ids
// unquoted, numbers as written.
func (m *Message) RequestIDString() string {
	raw := strings.TrimSpace(string(m.RequestID))
	if raw == "" || raw == "null" {
		return ""
	}
	if s, err := strconv.Unquote(raw); err == nil {
		return strings.TrimSpace(s)
	}
	return raw
}

// IsJSONArray reports whether raw holds a JSON array.
func IsJSONArray(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "[") && json.Valid(raw)
}

// Now formats the current time the way every outbound timestamp is written.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
