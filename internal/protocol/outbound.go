package protocol

import "encoding/json"

// Update is a proxy_update envelope. Content is one of the *Content types
// below.
type Update struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Content any    `json:"content"`
}

// NewUpdate wraps content for runID.
func NewUpdate(runID string, content any) Update {
	return Update{Type: "proxy_update", RunID: runID, Content: content}
}

type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func Text(text string) TextContent { return TextContent{Type: "text", Text: text} }

type InitStepContent struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func InitStep(stage, status, message string) InitStepContent {
	return InitStepContent{Type: "init_step", Stage: stage, Status: status, Message: message}
}

type InitResultContent struct {
	Type     string `json:"type"`
	OK       bool   `json:"ok"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

func InitResult(ok bool, exitCode *int, errText string) InitResultContent {
	return InitResultContent{Type: "init_result", OK: ok, ExitCode: exitCode, Error: errText}
}

type InstanceStatusContent struct {
	Type         string  `json:"type"`
	InstanceName string  `json:"instance_name"`
	Provider     string  `json:"provider"`
	Runtime      *string `json:"runtime"`
	Status       string  `json:"status"`
	LastSeenAt   string  `json:"last_seen_at"`
	LastError    *string `json:"last_error"`
}

type PermissionRequestContent struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	PromptID  *string         `json:"prompt_id"`
	ToolCall  json.RawMessage `json:"tool_call,omitempty"`
	Options   any             `json:"options"`
}

type TransportConnectedContent struct {
	Type         string `json:"type"`
	InstanceName string `json:"instance_name"`
	At           string `json:"at"`
}

type TransportDisconnectedContent struct {
	Type         string  `json:"type"`
	InstanceName string  `json:"instance_name"`
	Code         *int    `json:"code"`
	Signal       *string `json:"signal"`
	At           string  `json:"at"`
	Reason       string  `json:"reason"`
}

// AcpUpdate forwards one agent session/update notification.
type AcpUpdate struct {
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	PromptID  *string         `json:"prompt_id"`
	SessionID *string         `json:"session_id"`
	Update    json.RawMessage `json:"update"`
}

type AcpExit struct {
	Type         string  `json:"type"`
	RunID        string  `json:"run_id"`
	InstanceName string  `json:"instance_name"`
	Code         *int    `json:"code"`
	Signal       *string `json:"signal"`
}

// Result answers acp_open and acp_close.
type Result struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type PromptResult struct {
	Type                 string  `json:"type"`
	RunID                string  `json:"run_id"`
	PromptID             *string `json:"prompt_id"`
	OK                   bool    `json:"ok"`
	SessionID            string  `json:"session_id,omitempty"`
	StopReason           string  `json:"stop_reason,omitempty"`
	SessionCreated       bool    `json:"session_created,omitempty"`
	SessionRecreatedFrom string  `json:"session_recreated_from,omitempty"`
	Error                string  `json:"error,omitempty"`
}

type SessionControlResult struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	ControlID string `json:"control_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// InstanceRef names an instance in inventories and GC plans.
type InstanceRef struct {
	InstanceName string  `json:"instance_name"`
	RunID        *string `json:"run_id"`
}

// GCPlan lists what a gc action deletes, or would delete on a dry run.
type GCPlan struct {
	Deletes    []InstanceRef `json:"deletes"`
	Workspaces []string      `json:"workspaces"`
}

type SandboxControlResult struct {
	Type         string         `json:"type"`
	RunID        *string        `json:"run_id"`
	InstanceName *string        `json:"instance_name"`
	Action       string         `json:"action"`
	OK           bool           `json:"ok"`
	Status       string         `json:"status,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Planned      *GCPlan        `json:"planned,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type InventoryInstance struct {
	InstanceName string  `json:"instance_name"`
	RunID        *string `json:"run_id"`
	Status       string  `json:"status"`
	CreatedAt    *string `json:"created_at"`
	LastSeenAt   string  `json:"last_seen_at"`
}

type SandboxInventory struct {
	Type             string              `json:"type"`
	InventoryID      string              `json:"inventory_id"`
	Provider         string              `json:"provider"`
	Runtime          *string             `json:"runtime"`
	CapturedAt       string              `json:"captured_at"`
	Instances        []InventoryInstance `json:"instances"`
	MissingInstances []InstanceRef       `json:"missing_instances,omitempty"`
	DeletedInstances []InstanceRef       `json:"deleted_instances,omitempty"`
}

type WorkspaceEntry struct {
	WorkspaceMode string  `json:"workspace_mode"`
	RunID         string  `json:"run_id"`
	InstanceName  string  `json:"instance_name"`
	HostPath      *string `json:"host_path"`
	GuestPath     string  `json:"guest_path"`
	Exists        bool    `json:"exists"`
	Mtime         *string `json:"mtime"`
	SizeBytes     *int64  `json:"size_bytes"`
}

type WorkspaceInventory struct {
	Type          string           `json:"type"`
	InventoryID   string           `json:"inventory_id"`
	CapturedAt    string           `json:"captured_at"`
	WorkspaceMode string           `json:"workspace_mode"`
	Workspaces    []WorkspaceEntry `json:"workspaces"`
}

type RuntimeCaps struct {
	Platform  string  `json:"platform"`
	Arch      string  `json:"arch"`
	IsWSL     bool    `json:"isWsl"`
	WSLDistro *string `json:"wslDistro"`
}

type SandboxCaps struct {
	Provider        string  `json:"provider"`
	TerminalEnabled bool    `json:"terminalEnabled"`
	AgentMode       string  `json:"agentMode"`
	Image           *string `json:"image"`
	WorkingDir      *string `json:"workingDir"`
	Runtime         string  `json:"runtime,omitempty"`
	WorkspaceMode   string  `json:"workspaceMode,omitempty"`
}

type Capabilities struct {
	Runtime   RuntimeCaps `json:"runtime"`
	Sandbox   SandboxCaps `json:"sandbox"`
	AcpTunnel bool        `json:"acpTunnel"`
}

type AgentInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	MaxConcurrent int          `json:"max_concurrent"`
	Capabilities  Capabilities `json:"capabilities"`
}

type RegisterAgent struct {
	Type  string    `json:"type"`
	Agent AgentInfo `json:"agent"`
}

type Heartbeat struct {
	Type      string `json:"type"`
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
