package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC error codes used across the proxy.
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
	CodeApplication    = -32000
	CodeNotFound       = -32004
)

var (
	// ErrTimeout is wrapped by call and init timeouts.
	ErrTimeout = errors.New("timeout")
	// ErrClosed is returned for calls on a closed bridge and for calls still
	// pending when the agent's output ends.
	ErrClosed = errors.New("agent closed")
)

// RPCError is a JSON-RPC error object. It is returned by Call when the agent
// replies with an error, and handlers return it to choose the reply code.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError returns an RPCError with the given code.
func NewError(code int, msg string) *RPCError {
	return &RPCError{Code: code, Message: msg}
}

// ErrorCode returns the JSON-RPC code carried by err, if any.
func ErrorCode(err error) (int, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}
	return 0, false
}

// Message is one inbound line: a *Reply, a *Call or a *Notification.
type Message interface {
	isMessage()
}

// Reply answers one of our outbound calls.
type Reply struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// Call is a request from the agent that expects a reply.
type Call struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Notification is a one-way message from the agent.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Reply) isMessage()        {}
func (*Call) isMessage()         {}
func (*Notification) isMessage() {}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func hasID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Parse classifies one JSON line. A method with an id is a Call, a method
// without one is a Notification, and an id with a result or error is a Reply.
func Parse(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("invalid json-rpc message: %w", err)
	}
	switch {
	case w.Method != "" && hasID(w.ID):
		return &Call{ID: w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case hasID(w.ID) && (w.Result != nil || w.Error != nil):
		return &Reply{ID: w.ID, Result: w.Result, Error: w.Error}, nil
	}
	return nil, errors.New("invalid json-rpc message: neither call, notification nor reply")
}

// idKey normalizes an id for the pending table.
func idKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}

type callIDKey struct{}

func withCallID(ctx context.Context, id json.RawMessage) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the id of the agent call a RequestHandler is answering, as
// text: string ids unquoted, numbers verbatim. It is "" outside a handler.
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(json.RawMessage)
	if len(id) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(id, &s) == nil {
		return s
	}
	return idKey(id)
}
