// Package bridge multiplexes one agent process's stdio into correlated
// JSON-RPC calls, replies and notifications, and detects the init result
// marker an entrypoint prints on stderr.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// DefaultCallTimeout bounds an outbound call unless overridden.
const DefaultCallTimeout = 300 * time.Second

// StderrKind tells init output apart from agent diagnostics.
type StderrKind string

const (
	StderrInit  StderrKind = "init"
	StderrAgent StderrKind = "agent"
)

// RequestHandler answers a call from the agent. Returning an *RPCError
// chooses the reply code; any other error replies with CodeApplication.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// NotificationHandler receives agent notifications in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// Options configure a Bridge. Every field is optional.
type Options struct {
	// InitPending makes the bridge wait for the init result marker.
	InitPending  bool
	MarkerPrefix string
	// Redact filters every stderr line before it is surfaced.
	Redact         func(string) string
	OnRequest      RequestHandler
	OnNotification NotificationHandler
	OnStderr       func(line string, kind StderrKind)
	// OnExit fires once when the agent exits, unless the bridge was closed.
	OnExit      func(process.ExitInfo)
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// CallOptions override per-call behavior.
type CallOptions struct {
	Timeout time.Duration
}

// InitResult is the payload of the init result marker.
type InitResult struct {
	OK       bool `json:"ok"`
	ExitCode *int `json:"exitCode"`
}

type initOutcome struct {
	res InitResult
	err error
}

// Bridge owns one agent process.
type Bridge struct {
	h      process.Handle
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *Reply
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	initWanted  bool
	initPending atomic.Bool
	initCh      chan initOutcome
	initOnce    sync.Once
	stderrDone  chan struct{}
	readDone    chan struct{}
}

// New starts reading h's stdout and stderr.
func New(h process.Handle, opts Options) *Bridge {
	if opts.MarkerPrefix == "" {
		opts.MarkerPrefix = sandbox.InitResultPrefix
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Redact == nil {
		opts.Redact = func(s string) string { return s }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		h:          h,
		opts:       opts,
		logger:     logger,
		pending:    make(map[string]chan *Reply),
		ctx:        ctx,
		cancel:     cancel,
		initWanted: opts.InitPending,
		initCh:     make(chan initOutcome, 1),
		stderrDone: make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	b.initPending.Store(opts.InitPending)

	go b.readLoop()
	go b.stderrLoop()
	h.OnExit(func(info process.ExitInfo) {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed || opts.OnExit == nil {
			return
		}
		opts.OnExit(info)
	})
	return b
}

// Handle returns the agent process.
func (b *Bridge) Handle() process.Handle { return b.h }

// Done is closed when the agent process has exited.
func (b *Bridge) Done() <-chan struct{} { return b.h.Done() }

// Closed reports whether Close was called.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.Closed() {
		return ErrClosed
	}
	_, err = b.h.Stdin().Write(data)
	return err
}

// Notify sends a notification to the agent.
func (b *Bridge) Notify(method string, params any) error {
	return b.write(wireOut{JSONRPC: "2.0", Method: method, Params: params})
}

// Call sends a request and decodes the reply's result into result, which
// may be nil.
func (b *Bridge) Call(ctx context.Context, method string, params, result any) error {
	return b.CallWith(ctx, method, params, result, CallOptions{})
}

// CallWith is Call with per-call options.
func (b *Bridge) CallWith(ctx context.Context, method string, params, result any, opts CallOptions) error {
	raw, err := b.call(ctx, method, params, opts)
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (b *Bridge) call(ctx context.Context, method string, params any, opts CallOptions) (json.RawMessage, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.opts.CallTimeout
	}
	id := b.nextID.Add(1)
	key := strconv.FormatInt(id, 10)
	ch := make(chan *Reply, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[key] = ch
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}

	if err := b.write(wireOut{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		forget()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		return replyResult(r, ok)
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("rpc timeout after %s: %s: %w", timeout, method, ErrTimeout)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	}
}

func replyResult(r *Reply, ok bool) (json.RawMessage, error) {
	if !ok {
		return nil, ErrClosed
	}
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

// WaitForInitResult waits for the init result marker. It fails with a
// timeout error, or when the agent exits without printing one. Without a
// pending init it returns OK at once.
func (b *Bridge) WaitForInitResult(ctx context.Context, timeout time.Duration) (InitResult, error) {
	if !b.initWanted {
		return InitResult{OK: true}, nil
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-b.initCh:
		b.initCh <- out
		return out.res, out.err
	case <-b.h.Done():
		// The marker line may still be in flight on stderr.
		select {
		case <-b.stderrDone:
		case <-time.After(2 * time.Second):
		}
		select {
		case out := <-b.initCh:
			b.initCh <- out
			return out.res, out.err
		default:
		}
		return InitResult{}, fmt.Errorf("agent exited before init result (%s)", b.h.ExitInfo())
	case <-timer.C:
		return InitResult{}, fmt.Errorf("init timeout after %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return InitResult{}, ctx.Err()
	case <-b.ctx.Done():
		return InitResult{}, ErrClosed
	}
}

func (b *Bridge) resolveInit(res InitResult, err error) {
	b.initOnce.Do(func() {
		b.initPending.Store(false)
		b.initCh <- initOutcome{res: res, err: err}
	})
}

// Close fails pending calls and closes the agent process. It is idempotent.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.failPendingLocked()
	b.mu.Unlock()
	b.cancel()
	return b.h.Close(ctx)
}

func (b *Bridge) failPendingLocked() {
	for key, ch := range b.pending {
		close(ch)
		delete(b.pending, key)
	}
}

func (b *Bridge) readLoop() {
	defer close(b.readDone)
	defer func() {
		b.mu.Lock()
		b.failPendingLocked()
		b.mu.Unlock()
	}()

	br := bufio.NewReaderSize(b.h.Stdout(), 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			b.handleLine(trimmed)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !b.Closed() {
				b.logger.Debug("agent stdout ended", "err", err)
			}
			return
		}
	}
}

func (b *Bridge) handleLine(line []byte) {
	if line[0] != '{' {
		b.logger.Debug("skipping non-json agent output", "line", b.opts.Redact(string(line)))
		return
	}
	msg, err := Parse(line)
	if err != nil {
		b.logger.Debug("unparseable agent message", "err", err)
		return
	}
	switch m := msg.(type) {
	case *Reply:
		b.mu.Lock()
		ch, ok := b.pending[idKey(m.ID)]
		if ok {
			delete(b.pending, idKey(m.ID))
		}
		b.mu.Unlock()
		if ok {
			ch <- m
		}
	case *Call:
		go b.answer(m)
	case *Notification:
		if b.opts.OnNotification != nil {
			b.opts.OnNotification(m.Method, m.Params)
		}
	}
}

func (b *Bridge) answer(c *Call) {
	if b.opts.OnRequest == nil {
		b.reply(c.ID, nil, NewError(CodeMethodNotFound, "method not found: "+c.Method))
		return
	}
	result, err := b.opts.OnRequest(withCallID(b.ctx, c.ID), c.Method, c.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(CodeApplication, err.Error())
		}
		b.reply(c.ID, nil, rpcErr)
		return
	}
	b.reply(c.ID, result, nil)
}

func (b *Bridge) reply(id json.RawMessage, result any, rpcErr *RPCError) {
	out := wireReply{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		out.Error = rpcErr
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			out.Error = NewError(CodeInternal, "marshal result: "+err.Error())
		} else {
			out.Result = data
		}
	}
	if err := b.write(out); err != nil {
		b.logger.Debug("reply to agent failed", "err", err)
	}
}

func (b *Bridge) stderrLoop() {
	defer close(b.stderrDone)
	stderr := b.h.Stderr()
	if stderr == nil {
		if b.initWanted {
			b.resolveInit(InitResult{}, errors.New("stderr not available"))
		}
		return
	}
	process.ScanLines(stderr, func(raw string) {
		line := b.opts.Redact(raw)
		if strings.TrimSpace(line) == "" {
			return
		}
		b.onStderrLine(line)
	})
}

func (b *Bridge) onStderrLine(line string) {
	marker := strings.HasPrefix(line, b.opts.MarkerPrefix)
	if !b.initPending.Load() {
		if marker {
			return
		}
		b.emitStderr(line, StderrAgent)
		return
	}
	if !marker {
		b.emitStderr(line, StderrInit)
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, b.opts.MarkerPrefix))
	var res InitResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		b.resolveInit(InitResult{}, fmt.Errorf("init marker JSON parse failed: %w; payload=%q", err, payload))
		return
	}
	b.resolveInit(res, nil)
}

func (b *Bridge) emitStderr(line string, kind StderrKind) {
	if b.opts.OnStderr != nil {
		b.opts.OnStderr(line, kind)
	}
}

type wireOut struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wireReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}
