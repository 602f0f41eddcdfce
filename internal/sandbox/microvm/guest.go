package microvm

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
)

// GuestAgentPort is the vsock port the guest agent listens on.
const GuestAgentPort = 52

// maxFrameSize bounds a single guest frame.
const maxFrameSize = 16 << 20

// Frame types. The host sends exec, stdin, stdin_close and signal; the guest
// answers with stdout, stderr, exit and error.
const (
	frameExec       = "exec"
	frameStdin      = "stdin"
	frameStdinClose = "stdin_close"
	frameSignal     = "signal"
	frameStdout     = "stdout"
	frameStderr     = "stderr"
	frameExit       = "exit"
	frameError      = "error"
)

// ExecRequest starts one process in the guest.
type ExecRequest struct {
	Command []string          `json:"command"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env,omitempty"`
}

type frame struct {
	Type    string            `json:"type"`
	Command []string          `json:"command,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Data    []byte            `json:"data,omitempty"`
	Signal  string            `json:"signal,omitempty"`
	Code    *int              `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// DialVsock connects to a guest port through the firecracker vsock unix
// socket using the host-initiated "CONNECT <port>" handshake.
func DialVsock(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock socket: %w", err)
	}
	if err := handshake(conn, port); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(conn net.Conn, port uint32) error {
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return fmt.Errorf("vsock connect: %w", err)
	}
	// Read byte by byte so no frame data is swallowed by a buffer.
	var line strings.Builder
	b := make([]byte, 1)
	for line.Len() < 64 {
		if _, err := io.ReadFull(conn, b); err != nil {
			return fmt.Errorf("vsock handshake: %w", err)
		}
		if b[0] == '\n' {
			break
		}
		line.WriteByte(b[0])
	}
	if reply := line.String(); !strings.HasPrefix(reply, "OK") {
		return fmt.Errorf("vsock handshake rejected: %q", reply)
	}
	return nil
}

func writeFrame(w io.Writer, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return frame{}, fmt.Errorf("guest frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decode guest frame: %w", err)
	}
	return f, nil
}

// guestProcess is a process.Handle for a process running in the guest,
// multiplexed over one vsock connection.
type guestProcess struct {
	conn    net.Conn
	grace   time.Duration
	logger  *slog.Logger
	exit    *process.Exit
	stdin   *guestStdin
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ process.Handle = (*guestProcess)(nil)

// startGuestProcess sends the exec frame on conn and returns the handle.
// The handle owns conn from then on.
func startGuestProcess(conn net.Conn, req ExecRequest, logger *slog.Logger) (*guestProcess, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &guestProcess{
		conn:   conn,
		grace:  process.DefaultGrace,
		logger: logger,
		exit:   process.NewExit(),
	}
	p.stdin = &guestStdin{p: p}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	if err := p.send(frame{Type: frameExec, Command: req.Command, Cwd: req.Cwd, Env: req.Env}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("guest exec: %w", err)
	}
	go p.readLoop()
	return p, nil
}

func (p *guestProcess) send(f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.conn, f)
}

func (p *guestProcess) readLoop() {
	br := bufio.NewReader(p.conn)
	info := process.ExitInfo{}
	defer func() {
		p.conn.Close()
		p.stdoutW.Close()
		p.stderrW.Close()
		p.exit.Resolve(info)
	}()
	for {
		f, err := readFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("guest connection ended", "err", err)
			}
			return
		}
		switch f.Type {
		case frameStdout:
			if _, err := p.stdoutW.Write(f.Data); err != nil {
				p.logger.Debug("dropping guest stdout", "err", err)
			}
		case frameStderr:
			if _, err := p.stderrW.Write(f.Data); err != nil {
				p.logger.Debug("dropping guest stderr", "err", err)
			}
		case frameExit:
			info = process.ExitInfo{Code: f.Code, Signal: f.Signal}
			return
		case frameError:
			p.stderrW.Write([]byte(f.Message + "\n"))
			p.logger.Warn("guest agent error", "message", f.Message)
			return
		default:
			p.logger.Debug("unknown guest frame", "type", f.Type)
		}
	}
}

func (p *guestProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *guestProcess) Stdout() io.Reader { return p.stdoutR }
func (p *guestProcess) Stderr() io.Reader { return p.stderrR }
func (p *guestProcess) Done() <-chan struct{} { return p.exit.Done() }
func (p *guestProcess) ExitInfo() process.ExitInfo { return p.exit.Info() }
func (p *guestProcess) OnExit(fn func(process.ExitInfo)) { p.exit.OnExit(fn) }

func (p *guestProcess) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.terminate(ctx)
	})
	return p.closeErr
}

func (p *guestProcess) terminate(ctx context.Context) error {
	defer p.conn.Close()
	_ = p.stdin.Close()

	select {
	case <-p.exit.Done():
		return nil
	default:
	}
	if err := p.send(frame{Type: frameSignal, Signal: process.SignalName(syscall.SIGTERM)}); err != nil {
		return nil
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exit.Done():
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = p.send(frame{Type: frameSignal, Signal: process.SignalName(syscall.SIGKILL)})
	select {
	case <-p.exit.Done():
	case <-time.After(time.Second):
	}
	return nil
}

type guestStdin struct {
	p      *guestProcess
	mu     sync.Mutex
	closed bool
}

func (s *guestStdin) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if err := s.p.send(frame{Type: frameStdin, Data: b}); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *guestStdin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	select {
	case <-s.p.exit.Done():
		return nil
	default:
	}
	return s.p.send(frame{Type: frameStdinClose})
}
