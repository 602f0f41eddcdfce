package runs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zpdzap/acpproxy/internal/process"
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/redact"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// InitStepPrefix marks an init progress line: stage:status:message.
const InitStepPrefix = "__TUIXIU_INIT_STEP__:"

// InitStep is one parsed init progress line.
type InitStep struct {
	Stage   string
	Status  string
	Message string
}

// ParseInitStep parses a line written by an init script to report progress.
// A missing status means "progress"; the message may itself contain colons.
func ParseInitStep(line string) (InitStep, bool) {
	raw, ok := strings.CutPrefix(line, InitStepPrefix)
	if !ok {
		return InitStep{}, false
	}
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
	step := InitStep{Stage: strings.TrimSpace(parts[0]), Status: "progress"}
	if step.Stage == "" {
		return InitStep{}, false
	}
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		step.Status = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		step.Message = strings.TrimSpace(parts[2])
	}
	return step, true
}

func (s InitStep) content() protocol.InitStepContent {
	return protocol.InitStep(s.Stage, s.Status, s.Message)
}

// FilterInitEnv keeps the init env keys the agent may see: the configured
// allowlist plus CODEX_HOME.
func (m *Manager) FilterInitEnv(runID string, env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	allow := map[string]bool{"CODEX_HOME": true}
	for _, k := range m.cfg.AgentEnvAllowlist {
		if k = strings.TrimSpace(k); k != "" {
			allow[k] = true
		}
	}
	out := make(map[string]string)
	keys := make([]string, 0, len(env))
	for k, v := range env {
		if allow[k] {
			out[k] = v
			keys = append(keys, k)
		}
	}
	m.logger.Debug("agent env allowlist applied", "run_id", runID, "keys", keys)
	return out
}

func initTimeout(init *protocol.Init) time.Duration {
	if init == nil {
		return DefaultInitTimeout
	}
	return clampSeconds(init.TimeoutSeconds, DefaultInitTimeout, MinInitTimeout, MaxInitTimeout)
}

// RunInitScript runs init.script inside the run's instance with bash and
// streams its progress as proxy updates. It reports whether init succeeded.
// The host-process backend and empty scripts succeed at once.
func (m *Manager) RunInitScript(ctx context.Context, r *Run, init *protocol.Init) bool {
	if m.sb.Provider() == sandbox.ProviderHost {
		m.logger.Info("host_process skips init script", "run_id", r.ID)
		return true
	}
	if init == nil || strings.TrimSpace(init.Script) == "" {
		return true
	}
	timeout := initTimeout(init)
	env := m.FilterInitEnv(r.ID, init.Env)
	red := redact.New(redact.PickSecretValues(env)...)

	m.sendText(r.ID, fmt.Sprintf("[init] start (bash, timeout=%ds)", int(timeout.Seconds())))

	h, err := m.sb.ExecProcess(ctx, sandbox.ExecOptions{
		InstanceName: r.InstanceName,
		Command:      []string{"bash", "-lc", strings.TrimSpace(init.Script)},
		CwdInGuest:   DefaultCwd(m.cfg.WorkspaceMode, r.ID),
		Env:          env,
	})
	if err != nil {
		msg := err.Error()
		m.SendUpdate(r.ID, protocol.InitStep("init", "failed", msg))
		m.SendUpdate(r.ID, protocol.InitResult(false, nil, msg))
		return false
	}
	defer h.Close(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	stream := func(rd io.Reader, label string) {
		defer wg.Done()
		process.ScanLines(rd, func(line string) {
			text := red.Line(line)
			if strings.TrimSpace(text) == "" {
				return
			}
			if step, ok := ParseInitStep(text); ok {
				m.SendUpdate(r.ID, step.content())
				return
			}
			m.logger.Debug("init output", "run_id", r.ID, "stream", label, "text", text)
			m.sendText(r.ID, "[init:"+label+"] "+text)
		})
	}
	wg.Add(1)
	go stream(h.Stdout(), "stdout")
	if h.Stderr() != nil {
		wg.Add(1)
		go stream(h.Stderr(), "stderr")
	}
	h.Stdin().Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		m.SendUpdate(r.ID, protocol.InitResult(false, nil, fmt.Sprintf("timeout after %ds", int(timeout.Seconds()))))
		h.Close(context.WithoutCancel(ctx))
		wg.Wait()
		return false
	case <-ctx.Done():
		m.SendUpdate(r.ID, protocol.InitResult(false, nil, ctx.Err().Error()))
		h.Close(context.WithoutCancel(ctx))
		wg.Wait()
		return false
	}
	wg.Wait()

	info := h.ExitInfo()
	if info.ExitCode() != 0 {
		m.SendUpdate(r.ID, protocol.InitResult(false, info.Code, info.String()))
		return false
	}
	m.SendUpdate(r.ID, protocol.InitResult(true, nil, ""))
	m.sendText(r.ID, "[init] done")
	return true
}
