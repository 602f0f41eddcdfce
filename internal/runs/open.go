package runs

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/worktree"
)

// ErrInitFailed is returned when the init script of a run fails.
var ErrInitFailed = errors.New("init_failed")

// Open makes sure r has an initialized agent. When none is running the
// workspace is prepared (git checkout in mount mode, agent inputs, the init
// script in exec mode) and the agent started. Callers hold the run queue.
func (m *Manager) Open(ctx context.Context, r *Run, init *protocol.Init) error {
	r.mu.Lock()
	b, initialized := r.agent, r.initialized
	r.mu.Unlock()
	if b != nil {
		if !initialized {
			_, err := m.EnsureInitialized(ctx, r)
			return err
		}
		return nil
	}

	var manifest *Manifest
	next := &protocol.Init{}
	if init != nil {
		*next = *init
		var err error
		if manifest, err = ParseAgentInputs(init.AgentInputs); err != nil {
			return err
		}
	}
	next.Env = m.agentEnv(r, next.Env, manifest)

	if err := m.prepareGit(ctx, r, next.Env); err != nil {
		return err
	}
	if err := m.applyInputs(ctx, r, manifest); err != nil {
		return err
	}
	if m.sb.AgentMode() == sandbox.AgentModeExec {
		if !m.RunInitScript(ctx, r, next) {
			return ErrInitFailed
		}
		// The script already ran; the agent must not run it again.
		next.Script = ""
	}
	if err := m.StartAgent(ctx, r, next); err != nil {
		return err
	}
	_, err := m.EnsureInitialized(ctx, r)
	return err
}

// agentEnv copies the init env, points USER_HOME and HOME at the guest home
// when unset and applies the manifest env patch.
func (m *Manager) agentEnv(r *Run, env map[string]string, mf *Manifest) map[string]string {
	out := maps.Clone(env)
	if out == nil {
		out = make(map[string]string)
	}
	r.mu.Lock()
	home := r.userHomeGuest
	r.mu.Unlock()
	if home != "" {
		if strings.TrimSpace(out["USER_HOME"]) == "" {
			out["USER_HOME"] = home
		}
		if strings.TrimSpace(out["HOME"]) == "" {
			out["HOME"] = home
		}
	}
	if mf != nil {
		maps.Copy(out, mf.EnvPatch)
	}
	return out
}

// prepareGit checks out the run branch into the host workspace. Only mount
// mode has a host workspace; it is prepared once per run.
func (m *Manager) prepareGit(ctx context.Context, r *Run, env map[string]string) error {
	repo, branch, base, ok := worktree.OptionsFromEnv(env)
	if !ok || m.cfg.WorkspaceMode != WorkspaceMount {
		return nil
	}
	r.mu.Lock()
	ws, ready := r.hostWorkspace, r.workspaceReady
	r.mu.Unlock()
	if ready || ws == "" {
		return nil
	}
	root, err := sandbox.HostAbs(m.cfg.WorkspaceHostRoot)
	if err != nil {
		return err
	}
	res, err := worktree.Prepare(ctx, worktree.Options{
		Root:       root,
		Workspace:  ws,
		RepoURL:    repo,
		Branch:     branch,
		BaseBranch: base,
		Checkout:   m.cfg.WorkspaceCheckout,
		Env:        env,
		Step: func(stage, status, message string) {
			m.SendUpdate(r.ID, protocol.InitStep(stage, status, message))
		},
		Logger: m.logger.With("run_id", r.ID),
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.repoPath = res.RepoPath
	r.workspaceReady = true
	r.mu.Unlock()
	return nil
}

// OpenRun serializes Open on the run queue.
func (m *Manager) OpenRun(ctx context.Context, r *Run, init *protocol.Init) error {
	return m.Enqueue(ctx, r, func(ctx context.Context) error {
		return m.Open(ctx, r, init)
	})
}

// CloseRun closes the agent of r and starts its keep-alive countdown. The
// instance stays until the sweep removes it.
func (m *Manager) CloseRun(ctx context.Context, r *Run) error {
	return m.Enqueue(ctx, r, func(ctx context.Context) error {
		m.CloseAgent(ctx, r, "requested")
		m.SetExpiry(r)
		return nil
	})
}
