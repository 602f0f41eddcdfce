package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/worktree"
)

// removeWorkspaceTimeout bounds the in-instance rm of a git_clone workspace.
const removeWorkspaceTimeout = 2 * time.Minute

func (p *Proxy) handleSandboxControl(ctx context.Context, msg *protocol.Message) {
	runID := strings.TrimSpace(msg.RunID)
	instance := strings.TrimSpace(msg.InstanceName)
	action := strings.TrimSpace(msg.Action)

	res := protocol.SandboxControlResult{
		Type:         "sandbox_control_result",
		RunID:        protocol.StringPtr(runID),
		InstanceName: protocol.StringPtr(instance),
		Action:       action,
	}
	err := p.sandboxAction(ctx, msg, &res)
	p.metrics.RecordSandboxAction(action, err)
	if err != nil {
		p.logger.Warn("sandbox control failed", "action", action, "run_id", runID, "instance", instance, "err", err)
		if runID != "" && instance != "" && !errors.Is(err, errUnsupportedAction) {
			p.runs.SendInstanceStatus(runID, instance, sandbox.StatusError, err.Error())
		}
		res.OK = false
		res.Error = err.Error()
	} else {
		res.OK = true
	}
	p.runs.Send(res)
}

// expectedInstances drops malformed entries.
func (p *Proxy) expectedInstances(in []protocol.ExpectedInstance) []protocol.ExpectedInstance {
	if in == nil {
		return nil
	}
	out := []protocol.ExpectedInstance{}
	for _, e := range in {
		name, err := sandbox.ValidateInstanceName(e.InstanceName)
		if err != nil {
			p.logger.Warn("invalid expected_instances entry", "err", err)
			continue
		}
		runID := strings.TrimSpace(e.RunID)
		if runID != "" {
			if runID, err = sandbox.ValidateRunID(runID); err != nil {
				p.logger.Warn("invalid expected_instances entry", "err", err)
				continue
			}
		}
		out = append(out, protocol.ExpectedInstance{InstanceName: name, RunID: runID})
	}
	return out
}

func (p *Proxy) sandboxAction(ctx context.Context, msg *protocol.Message, res *protocol.SandboxControlResult) error {
	runID := strings.TrimSpace(msg.RunID)
	action := strings.TrimSpace(msg.Action)
	switch action {
	case protocol.ActionReportInventory:
		if err := p.ReportInventory(ctx, p.expectedInstances(msg.ExpectedInstances), nil); err != nil {
			return err
		}
		return p.ReportWorkspaceInventory(ctx)

	case protocol.ActionRemoveImage:
		image := strings.TrimSpace(msg.Image)
		if image == "" {
			return errors.New("image missing")
		}
		return p.sb.RemoveImage(ctx, image)

	case protocol.ActionPruneOrphans:
		return p.collect(ctx, msg, res, false)

	case protocol.ActionGC:
		return p.collect(ctx, msg, res, true)

	case protocol.ActionRemoveWorkspace:
		return p.removeWorkspace(ctx, msg)
	}

	switch action {
	case protocol.ActionInspect, protocol.ActionEnsureRunning, protocol.ActionStop, protocol.ActionRemove:
	default:
		return errUnsupportedAction
	}

	instance, err := sandbox.ValidateInstanceName(msg.InstanceName)
	if err != nil {
		return err
	}

	switch action {
	case protocol.ActionInspect:
		info, err := p.sb.InspectInstance(ctx, instance)
		if err != nil {
			return err
		}
		if runID != "" {
			p.runs.SendInstanceStatus(runID, instance, info.Status, "")
		}
		res.Status = string(info.Status)
		res.Details = map[string]any{"created_at": createdAt(info)}

	case protocol.ActionEnsureRunning:
		id, err := sandbox.ValidateRunID(runID)
		if err != nil {
			return err
		}
		info, err := p.sb.EnsureInstanceRunning(ctx, sandbox.EnsureOptions{
			RunID:              id,
			InstanceName:       instance,
			WorkspaceGuestPath: sandbox.WorkspaceGuestPath,
		})
		if err != nil {
			return err
		}
		p.runs.SendInstanceStatus(id, instance, info.Status, "")
		res.Status = string(info.Status)
		res.Details = map[string]any{"created_at": createdAt(info)}

	case protocol.ActionStop:
		if r := p.runs.Get(runID); runID != "" && r != nil {
			p.runs.CloseAgent(ctx, r, "sandbox_control_stop")
		}
		if err := p.sb.StopInstance(ctx, instance); err != nil {
			return err
		}
		info, err := p.sb.InspectInstance(ctx, instance)
		if err != nil {
			return err
		}
		if runID != "" {
			p.runs.SendInstanceStatus(runID, instance, info.Status, "")
		}
		res.Status = string(info.Status)

	case protocol.ActionRemove:
		if runID != "" {
			if r := p.runs.Get(runID); r != nil {
				p.runs.CloseAgent(ctx, r, "sandbox_control_remove")
			}
			p.runs.Delete(runID)
		}
		if err := p.sb.RemoveInstance(ctx, instance); err != nil {
			return err
		}
		if runID != "" {
			p.runs.SendInstanceStatus(runID, instance, sandbox.StatusMissing, "")
		}
		res.Status = string(sandbox.StatusMissing)
		ref := protocol.InstanceRef{InstanceName: instance, RunID: protocol.StringPtr(runID)}
		if ref.RunID == nil {
			ref = instanceRef(instance)
		}
		if err := p.ReportInventory(ctx, nil, []protocol.InstanceRef{ref}); err != nil {
			p.logger.Warn("report inventory after remove failed", "err", err)
		}
	}
	return nil
}

func createdAt(info sandbox.Instance) any {
	if info.CreatedAt.IsZero() {
		return nil
	}
	return info.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// collect removes managed instances the orchestrator no longer expects. gc
// also removes orphaned mount-mode workspaces and honours dry_run.
func (p *Proxy) collect(ctx context.Context, msg *protocol.Message, res *protocol.SandboxControlResult, gc bool) error {
	if msg.ExpectedInstances == nil {
		return errors.New("expected_instances missing")
	}
	expected := p.expectedInstances(msg.ExpectedInstances)
	in := GCInput{Keep: make(map[string]bool), KeepRuns: make(map[string]bool)}
	for _, e := range expected {
		in.Keep[e.InstanceName] = true
		if e.RunID != "" {
			in.KeepRuns[e.RunID] = true
		}
	}
	if gc {
		cfg := p.runs.Config()
		in.WorkspaceMode, in.HostRoot = cfg.WorkspaceMode, cfg.WorkspaceHostRoot
	}
	plan, err := PlanGC(ctx, p.sb, in)
	if err != nil {
		return err
	}
	if gc {
		res.Planned = plan.Wire()
		if msg.DryRun {
			return nil
		}
	}

	for _, ref := range plan.Instances {
		if ref.RunID == nil {
			continue
		}
		if r := p.runs.Get(*ref.RunID); r != nil && r.InstanceName == ref.InstanceName {
			p.runs.CloseAgent(ctx, r, "orphan_pruned")
			p.runs.Delete(r.ID)
		}
	}
	deleted, applyErr := ApplyGC(ctx, p.sb, in.HostRoot, plan, p.logger)
	if len(deleted) > 0 {
		if err := p.ReportInventory(ctx, nil, deleted); err != nil {
			p.logger.Warn("report inventory after prune failed", "err", err)
		}
	}
	if gc && len(plan.Workspaces) > 0 {
		if err := p.ReportWorkspaceInventory(ctx); err != nil {
			p.logger.Warn("report workspace inventory after gc failed", "err", err)
		}
	}
	return applyErr
}

// removeWorkspace deletes a run workspace: the host directory in mount mode,
// the guest directory inside the instance in git_clone mode.
func (p *Proxy) removeWorkspace(ctx context.Context, msg *protocol.Message) error {
	runID, err := sandbox.ValidateRunID(msg.RunID)
	if err != nil {
		return err
	}
	cfg := p.runs.Config()
	if cfg.WorkspaceMode != runs.WorkspaceGitClone {
		if strings.TrimSpace(cfg.WorkspaceHostRoot) == "" {
			return errors.New("workspace_host_root is not configured")
		}
		root, err := sandbox.HostAbs(cfg.WorkspaceHostRoot)
		if err != nil {
			return err
		}
		return worktree.RemoveRunWorkspace(ctx, root, runID)
	}

	instance := strings.TrimSpace(msg.InstanceName)
	if instance == "" {
		instance = sandbox.DefaultInstanceName(runID)
	}
	if instance, err = sandbox.ValidateInstanceName(instance); err != nil {
		return err
	}
	guest := runs.DefaultCwd(cfg.WorkspaceMode, runID)
	h, err := p.sb.ExecProcess(ctx, sandbox.ExecOptions{
		InstanceName: instance,
		Command:      []string{"bash", "-lc", fmt.Sprintf("rm -rf '%s'", guest)},
		CwdInGuest:   "/",
	})
	if err != nil {
		return err
	}
	defer h.Close(context.WithoutCancel(ctx))
	if in := h.Stdin(); in != nil {
		in.Close()
	}
	timer := time.NewTimer(removeWorkspaceTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		return fmt.Errorf("remove workspace timed out after %s", removeWorkspaceTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if info := h.ExitInfo(); info.ExitCode() != 0 {
		return fmt.Errorf("remove workspace failed: %s", info)
	}
	return nil
}
