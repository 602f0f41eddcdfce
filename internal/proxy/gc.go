package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/worktree"
)

// GCInput says what garbage collection must keep.
type GCInput struct {
	// Keep holds the instance names that stay.
	Keep map[string]bool
	// KeepRuns holds run ids whose workspaces stay even without an
	// instance in Keep.
	KeepRuns map[string]bool
	// WorkspaceMode and HostRoot locate mount-mode workspaces.
	WorkspaceMode string
	HostRoot      string
}

// GCPlan is what a collection deletes.
type GCPlan struct {
	Instances  []protocol.InstanceRef
	Workspaces []worktree.Workspace
}

// Wire converts the plan to its message form.
func (p GCPlan) Wire() *protocol.GCPlan {
	out := &protocol.GCPlan{Deletes: []protocol.InstanceRef{}, Workspaces: []string{}}
	out.Deletes = append(out.Deletes, p.Instances...)
	for _, ws := range p.Workspaces {
		out.Workspaces = append(out.Workspaces, ws.HostPath)
	}
	return out
}

// PlanGC lists managed instances not in in.Keep and, in mount mode, run-*
// workspaces whose run keeps neither an instance nor a place in KeepRuns.
func PlanGC(ctx context.Context, sb sandbox.Sandbox, in GCInput) (GCPlan, error) {
	var plan GCPlan
	list, err := sb.ListInstances(ctx, sandbox.ListOptions{ManagedOnly: true})
	if err != nil {
		return plan, err
	}
	keptRuns := make(map[string]bool)
	for id := range in.KeepRuns {
		keptRuns[id] = true
	}
	for _, inst := range list {
		if in.Keep[inst.Name] {
			if runID, ok := sandbox.RunIDFromInstanceName(inst.Name); ok {
				keptRuns[runID] = true
			}
			continue
		}
		plan.Instances = append(plan.Instances, instanceRef(inst.Name))
	}
	for name := range in.Keep {
		if runID, ok := sandbox.RunIDFromInstanceName(name); ok {
			keptRuns[runID] = true
		}
	}

	if in.WorkspaceMode != runs.WorkspaceMount || in.HostRoot == "" {
		return plan, nil
	}
	root, err := sandbox.HostAbs(in.HostRoot)
	if err != nil {
		return plan, err
	}
	workspaces, err := worktree.ListRunWorkspaces(root)
	if err != nil {
		return plan, err
	}
	for _, ws := range workspaces {
		if !keptRuns[ws.RunID] {
			plan.Workspaces = append(plan.Workspaces, ws)
		}
	}
	return plan, nil
}

// ApplyGC deletes what plan lists and returns the instances it removed.
// It continues past failures and reports them together.
func ApplyGC(ctx context.Context, sb sandbox.Sandbox, hostRoot string, plan GCPlan, logger *slog.Logger) ([]protocol.InstanceRef, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var deleted []protocol.InstanceRef
	var errs []error
	for _, ref := range plan.Instances {
		if err := sb.RemoveInstance(ctx, ref.InstanceName); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", ref.InstanceName, err))
			continue
		}
		logger.Info("gc removed instance", "instance", ref.InstanceName)
		deleted = append(deleted, ref)
	}
	if len(plan.Workspaces) > 0 {
		root, err := sandbox.HostAbs(hostRoot)
		if err != nil {
			return deleted, errors.Join(append(errs, err)...)
		}
		for _, ws := range plan.Workspaces {
			if err := worktree.RemoveRunWorkspace(ctx, root, ws.RunID); err != nil {
				errs = append(errs, fmt.Errorf("remove workspace %s: %w", ws.HostPath, err))
				continue
			}
			logger.Info("gc removed workspace", "path", ws.HostPath)
		}
	}
	return deleted, errors.Join(errs...)
}

// KeepRunning builds a GCInput that keeps every running managed instance.
// Local collections use it when no orchestrator view is available.
func KeepRunning(ctx context.Context, sb sandbox.Sandbox, mode, hostRoot string) (GCInput, error) {
	in := GCInput{Keep: make(map[string]bool), KeepRuns: make(map[string]bool), WorkspaceMode: mode, HostRoot: hostRoot}
	list, err := sb.ListInstances(ctx, sandbox.ListOptions{ManagedOnly: true})
	if err != nil {
		return in, err
	}
	for _, inst := range list {
		if inst.Status == sandbox.StatusRunning || inst.Status == sandbox.StatusCreating {
			in.Keep[inst.Name] = true
		}
	}
	return in, nil
}
