package proxy

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/worktree"
)

func instanceRef(name string) protocol.InstanceRef {
	runID, _ := sandbox.RunIDFromInstanceName(name)
	return protocol.InstanceRef{InstanceName: name, RunID: protocol.StringPtr(runID)}
}

// SandboxInventory lists the managed instances of sb. Missing instances are
// reported when expected is non-nil.
func SandboxInventory(ctx context.Context, sb sandbox.Sandbox, expected []protocol.ExpectedInstance) (protocol.SandboxInventory, error) {
	list, err := sb.ListInstances(ctx, sandbox.ListOptions{ManagedOnly: true})
	if err != nil {
		return protocol.SandboxInventory{}, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	captured := protocol.Now()
	inv := protocol.SandboxInventory{
		Type:        "sandbox_inventory",
		InventoryID: uuid.NewString(),
		Provider:    string(sb.Provider()),
		CapturedAt:  captured,
		Instances:   []protocol.InventoryInstance{},
	}
	if sb.Provider() == sandbox.ProviderContainer {
		inv.Runtime = protocol.StringPtr(sb.Runtime())
	}
	known := make(map[string]bool, len(list))
	for _, inst := range list {
		known[inst.Name] = true
		ref := instanceRef(inst.Name)
		item := protocol.InventoryInstance{
			InstanceName: inst.Name,
			RunID:        ref.RunID,
			Status:       string(inst.Status),
			LastSeenAt:   captured,
		}
		if !inst.CreatedAt.IsZero() {
			item.CreatedAt = protocol.StringPtr(inst.CreatedAt.UTC().Format(time.RFC3339Nano))
		}
		inv.Instances = append(inv.Instances, item)
	}
	for _, e := range expected {
		if !known[e.InstanceName] {
			inv.MissingInstances = append(inv.MissingInstances, protocol.InstanceRef{
				InstanceName: e.InstanceName,
				RunID:        protocol.StringPtr(e.RunID),
			})
		}
	}
	return inv, nil
}

// ReportInventory sends a sandbox_inventory, naming deleted instances when
// given.
func (p *Proxy) ReportInventory(ctx context.Context, expected []protocol.ExpectedInstance, deleted []protocol.InstanceRef) error {
	inv, err := SandboxInventory(ctx, p.sb, expected)
	if err != nil {
		return err
	}
	inv.DeletedInstances = deleted
	p.runs.Send(inv)
	return nil
}

// WorkspaceInventory lists run workspaces: run-* directories under the host
// root in mount mode, and one guest workspace per managed instance in
// git_clone mode.
func WorkspaceInventory(ctx context.Context, sb sandbox.Sandbox, mode, hostRoot string) (protocol.WorkspaceInventory, error) {
	inv := protocol.WorkspaceInventory{
		Type:          "workspace_inventory",
		InventoryID:   uuid.NewString(),
		CapturedAt:    protocol.Now(),
		WorkspaceMode: mode,
		Workspaces:    []protocol.WorkspaceEntry{},
	}
	if mode == runs.WorkspaceGitClone {
		list, err := sb.ListInstances(ctx, sandbox.ListOptions{ManagedOnly: true})
		if err != nil {
			return inv, err
		}
		for _, inst := range list {
			runID, ok := sandbox.RunIDFromInstanceName(inst.Name)
			if !ok {
				continue
			}
			inv.Workspaces = append(inv.Workspaces, protocol.WorkspaceEntry{
				WorkspaceMode: mode,
				RunID:         runID,
				InstanceName:  inst.Name,
				GuestPath:     runs.DefaultCwd(mode, runID),
			})
		}
		return inv, nil
	}

	if hostRoot == "" {
		return inv, nil
	}
	root, err := sandbox.HostAbs(hostRoot)
	if err != nil {
		return inv, err
	}
	list, err := worktree.ListRunWorkspaces(root)
	if err != nil {
		return inv, err
	}
	for _, ws := range list {
		entry := protocol.WorkspaceEntry{
			WorkspaceMode: mode,
			RunID:         ws.RunID,
			InstanceName:  sandbox.DefaultInstanceName(ws.RunID),
			HostPath:      protocol.StringPtr(ws.HostPath),
			GuestPath:     sandbox.WorkspaceGuestPath,
			Exists:        true,
		}
		if !ws.ModTime.IsZero() {
			entry.Mtime = protocol.StringPtr(ws.ModTime.UTC().Format(time.RFC3339Nano))
		}
		inv.Workspaces = append(inv.Workspaces, entry)
	}
	return inv, nil
}

// ReportWorkspaceInventory sends a workspace_inventory.
func (p *Proxy) ReportWorkspaceInventory(ctx context.Context) error {
	cfg := p.runs.Config()
	inv, err := WorkspaceInventory(ctx, p.sb, cfg.WorkspaceMode, cfg.WorkspaceHostRoot)
	if err != nil {
		return err
	}
	p.runs.Send(inv)
	return nil
}
