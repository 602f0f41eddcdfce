package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Workspace is one run-* directory under the workspace root.
type Workspace struct {
	RunID    string
	HostPath string
	ModTime  time.Time
}

// ListRunWorkspaces returns the run workspaces under root sorted by run id.
// A missing root yields no workspaces.
func ListRunWorkspaces(root string) ([]Workspace, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Workspace
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), RunPrefix) {
			continue
		}
		runID := strings.TrimPrefix(e.Name(), RunPrefix)
		if runID == "" {
			continue
		}
		ws := Workspace{RunID: runID, HostPath: filepath.Join(root, e.Name())}
		if info, err := e.Info(); err == nil {
			ws.ModTime = info.ModTime()
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// RemoveRunWorkspace deletes the workspace and home directories of runID.
// A workspace registered as a worktree of a cached base clone is
// unregistered first.
func RemoveRunWorkspace(ctx context.Context, root, runID string) error {
	ws := RunWorkspace(root, runID)
	unregisterWorktree(ctx, root, ws)
	if err := os.RemoveAll(ws); err != nil {
		return err
	}
	return os.RemoveAll(RunHome(root, runID))
}

func unregisterWorktree(ctx context.Context, root, ws string) {
	caches, err := os.ReadDir(filepath.Join(root, CacheDir))
	if err != nil {
		return
	}
	want, _ := filepath.EvalSymlinks(ws)
	for _, c := range caches {
		if !c.IsDir() || c.Name() == lockDir {
			continue
		}
		repo := filepath.Join(root, CacheDir, c.Name())
		paths, err := Worktrees(ctx, repo)
		if err != nil {
			continue
		}
		for _, p := range paths {
			if resolved, _ := filepath.EvalSymlinks(p); p == ws || (want != "" && resolved == want) {
				git{}.run(ctx, "", "-C", repo, "worktree", "remove", "--force", p)
				return
			}
		}
	}
}
