package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return strings.TrimSpace(string(out))
}

// originRepo creates a repository with one commit on main.
func originRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "origin")
	os.MkdirAll(dir, 0o755)
	gitIn(t, dir, "init", "-q")
	gitIn(t, dir, "checkout", "-q", "-b", "main")
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644)
	gitIn(t, dir, "add", ".")
	gitIn(t, dir, "commit", "-q", "-m", "init")
	return dir
}

var noAuth = map[string]string{EnvAuthMode: "none"}

func TestRepoCachePaths(t *testing.T) {
	h := HashRepoURL("https://example.com/repo.git")
	if !regexp.MustCompile(`^[a-f0-9]{40}$`).MatchString(h) {
		t.Errorf("hash = %q", h)
	}
	if h != HashRepoURL(" https://example.com/repo.git ") {
		t.Error("hash not stable under surrounding space")
	}
	root := filepath.Join(string(filepath.Separator), "ws")
	if dir := RepoCacheDir(root, "x"); !strings.HasPrefix(dir, filepath.Join(root, CacheDir)) {
		t.Errorf("cache dir = %q", dir)
	}
	lock := RepoLockPath(root, "x")
	if !strings.HasPrefix(lock, filepath.Join(root, CacheDir, "_locks")) || !strings.HasSuffix(lock, ".lock") {
		t.Errorf("lock = %q", lock)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	if _, _, _, ok := OptionsFromEnv(map[string]string{}); ok {
		t.Error("empty env reported a repo")
	}
	repo, branch, base, ok := OptionsFromEnv(map[string]string{EnvRepoURL: " r ", EnvRunBranch: "run/1"})
	if !ok || repo != "r" || branch != "run/1" || base != "main" {
		t.Errorf("got %q %q %q %v", repo, branch, base, ok)
	}
}

func TestPrepareWorktree(t *testing.T) {
	requireGit(t)
	origin := originRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	var steps []string
	for _, run := range []string{"a", "b"} {
		res, err := Prepare(ctx, Options{
			Root:      root,
			Workspace: RunWorkspace(root, run),
			RepoURL:   origin,
			Branch:    "run/" + run,
			Env:       noAuth,
			Step:      func(stage, status, _ string) { steps = append(steps, stage+":"+status) },
		})
		if err != nil {
			t.Fatalf("Prepare %s: %v", run, err)
		}
		if res.RepoPath != RepoCacheDir(root, origin) {
			t.Errorf("repo path = %q", res.RepoPath)
		}
		ws := RunWorkspace(root, run)
		if _, err := os.Stat(filepath.Join(ws, "README.md")); err != nil {
			t.Errorf("workspace %s not checked out: %v", run, err)
		}
		if got := gitIn(t, ws, "rev-parse", "--abbrev-ref", "HEAD"); got != "run/"+run {
			t.Errorf("branch = %q", got)
		}
	}
	if got := strings.Join(steps[:6], ","); got != "auth:start,auth:done,clone:start,clone:done,checkout:done,ready:done" {
		t.Errorf("steps = %s", got)
	}

	wts, err := Worktrees(ctx, RepoCacheDir(root, origin))
	if err != nil || len(wts) != 3 {
		t.Fatalf("worktrees = %v, %v", wts, err)
	}

	list, err := ListRunWorkspaces(root)
	if err != nil || len(list) != 2 || list[0].RunID != "a" || list[1].RunID != "b" {
		t.Fatalf("ListRunWorkspaces = %+v, %v", list, err)
	}

	os.MkdirAll(RunHome(root, "a"), 0o755)
	if err := RemoveRunWorkspace(ctx, root, "a"); err != nil {
		t.Fatalf("RemoveRunWorkspace: %v", err)
	}
	for _, p := range []string{RunWorkspace(root, "a"), RunHome(root, "a")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
	if wts, _ := Worktrees(ctx, RepoCacheDir(root, origin)); len(wts) != 2 {
		t.Errorf("worktree not unregistered: %v", wts)
	}
}

func TestPrepareClone(t *testing.T) {
	requireGit(t)
	origin := originRepo(t)
	root := t.TempDir()
	ws := RunWorkspace(root, "c")
	opts := Options{Root: root, Workspace: ws, RepoURL: origin, Branch: "run/c", Checkout: CheckoutClone, Env: noAuth}

	for i := 0; i < 2; i++ {
		res, err := Prepare(context.Background(), opts)
		if err != nil {
			t.Fatalf("Prepare #%d: %v", i, err)
		}
		if res.RepoPath != "" {
			t.Errorf("clone reported repo path %q", res.RepoPath)
		}
	}
	if got := gitIn(t, ws, "rev-parse", "--abbrev-ref", "HEAD"); got != "run/c" {
		t.Errorf("branch = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, CacheDir)); !os.IsNotExist(err) {
		t.Error("clone mode created a repo cache")
	}
}

func TestPrepareFailures(t *testing.T) {
	root := t.TempDir()
	var last string
	step := func(stage, status, msg string) { last = stage + ":" + status }

	if _, err := Prepare(context.Background(), Options{Root: root, Branch: "b"}); err == nil {
		t.Error("missing repo accepted")
	}
	if _, err := Prepare(context.Background(), Options{Root: root, RepoURL: "r", Step: step}); err == nil {
		t.Error("missing branch accepted")
	}
	_, err := Prepare(context.Background(), Options{Root: root, Workspace: RunWorkspace(root, "x"), RepoURL: "r", Branch: "b", Step: step})
	if err == nil || !strings.Contains(err.Error(), EnvHTTPPassword) {
		t.Errorf("missing credentials = %v", err)
	}
	if last != "init:failed" {
		t.Errorf("last step = %q", last)
	}
}

func TestWithLockSerializes(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "locks", "x.lock")
	var mu sync.Mutex
	active, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), lock, 10*time.Second, func() error {
				mu.Lock()
				active++
				peak = max(peak, active)
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("peak holders = %d", peak)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}

func TestWithLockTimeout(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "x.lock")
	os.WriteFile(lock, nil, 0o644)
	err := WithLock(context.Background(), lock, 50*time.Millisecond, func() error { return nil })
	if err == nil || !strings.Contains(err.Error(), "lock timeout") {
		t.Errorf("err = %v", err)
	}
}

func TestNewGitEnv(t *testing.T) {
	if _, err := NewGitEnv(map[string]string{}); err == nil {
		t.Error("http mode without password accepted")
	}

	g, err := NewGitEnv(map[string]string{EnvHTTPPassword: "tok-123456"})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	var askpass string
	for _, kv := range g.Env {
		if v, ok := strings.CutPrefix(kv, "GIT_ASKPASS="); ok {
			askpass = v
		}
	}
	data, err := os.ReadFile(askpass)
	if err != nil || !strings.Contains(string(data), "tok-123456") || !strings.Contains(string(data), "x-access-token") {
		t.Errorf("askpass = %q, %v", data, err)
	}
	g.Cleanup()
	if _, err := os.Stat(askpass); !os.IsNotExist(err) {
		t.Error("askpass left behind")
	}

	g, err = NewGitEnv(map[string]string{EnvAuthMode: "SSH", EnvSSHKey: "KEY"})
	if err != nil {
		t.Fatalf("ssh: %v", err)
	}
	defer g.Cleanup()
	if !strings.Contains(strings.Join(g.Env, "\n"), "GIT_SSH_COMMAND=ssh -i") {
		t.Error("ssh command missing")
	}
}
