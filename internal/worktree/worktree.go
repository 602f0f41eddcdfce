// Package worktree prepares host-side run workspaces from git: a shared base
// clone per repository with one git worktree per run, or a plain clone per
// run. It also lists and removes run workspaces for garbage collection.
package worktree

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Checkout modes.
const (
	CheckoutWorktree = "worktree"
	CheckoutClone    = "clone"
)

const (
	// CacheDir holds base clones under the workspace root.
	CacheDir = "_repo-cache"
	lockDir  = "_locks"
	// RunPrefix prefixes per-run workspace directories.
	RunPrefix = "run-"
	// HomePrefix prefixes per-run home directories.
	HomePrefix = "home-"

	// LockTimeout bounds how long Prepare waits for another run to release
	// the base clone.
	LockTimeout  = 5 * time.Minute
	lockInterval = 200 * time.Millisecond
)

// Init env keys that drive Prepare.
const (
	EnvRepoURL    = "TUIXIU_REPO_URL"
	EnvRunBranch  = "TUIXIU_RUN_BRANCH"
	EnvBaseBranch = "TUIXIU_BASE_BRANCH"
)

// HashRepoURL names the cache directory of a repository.
func HashRepoURL(repo string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(repo)))
	return hex.EncodeToString(sum[:])
}

// RepoCacheDir is the base clone path of repo under root.
func RepoCacheDir(root, repo string) string {
	return filepath.Join(root, CacheDir, HashRepoURL(repo))
}

// RepoLockPath is the lock file guarding RepoCacheDir.
func RepoLockPath(root, repo string) string {
	return filepath.Join(root, CacheDir, lockDir, HashRepoURL(repo)+".lock")
}

// RunWorkspace is the host workspace path of a run.
func RunWorkspace(root, runID string) string {
	return filepath.Join(root, RunPrefix+runID)
}

// RunHome is the host home directory of a run.
func RunHome(root, runID string) string {
	return filepath.Join(root, HomePrefix+runID)
}

// StepFunc receives progress as stage, status and an optional message.
type StepFunc func(stage, status, message string)

// Options describe one Prepare call.
type Options struct {
	// Root is the workspace host root; the repo cache lives under it.
	Root string
	// Workspace is the run workspace directory to populate.
	Workspace  string
	RepoURL    string
	Branch     string
	BaseBranch string
	Checkout   string
	// Env is the run's init env, used for git credentials.
	Env    map[string]string
	Step   StepFunc
	Logger *slog.Logger
}

// Result reports what Prepare produced.
type Result struct {
	// RepoPath is the base clone for worktree checkouts, "" for clones.
	RepoPath string
}

// OptionsFromEnv fills repository fields from init env. It reports false
// when the env names no repository.
func OptionsFromEnv(env map[string]string) (repo, branch, base string, ok bool) {
	repo = strings.TrimSpace(env[EnvRepoURL])
	if repo == "" {
		return "", "", "", false
	}
	branch = strings.TrimSpace(env[EnvRunBranch])
	base = strings.TrimSpace(env[EnvBaseBranch])
	if base == "" {
		base = "main"
	}
	return repo, branch, base, true
}

// Prepare populates opts.Workspace with branch opts.Branch based on
// origin/opts.BaseBranch.
func Prepare(ctx context.Context, opts Options) (res Result, err error) {
	if opts.RepoURL == "" {
		return Result{}, fmt.Errorf("missing %s", EnvRepoURL)
	}
	if opts.Branch == "" {
		return Result{}, fmt.Errorf("missing %s", EnvRunBranch)
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.Checkout == "" {
		opts.Checkout = CheckoutWorktree
	}
	step := opts.Step
	if step == nil {
		step = func(string, string, string) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	defer func() {
		if err != nil {
			step("init", "failed", err.Error())
		}
	}()

	step("auth", "start", "")
	genv, err := NewGitEnv(opts.Env)
	if err != nil {
		return Result{}, err
	}
	defer genv.Cleanup()
	step("auth", "done", "")

	g := git{env: genv.Env}
	step("clone", "start", "")
	if opts.Checkout == CheckoutWorktree {
		repoPath := RepoCacheDir(opts.Root, opts.RepoURL)
		err = WithLock(ctx, RepoLockPath(opts.Root, opts.RepoURL), LockTimeout, func() error {
			if err := g.updateBase(ctx, repoPath, opts.RepoURL, opts.BaseBranch); err != nil {
				return err
			}
			if err := resetDir(opts.Workspace); err != nil {
				return err
			}
			return g.run(ctx, "", "-C", repoPath, "worktree", "add", "-B", opts.Branch, opts.Workspace, "origin/"+opts.BaseBranch)
		})
		if err != nil {
			return Result{}, err
		}
		step("clone", "done", "")
		step("checkout", "done", "")
		step("ready", "done", "")
		logger.Info("workspace worktree ready", "workspace", opts.Workspace, "branch", opts.Branch)
		return Result{RepoPath: repoPath}, nil
	}

	if exists(filepath.Join(opts.Workspace, ".git")) {
		err = g.run(ctx, "", "-C", opts.Workspace, "fetch", "--prune")
	} else {
		if err = resetDir(opts.Workspace); err == nil {
			err = g.run(ctx, "", "clone", "--branch", opts.BaseBranch, "--single-branch", opts.RepoURL, opts.Workspace)
		}
	}
	if err != nil {
		return Result{}, err
	}
	step("clone", "done", "")

	step("checkout", "start", "")
	if err := g.run(ctx, "", "-C", opts.Workspace, "checkout", "-B", opts.Branch, "origin/"+opts.BaseBranch); err != nil {
		if err = g.run(ctx, "", "-C", opts.Workspace, "checkout", "-B", opts.Branch); err != nil {
			return Result{}, err
		}
	}
	step("checkout", "done", "")
	step("ready", "done", "")
	logger.Info("workspace clone ready", "workspace", opts.Workspace, "branch", opts.Branch)
	return Result{}, nil
}

type git struct {
	env []string
}

func (g git) run(ctx context.Context, dir string, args ...string) error {
	_, err := g.output(ctx, dir, args...)
	return err
}

func (g git) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = g.env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", gitVerb(args), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// gitVerb skips leading -C <dir> pairs for error messages.
func gitVerb(args []string) string {
	for len(args) >= 2 && args[0] == "-C" {
		args = args[2:]
	}
	if len(args) >= 2 && args[0] == "worktree" {
		return "worktree " + args[1]
	}
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func (g git) updateBase(ctx context.Context, repoPath, repo, base string) error {
	if exists(filepath.Join(repoPath, ".git")) {
		if err := g.run(ctx, "", "-C", repoPath, "remote", "set-url", "origin", repo); err != nil {
			return err
		}
		if err := g.run(ctx, "", "-C", repoPath, "fetch", "--prune", "origin"); err != nil {
			return err
		}
		return g.run(ctx, "", "-C", repoPath, "worktree", "prune")
	}
	os.RemoveAll(repoPath)
	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		return err
	}
	return g.run(ctx, "", "clone", "--branch", base, "--single-branch", repo, repoPath)
}

// WithLock runs fn while holding an exclusive lock file at lockPath,
// polling until timeout when another holder has it.
func WithLock(ctx context.Context, lockPath string, timeout time.Duration, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			defer os.Remove(lockPath)
			return fn()
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("repo cache lock timeout: %s", lockPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockInterval):
		}
	}
}

func resetDir(dir string) error {
	os.RemoveAll(dir)
	return os.MkdirAll(dir, 0o755)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Worktrees returns the worktree paths registered in repoPath.
func Worktrees(ctx context.Context, repoPath string) ([]string, error) {
	out, err := git{}.output(ctx, "", "-C", repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, strings.TrimSpace(p))
		}
	}
	return paths, nil
}
