package worktree

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Credential env keys read from a run's init env.
const (
	EnvAuthMode     = "TUIXIU_GIT_AUTH_MODE"
	EnvHTTPUser     = "TUIXIU_GIT_HTTP_USERNAME"
	EnvHTTPPassword = "TUIXIU_GIT_HTTP_PASSWORD"
	EnvSSHCommand   = "TUIXIU_GIT_SSH_COMMAND"
	EnvSSHKey       = "TUIXIU_GIT_SSH_KEY"
	EnvSSHKeyB64    = "TUIXIU_GIT_SSH_KEY_B64"
	EnvSSHKeyPath   = "TUIXIU_GIT_SSH_KEY_PATH"
)

// GitEnv is the process environment for host git commands plus the
// temporary credential files backing it.
type GitEnv struct {
	Env []string
	dir string
}

// Cleanup removes temporary credential files.
func (g *GitEnv) Cleanup() {
	if g.dir != "" {
		os.RemoveAll(g.dir)
	}
}

// NewGitEnv builds git credentials from init env. Auth mode "ssh" uses an
// ssh command or key, "none" passes no credentials, anything else needs an
// http password which is served through GIT_ASKPASS.
func NewGitEnv(env map[string]string) (*GitEnv, error) {
	base := os.Environ()
	for k, v := range env {
		base = append(base, k+"="+v)
	}
	base = append(base, "GIT_TERMINAL_PROMPT=0")

	switch strings.ToLower(strings.TrimSpace(env[EnvAuthMode])) {
	case "none":
		return &GitEnv{Env: base}, nil
	case "ssh":
		return sshEnv(base, env)
	}

	password := strings.TrimSpace(env[EnvHTTPPassword])
	if password == "" {
		return nil, fmt.Errorf("missing %s, cannot run git", EnvHTTPPassword)
	}
	user := strings.TrimSpace(env[EnvHTTPUser])
	if user == "" {
		user = "x-access-token"
	}
	dir, err := os.MkdirTemp("", "tuixiu-git-askpass-")
	if err != nil {
		return nil, err
	}
	script, err := writeAskPass(dir, user, password)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &GitEnv{Env: append(base, "GCM_INTERACTIVE=Never", "GIT_ASKPASS="+script), dir: dir}, nil
}

func sshEnv(base []string, env map[string]string) (*GitEnv, error) {
	if cmd := strings.TrimSpace(env[EnvSSHCommand]); cmd != "" {
		return &GitEnv{Env: append(base, "GIT_SSH_COMMAND="+env[EnvSSHCommand])}, nil
	}
	dir, err := os.MkdirTemp("", "tuixiu-git-ssh-")
	if err != nil {
		return nil, err
	}
	keyPath := strings.TrimSpace(env[EnvSSHKeyPath])
	if keyPath == "" {
		keyPath = filepath.Join(dir, "tuixiu_git_key")
	}
	var key []byte
	switch {
	case strings.TrimSpace(env[EnvSSHKeyB64]) != "":
		key, err = base64.StdEncoding.DecodeString(strings.TrimSpace(env[EnvSSHKeyB64]))
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("decode %s: %w", EnvSSHKeyB64, err)
		}
	case strings.TrimSpace(env[EnvSSHKey]) != "":
		key = []byte(env[EnvSSHKey] + "\n")
	}
	if key != nil {
		if err := os.WriteFile(keyPath, key, 0o600); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
	}
	cmd := fmt.Sprintf(`ssh -i "%s" -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new`, keyPath)
	return &GitEnv{Env: append(base, "GIT_SSH_COMMAND="+cmd), dir: dir}, nil
}

func writeAskPass(dir, user, token string) (string, error) {
	if strings.ContainsAny(user+token, "'\r\n") {
		return "", errors.New("git credentials contain unsupported characters")
	}
	if runtime.GOOS == "windows" {
		p := filepath.Join(dir, "askpass.cmd")
		content := strings.Join([]string{
			"@echo off",
			"set prompt=%*",
			"echo %prompt% | findstr /i username >nul",
			"if %errorlevel%==0 (",
			"  echo " + user,
			"  exit /b 0",
			")",
			"echo " + token,
			"",
		}, "\r\n")
		return p, os.WriteFile(p, []byte(content), 0o600)
	}
	p := filepath.Join(dir, "askpass.sh")
	content := strings.Join([]string{
		"#!/bin/sh",
		`case "$1" in`,
		"  *Username*|*username*)",
		"    printf '%s\\n' '" + user + "'",
		"    ;;",
		"  *)",
		"    printf '%s\\n' '" + token + "'",
		"    ;;",
		"esac",
		"",
	}, "\n")
	return p, os.WriteFile(p, []byte(content), 0o700)
}
