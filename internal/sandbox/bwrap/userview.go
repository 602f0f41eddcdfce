package bwrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// UserView is the non-root identity presented inside the sandbox.
type UserView struct {
	Username       string
	UID            int
	GID            int
	Home           string
	PasswdHostPath string
	GroupHostPath  string
}

func firstNonEmpty(env map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(env[k]); v != "" {
			return v
		}
	}
	return ""
}

func parseID(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return max(n, 0)
}

// PrepareUserView derives the identity from env and writes passwd and group
// files for it under <workspace>/.tuixiu/bwrap/etc.
func PrepareUserView(workspaceHostPath string, env map[string]string) (*UserView, error) {
	username := firstNonEmpty(env, "TUIXIU_BWRAP_USERNAME", "USER", "LOGNAME")
	if username == "" {
		username = "agent"
	}
	uid := parseID(env["TUIXIU_BWRAP_UID"], 1000)
	gid := parseID(firstNonEmpty(env, "TUIXIU_BWRAP_GID", "TUIXIU_BWRAP_UID"), uid)

	home := firstNonEmpty(env, "TUIXIU_BWRAP_HOME_PATH", "USER_HOME", "HOME")
	if home == "" {
		home = "/home/agent"
	}
	home, err := sandbox.ValidateGuestMountPath(home)
	if err != nil {
		return nil, err
	}

	etc := filepath.Join(workspaceHostPath, ".tuixiu", "bwrap", "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return nil, fmt.Errorf("creating user view dir: %w", err)
	}
	u := &UserView{
		Username:       username,
		UID:            uid,
		GID:            gid,
		Home:           home,
		PasswdHostPath: filepath.Join(etc, "passwd"),
		GroupHostPath:  filepath.Join(etc, "group"),
	}
	passwd := fmt.Sprintf("root:x:0:0:root:/root:/bin/sh\n%s:x:%d:%d:ACP User:%s:/bin/sh\n", username, uid, gid, home)
	group := fmt.Sprintf("root:x:0:\n%s:x:%d:\n", username, gid)
	if err := os.WriteFile(u.PasswdHostPath, []byte(passwd), 0o644); err != nil {
		return nil, fmt.Errorf("writing passwd: %w", err)
	}
	if err := os.WriteFile(u.GroupHostPath, []byte(group), 0o644); err != nil {
		return nil, fmt.Errorf("writing group: %w", err)
	}
	return u, nil
}
