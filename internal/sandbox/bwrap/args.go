package bwrap

import (
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// ArgsOptions describe one bwrap invocation.
type ArgsOptions struct {
	WorkspaceHostPath string
	Mounts            []sandbox.Mount
	CwdInGuest        string
	Command           []string
	Env               map[string]string
	UserView          *UserView
}

// BuildArgs returns the bwrap arguments. The host root is bound read-only,
// the run workspace read-write at /workspace, and declared mounts on top.
func BuildArgs(o ArgsOptions) ([]string, error) {
	cwd := o.CwdInGuest
	if strings.TrimSpace(cwd) == "" {
		cwd = sandbox.WorkspaceGuestPath
	}
	cwd, err := sandbox.ResolveWorkspacePath(sandbox.WorkspaceGuestPath, cwd)
	if err != nil {
		return nil, err
	}

	args := []string{"--die-with-parent", "--new-session", "--unshare-all", "--share-net"}
	if u := o.UserView; u != nil {
		args = append(args,
			"--unshare-user",
			"--uid", strconv.Itoa(u.UID),
			"--gid", strconv.Itoa(u.GID),
			"--setenv", "HOME", u.Home,
			"--setenv", "USER", u.Username,
			"--setenv", "LOGNAME", u.Username,
		)
	}
	args = append(args,
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
	)
	if u := o.UserView; u != nil {
		args = append(args,
			"--ro-bind", u.PasswdHostPath, "/etc/passwd",
			"--ro-bind", u.GroupHostPath, "/etc/group",
		)
	}
	args = append(args,
		"--dir", sandbox.WorkspaceGuestPath,
		"--bind", o.WorkspaceHostPath, sandbox.WorkspaceGuestPath,
	)

	for _, m := range o.Mounts {
		host, guest := strings.TrimSpace(m.HostPath), strings.TrimSpace(m.GuestPath)
		if host == "" || guest == "" {
			continue
		}
		if !filepath.IsAbs(host) {
			if host, err = filepath.Abs(host); err != nil {
				return nil, err
			}
		}
		if guest, err = sandbox.ValidateGuestMountPath(guest); err != nil {
			return nil, err
		}
		if guest == sandbox.WorkspaceGuestPath {
			continue
		}
		if parent := path.Dir(guest); parent != "/" {
			args = append(args, "--dir", parent)
		}
		flag := "--bind"
		if m.ReadOnly {
			flag = "--ro-bind"
		}
		args = append(args, flag, host, guest)
	}

	keys := make([]string, 0, len(o.Env))
	for k := range o.Env {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k, o.Env[k])
	}

	args = append(args, "--chdir", cwd, "--")
	return append(args, o.Command...), nil
}
