package bwrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

func TestBuildArgs(t *testing.T) {
	args, err := BuildArgs(ArgsOptions{
		WorkspaceHostPath: "/srv/ws/run-1",
		Mounts: []sandbox.Mount{
			{HostPath: "/opt/tools", GuestPath: "/opt/tools", ReadOnly: true},
			{HostPath: "/srv/cache", GuestPath: "/cache"},
			{HostPath: "/srv/ws/run-1", GuestPath: "/workspace"},
		},
		CwdInGuest: "src",
		Command:    []string{"agent", "--acp"},
		Env:        map[string]string{"B": "2", "A": "1"},
	})
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}

	want := "--die-with-parent --new-session --unshare-all --share-net " +
		"--ro-bind / / --dev /dev --proc /proc --tmpfs /tmp " +
		"--dir /workspace --bind /srv/ws/run-1 /workspace " +
		"--dir /opt --ro-bind /opt/tools /opt/tools " +
		"--bind /srv/cache /cache " +
		"--setenv A 1 --setenv B 2 " +
		"--chdir /workspace/src -- agent --acp"
	if got := strings.Join(args, " "); got != want {
		t.Errorf("args:\n got %s\nwant %s", got, want)
	}
}

func TestBuildArgsUserView(t *testing.T) {
	u := &UserView{Username: "agent", UID: 1000, GID: 1000, Home: "/home/agent", PasswdHostPath: "/p", GroupHostPath: "/g"}
	args, err := BuildArgs(ArgsOptions{WorkspaceHostPath: "/ws", Command: []string{"true"}, UserView: u})
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--unshare-user --uid 1000 --gid 1000 --setenv HOME /home/agent --setenv USER agent --setenv LOGNAME agent",
		"--ro-bind /p /etc/passwd --ro-bind /g /etc/group",
		"--chdir /workspace -- true",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}
}

func TestBuildArgsRejects(t *testing.T) {
	tests := []struct {
		name string
		opts ArgsOptions
	}{
		{"cwd escape", ArgsOptions{WorkspaceHostPath: "/ws", CwdInGuest: "../etc", Command: []string{"x"}}},
		{"relative guest mount", ArgsOptions{WorkspaceHostPath: "/ws", Mounts: []sandbox.Mount{{HostPath: "/a", GuestPath: "rel"}}, Command: []string{"x"}}},
		{"dotdot guest mount", ArgsOptions{WorkspaceHostPath: "/ws", Mounts: []sandbox.Mount{{HostPath: "/a", GuestPath: "/x/../etc"}}, Command: []string{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildArgs(tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestPrepareUserView(t *testing.T) {
	ws := t.TempDir()
	u, err := PrepareUserView(ws, map[string]string{"TUIXIU_BWRAP_USERNAME": "dev", "TUIXIU_BWRAP_UID": "1234", "USER_HOME": "/home/dev"})
	if err != nil {
		t.Fatalf("PrepareUserView: %v", err)
	}
	if u.Username != "dev" || u.UID != 1234 || u.GID != 1234 || u.Home != "/home/dev" {
		t.Errorf("user view = %+v", u)
	}
	passwd, err := os.ReadFile(filepath.Join(ws, ".tuixiu", "bwrap", "etc", "passwd"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(passwd), "dev:x:1234:1234:ACP User:/home/dev:/bin/sh") {
		t.Errorf("passwd:\n%s", passwd)
	}

	def, err := PrepareUserView(ws, nil)
	if err != nil {
		t.Fatalf("PrepareUserView defaults: %v", err)
	}
	if def.Username != "agent" || def.UID != 1000 || def.GID != 1000 || def.Home != "/home/agent" {
		t.Errorf("defaults = %+v", def)
	}

	if _, err := PrepareUserView(ws, map[string]string{"HOME": "relative/home"}); err == nil {
		t.Error("relative home accepted")
	}
}
