package container

import (
	"strings"
	"testing"
)

func TestEntrypointScriptWithInit(t *testing.T) {
	script := EntrypointScript(EntrypointOptions{
		WorkingDir:   "/workspace",
		MarkerPrefix: "__MARK__:",
		InitScript:   "  git clone x\n",
		InitEnv:      map[string]string{"TOKEN": "a'b\nc", "bad-key": "ignored"},
	})

	for _, want := range []string{
		"set -euo pipefail",
		"workspace='/workspace'",
		`export TOKEN=$'a\'b\nc'`,
		"marker='__MARK__:'",
		"(\ngit clone x\n) 1>&2",
		`printf '%s{"ok":true}\n' "$marker" >&2`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
	if strings.Contains(script, "bad-key") {
		t.Error("invalid env key exported")
	}
	if !strings.HasSuffix(script, `exec "$@"`) {
		t.Error(`script must end with exec "$@"`)
	}
}

func TestEntrypointScriptWithoutInit(t *testing.T) {
	script := EntrypointScript(EntrypointOptions{WorkingDir: "/w", MarkerPrefix: "__MARK__:"})
	if strings.Contains(script, "marker=") {
		t.Errorf("marker emitted without init script:\n%s", script)
	}
}

func TestQuoting(t *testing.T) {
	tests := []struct {
		in, single, ansi string
	}{
		{"plain", "'plain'", "$'plain'"},
		{"it's", `'it'\''s'`, `$'it\'s'`},
		{"a\\b", `'a\b'`, `$'a\\b'`},
		{"tab\there", "'tab\there'", `$'tab\there'`},
		{"bell\x07", "'bell\x07'", `$'bell\x07'`},
		{"héllo", "'héllo'", "$'héllo'"},
	}
	for _, tt := range tests {
		if got := singleQuote(tt.in); got != tt.single {
			t.Errorf("singleQuote(%q) = %q, want %q", tt.in, got, tt.single)
		}
		if got := ansiCQuote(tt.in); got != tt.ansi {
			t.Errorf("ansiCQuote(%q) = %q, want %q", tt.in, got, tt.ansi)
		}
	}
}
