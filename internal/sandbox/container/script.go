package container

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// EntrypointOptions configure the agent container's bash entrypoint.
type EntrypointOptions struct {
	WorkingDir   string
	MarkerPrefix string
	InitScript   string
	InitEnv      map[string]string
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EntrypointScript renders the program passed to `bash -lc`. The agent
// command arrives as positional arguments and is exec'd last. When an init
// script is set it runs first in a subshell with stdout folded into stderr,
// and its outcome is printed to stderr as MarkerPrefix followed by JSON.
func EntrypointScript(o EntrypointOptions) string {
	lines := []string{
		"set -euo pipefail",
		"workspace=" + singleQuote(o.WorkingDir),
		`mkdir -p "$workspace" >/dev/null 2>&1 || true`,
	}

	keys := make([]string, 0, len(o.InitEnv))
	for k := range o.InitEnv {
		if envKeyPattern.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("export %s=%s", k, ansiCQuote(o.InitEnv[k])))
	}

	if script := strings.TrimSpace(o.InitScript); script != "" {
		lines = append(lines,
			"marker="+singleQuote(o.MarkerPrefix),
			"set +e",
			"(",
			script,
			") 1>&2",
			"code=$?",
			"set -e",
			"if [ $code -ne 0 ]; then",
			`  printf '%s{"ok":false,"exitCode":%s}\n' "$marker" "$code" >&2`,
			"  exit $code",
			"fi",
			`printf '%s{"ok":true}\n' "$marker" >&2`,
		)
	}

	lines = append(lines,
		"if [ $# -eq 0 ]; then",
		`  echo "agent_command is empty" >&2`,
		"  exit 2",
		"fi",
		`exec "$@"`,
	)
	return strings.Join(lines, "\n")
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ansiCQuote renders s as a bash $'...' string so control characters survive.
func ansiCQuote(s string) string {
	var b strings.Builder
	b.WriteString("$'")
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\'':
			b.WriteString(`\'`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("'")
	return b.String()
}
