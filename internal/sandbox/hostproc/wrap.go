package hostproc

import (
	"os"
	"runtime"
	"strings"
)

func goos() string { return runtime.GOOS }

// WrapCommand routes package-manager shims and .cmd/.bat files through
// cmd.exe on Windows, which cannot execute them directly.
func WrapCommand(goos string, command []string) []string {
	if goos != "windows" || len(command) == 0 {
		return command
	}
	lower := strings.ToLower(command[0])
	switch {
	case lower == "npx", lower == "npm", lower == "pnpm", lower == "yarn",
		strings.HasSuffix(lower, ".cmd"), strings.HasSuffix(lower, ".bat"):
		shell := os.Getenv("ComSpec")
		if shell == "" {
			shell = "cmd.exe"
		}
		return append([]string{shell, "/d", "/s", "/c"}, command...)
	}
	return command
}
