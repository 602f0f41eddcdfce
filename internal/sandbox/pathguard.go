package sandbox

import (
	"path"
	"path/filepath"
	"strings"
)

// ResolveWorkspacePath resolves a guest path against the guest workspace root
// and guarantees the result is root itself or nested under it. An empty root
// means WorkspaceGuestPath.
func ResolveWorkspacePath(root, p string) (string, error) {
	root = strings.TrimSpace(strings.ReplaceAll(root, `\`, "/"))
	if root == "" {
		root = WorkspaceGuestPath
	}
	root = path.Clean(root)

	raw := strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if raw == "" {
		return "", invalid("path", "empty")
	}

	var resolved string
	if strings.HasPrefix(raw, "/") {
		resolved = path.Clean(raw)
	} else {
		resolved = path.Join(root, raw)
	}
	if !WithinGuest(root, resolved) {
		return "", invalid("path", "outside workspace "+root)
	}
	return resolved, nil
}

// WithinGuest reports whether the cleaned posix path p is root or under it.
func WithinGuest(root, p string) bool {
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// ResolveHostPath resolves p (absolute or relative to root) on the host and
// rejects results that escape root.
func ResolveHostPath(root, p string) (string, error) {
	absRoot, err := HostAbs(root)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(p) == "" {
		return "", invalid("path", "empty")
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)
	if !WithinHost(absRoot, target) {
		return "", invalid("path", "outside host workspace root "+absRoot)
	}
	return target, nil
}

// WithinHost reports whether target is root or nested under it.
func WithinHost(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
