package sandbox

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError reports a rejected parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

const maxNameLen = 200

// ValidateRunID trims and checks a run id. Run ids end up in host paths and
// instance names, so separators are rejected.
func ValidateRunID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	switch {
	case id == "":
		return "", invalid("run_id", "empty")
	case len(id) > maxNameLen:
		return "", invalid("run_id", "too long")
	case strings.ContainsAny(id, `/\:`):
		return "", invalid("run_id", "must not contain '/', '\\' or ':'")
	}
	return id, nil
}

// ValidateInstanceName trims and checks an instance name.
func ValidateInstanceName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", invalid("instance_name", "empty")
	case len(name) > maxNameLen:
		return "", invalid("instance_name", "too long")
	case !instanceNamePattern.MatchString(name):
		return "", invalid("instance_name", "must match "+instanceNamePattern.String())
	}
	return name, nil
}

// DefaultInstanceName is the instance name used when the orchestrator does
// not supply one.
func DefaultInstanceName(runID string) string {
	return InstancePrefix + runID
}

// RunIDFromInstanceName recovers the run id from a default instance name.
func RunIDFromInstanceName(name string) (string, bool) {
	if !strings.HasPrefix(name, InstancePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, InstancePrefix)
	return id, id != ""
}

// ValidateGuestMountPath checks that p is an absolute posix path without ".."
// segments and returns it cleaned.
func ValidateGuestMountPath(p string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if raw == "" {
		return "", invalid("path", "empty")
	}
	if !strings.HasPrefix(raw, "/") {
		return "", invalid("path", "must be absolute (posix)")
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", invalid("path", "must not include '..'")
		}
	}
	return path.Clean(raw), nil
}

// WorkspaceHostPath returns <root>/run-<runId>, confined under root.
func WorkspaceHostPath(root, runID string) (string, error) {
	return ResolveHostPath(root, "run-"+runID)
}

// UserHomeHostPath returns <root>/home-<runId>, confined under root.
func UserHomeHostPath(root, runID string) (string, error) {
	return ResolveHostPath(root, "home-"+runID)
}

// CheckUserHome rejects a guest home that is the workspace or inside it.
func CheckUserHome(home string) (string, error) {
	h, err := ValidateGuestMountPath(home)
	if err != nil {
		return "", err
	}
	if WithinGuest(WorkspaceGuestPath, h) {
		return "", invalid("USER_HOME", "must not be "+WorkspaceGuestPath+" or inside it")
	}
	return h, nil
}

// HostAbs resolves p to an absolute, cleaned host path.
func HostAbs(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalid("path", "empty")
	}
	return filepath.Abs(p)
}
