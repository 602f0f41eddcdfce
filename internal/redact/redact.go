// Package redact strips configured secret values from diagnostic lines
// before they leave the proxy.
package redact

import (
	"sort"
	"strings"
)

// Placeholder replaces every secret occurrence.
const Placeholder = "[REDACTED]"

// MinSecretLen is the shortest value treated as a secret. Shorter values
// would mangle ordinary output.
const MinSecretLen = 6

// SecretEnvKeys are the environment variables whose values are secrets.
var SecretEnvKeys = []string{
	"GH_TOKEN",
	"GITHUB_TOKEN",
	"OPENAI_API_KEY",
	"CODEX_API_KEY",
	"GITLAB_TOKEN",
	"GITLAB_ACCESS_TOKEN",
	"ANTHROPIC_API_KEY",
}

// PickSecretValues returns the secret values present in env.
func PickSecretValues(env map[string]string) []string {
	var out []string
	for _, k := range SecretEnvKeys {
		v := strings.TrimSpace(env[k])
		if len(v) >= MinSecretLen {
			out = append(out, v)
		}
	}
	return out
}

// Redactor replaces literal secret values in text.
type Redactor struct {
	secrets []string
}

// New builds a Redactor. Values shorter than MinSecretLen and duplicates are
// ignored; longer secrets are replaced first so a secret that contains
// another is not partially leaked.
func New(secrets ...string) *Redactor {
	seen := make(map[string]bool, len(secrets))
	r := &Redactor{}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) < MinSecretLen || seen[s] {
			continue
		}
		seen[s] = true
		r.secrets = append(r.secrets, s)
	}
	sort.SliceStable(r.secrets, func(i, j int) bool {
		return len(r.secrets[i]) > len(r.secrets[j])
	})
	return r
}

// Line returns text with every secret replaced. A nil Redactor is a no-op.
func (r *Redactor) Line(text string) string {
	if r == nil {
		return text
	}
	for _, s := range r.secrets {
		text = strings.ReplaceAll(text, s, Placeholder)
	}
	return text
}

// Len reports how many secrets are configured.
func (r *Redactor) Len() int {
	if r == nil {
		return 0
	}
	return len(r.secrets)
}
