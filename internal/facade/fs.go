package facade

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

var lineBreak = regexp.MustCompile(`\r?\n`)

type readParams struct {
	Path  *string  `json:"path"`
	Line  *float64 `json:"line"`
	Limit *float64 `json:"limit"`
}

type writeParams struct {
	Path    *string `json:"path"`
	Content any     `json:"content"`
}

func (f *Facade) guestPath(p string) (string, error) {
	return sandbox.ResolveWorkspacePath(f.opts.WorkspaceRoot, p)
}

func (f *Facade) readTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	var p readParams
	if err := decodeObject(params, &p); err != nil || p.Path == nil {
		return nil, errInvalidParams
	}
	target, err := f.guestPath(*p.Path)
	if err != nil {
		return nil, err
	}

	res, err := f.execToText(ctx, []string{"sh", "-c", sandbox.FSReadScript, "sh", target}, "")
	if err != nil {
		return nil, err
	}
	if code := res.exit.ExitCode(); code != 0 {
		text := strings.ToLower(res.stdout + "\n" + res.stderr)
		if strings.Contains(text, "no such file") || strings.Contains(text, "not found") {
			return nil, errNotFound
		}
		return nil, execFailure(res)
	}

	return map[string]string{"content": SliceLines(res.stdout, p.Line, p.Limit)}, nil
}

// SliceLines applies the 1-based line and limit window of fs/read_text_file.
// Both nil returns content untouched.
func SliceLines(content string, line, limit *float64) string {
	if line == nil && limit == nil {
		return content
	}
	start := 0
	if line != nil && *line > 1 {
		start = int(*line) - 1
	}
	if limit != nil && *limit <= 0 {
		return ""
	}
	lines := lineBreak.Split(content, -1)
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if limit != nil {
		end = min(len(lines), start+int(*limit))
	}
	return strings.Join(lines[start:end], "\n")
}

func (f *Facade) writeTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	var p writeParams
	if err := decodeObject(params, &p); err != nil || p.Path == nil {
		return nil, errInvalidParams
	}
	target, err := f.guestPath(*p.Path)
	if err != nil {
		return nil, err
	}
	content, _ := p.Content.(string)

	res, err := f.execToText(ctx, []string{"sh", "-c", sandbox.FSWriteScript, "sh", target}, content)
	if err != nil {
		return nil, err
	}
	if res.exit.ExitCode() != 0 {
		return nil, execFailure(res)
	}
	return struct{}{}, nil
}

func execFailure(res execResult) error {
	if out := res.output(); out != "" {
		return errors.New(out)
	}
	return errors.New(res.exit.String())
}
