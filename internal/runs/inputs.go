package runs

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// Agent input apply methods.
const (
	ApplyBindMount       = "bindMount"
	ApplyDownloadExtract = "downloadExtract"
	ApplyWriteFile       = "writeFile"
	ApplyCopy            = "copy"
)

// Agent input target roots.
const (
	RootWorkspace = "WORKSPACE"
	RootUserHome  = "USER_HOME"
)

// DefaultDownloadMaxBytes bounds a downloadExtract archive.
const DefaultDownloadMaxBytes = 200 << 20

const downloadTimeout = 60 * time.Second

// InputSource is where an agent input comes from.
type InputSource struct {
	Type        string `json:"type"`
	Path        string `json:"path,omitempty"`
	URI         string `json:"uri,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
	Text        string `json:"text,omitempty"`
}

// InputTarget is where an agent input lands, relative to a root.
type InputTarget struct {
	Root string `json:"root"`
	Path string `json:"path"`
}

// InputItem is one agent input.
type InputItem struct {
	ID     string      `json:"id"`
	Apply  string      `json:"apply"`
	Access string      `json:"access,omitempty"`
	Source InputSource `json:"source"`
	Target InputTarget `json:"target"`
}

// Manifest lists the files a run's agent expects before it starts.
type Manifest struct {
	Version  int               `json:"version"`
	EnvPatch map[string]string `json:"envPatch,omitempty"`
	Items    []InputItem       `json:"items"`
}

var envPatchKeys = map[string]bool{"HOME": true, "USER": true, "LOGNAME": true}

// ParseAgentInputs decodes and validates init.agentInputs. An absent
// manifest yields nil.
func ParseAgentInputs(raw json.RawMessage) (*Manifest, error) {
	if s := strings.TrimSpace(string(raw)); s == "" || s == "null" {
		return nil, nil
	}
	var wire struct {
		Version  json.Number     `json:"version"`
		EnvPatch map[string]any  `json:"envPatch"`
		Items    json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.New("INVALID_AGENT_INPUTS")
	}
	if wire.Version.String() != "1" {
		return nil, errors.New("UNSUPPORTED_AGENT_INPUTS_VERSION")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(wire.Items, &items); err != nil || items == nil {
		return nil, errors.New("INVALID_AGENT_INPUTS_ITEMS")
	}

	mf := &Manifest{Version: 1}
	if wire.EnvPatch != nil {
		mf.EnvPatch = make(map[string]string, len(wire.EnvPatch))
		for k, v := range wire.EnvPatch {
			key := strings.TrimSpace(k)
			if !envPatchKeys[key] {
				return nil, fmt.Errorf("INVALID_AGENT_INPUTS_ENV_PATCH_KEY:%s", key)
			}
			if s, ok := v.(string); ok {
				mf.EnvPatch[key] = s
			} else if v != nil {
				mf.EnvPatch[key] = fmt.Sprint(v)
			} else {
				mf.EnvPatch[key] = ""
			}
		}
	}

	for i, rawItem := range items {
		item, err := parseInputItem(i+1, rawItem)
		if err != nil {
			return nil, err
		}
		mf.Items = append(mf.Items, item)
	}
	return mf, nil
}

func parseInputItem(idx int, raw json.RawMessage) (InputItem, error) {
	var it InputItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM:%d", idx)
	}
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" {
		return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM_ID:%d", idx)
	}
	switch it.Apply = strings.TrimSpace(it.Apply); it.Apply {
	case ApplyBindMount, ApplyDownloadExtract, ApplyWriteFile, ApplyCopy:
	default:
		return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM_APPLY:%s", it.ID)
	}
	switch it.Access = strings.TrimSpace(it.Access); it.Access {
	case "", "ro", "rw":
	default:
		return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM_ACCESS:%s", it.ID)
	}
	switch it.Target.Root = strings.TrimSpace(it.Target.Root); it.Target.Root {
	case RootWorkspace, RootUserHome:
	default:
		return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM_TARGET_ROOT:%s", it.ID)
	}
	it.Target.Path = strings.TrimSpace(strings.ReplaceAll(it.Target.Path, `\`, "/"))
	if err := checkRelativePath(it.Target.Path); err != nil {
		return InputItem{}, err
	}
	switch it.Source.Type = strings.TrimSpace(it.Source.Type); it.Source.Type {
	case "hostPath":
		if it.Source.Path = strings.TrimSpace(it.Source.Path); it.Source.Path == "" {
			return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM_SOURCE_HOST_PATH:%s", it.ID)
		}
	case "httpZip":
		if it.Source.URI = strings.TrimSpace(it.Source.URI); it.Source.URI == "" {
			return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM_SOURCE_URI:%s", it.ID)
		}
	case "inlineText":
	default:
		return InputItem{}, fmt.Errorf("INVALID_AGENT_INPUTS_ITEM_SOURCE_TYPE:%s", it.ID)
	}
	return it, nil
}

func checkRelativePath(p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") {
		return errors.New("target.path must be relative")
	}
	n := path.Clean(p)
	if n == ".." || strings.HasPrefix(n, "../") {
		return errors.New("target.path must not escape root")
	}
	return nil
}

// WorkspaceBind returns the host path of a bindMount that replaces the
// whole workspace, or "".
func (mf *Manifest) WorkspaceBind() string {
	if mf == nil {
		return ""
	}
	for _, it := range mf.Items {
		if it.Apply != ApplyBindMount || it.Source.Type != "hostPath" || it.Target.Root != RootWorkspace {
			continue
		}
		if it.Target.Path != "" && it.Target.Path != "." {
			continue
		}
		return it.Source.Path
	}
	return ""
}

// extraMounts converts the remaining bindMount items into instance mounts.
// Every source must sit under the host workspace root.
func (mf *Manifest) extraMounts(hostRoot, userHomeGuest string) ([]sandbox.Mount, error) {
	if mf == nil {
		return nil, nil
	}
	var out []sandbox.Mount
	for _, it := range mf.Items {
		if it.Apply != ApplyBindMount || it.Source.Type != "hostPath" {
			continue
		}
		if it.Target.Root == RootWorkspace && (it.Target.Path == "" || it.Target.Path == ".") {
			continue
		}
		if !filepath.IsAbs(it.Source.Path) {
			return nil, fmt.Errorf("agentInputs bindMount hostPath must be absolute (item=%s)", it.ID)
		}
		src, err := sandbox.ResolveHostPath(hostRoot, it.Source.Path)
		if err != nil {
			return nil, fmt.Errorf("agentInputs bindMount hostPath must be under sandbox.workspace_host_root (item=%s): %w", it.ID, err)
		}
		base := sandbox.WorkspaceGuestPath
		if it.Target.Root == RootUserHome {
			if userHomeGuest == "" {
				continue
			}
			base = userHomeGuest
		}
		out = append(out, sandbox.Mount{
			HostPath:  src,
			GuestPath: path.Join(base, it.Target.Path),
			ReadOnly:  it.Access == "ro",
		})
	}
	return out, nil
}

// applyInputs materialises the writeFile, copy and downloadExtract items of
// mf on the host. bindMount items become mounts in EnsureRuntime.
func (m *Manager) applyInputs(ctx context.Context, r *Run, mf *Manifest) error {
	if mf == nil {
		return nil
	}
	r.mu.Lock()
	roots := map[string]string{RootWorkspace: r.hostWorkspace, RootUserHome: r.hostHome}
	r.mu.Unlock()

	for _, it := range mf.Items {
		log := m.logger.With("run_id", r.ID, "item", it.ID, "apply", it.Apply)
		if it.Apply == ApplyBindMount {
			log.Debug("agent input handled as mount")
			continue
		}
		root := roots[it.Target.Root]
		if root == "" {
			return fmt.Errorf("host root for %s is not available (item=%s)", it.Target.Root, it.ID)
		}
		target, err := resolveTarget(root, it.Target.Path)
		if err != nil {
			return err
		}
		switch it.Apply {
		case ApplyWriteFile:
			if it.Source.Type != "inlineText" {
				return fmt.Errorf("writeFile requires source=inlineText (item=%s)", it.ID)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(it.Source.Text), 0o644); err != nil {
				return err
			}
		case ApplyCopy:
			if it.Source.Type != "hostPath" {
				return fmt.Errorf("copy requires source=hostPath (item=%s)", it.ID)
			}
			from, err := filepath.Abs(it.Source.Path)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := copyTree(from, target); err != nil {
				return fmt.Errorf("copy %s: %w", it.ID, err)
			}
		case ApplyDownloadExtract:
			if err := m.downloadExtract(ctx, it, target); err != nil {
				log.Warn("agent input download failed", "err", err)
				return err
			}
		}
		log.Info("agent input applied", "target", target)
	}
	return nil
}

func resolveTarget(root, rel string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	if !sandbox.WithinHost(root, target) {
		return "", errors.New("target escaped host root")
	}
	return target, nil
}

func copyTree(from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(from, to, info.Mode())
	}
	return filepath.WalkDir(from, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(from, p)
		dst := filepath.Join(to, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		return copyFile(p, dst, fi.Mode())
	})
}

func copyFile(from, to string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// InputsCacheDir holds downloaded archives keyed by content hash.
func InputsCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".tuixiu", "acp-proxy", "inputs-cache", "zips")
}

func (m *Manager) downloadExtract(ctx context.Context, it InputItem, target string) error {
	if it.Source.Type != "httpZip" {
		return fmt.Errorf("downloadExtract requires source=httpZip (item=%s)", it.ID)
	}
	src, err := resolveDownloadURL(m.cfg.OrchestratorURL, it.Source.URI)
	if err != nil {
		return err
	}
	cache := m.cfg.InputsCacheDir
	if cache == "" {
		cache = InputsCacheDir()
	}
	if err := os.MkdirAll(cache, 0o755); err != nil {
		return err
	}
	hash := strings.TrimSpace(it.Source.ContentHash)
	zipFile := filepath.Join(cache, uuid.NewString()+".zip")
	if hash != "" {
		zipFile = filepath.Join(cache, filepath.Base(hash)+".zip")
	}
	if _, err := os.Stat(zipFile); err != nil {
		if err := m.download(ctx, src, zipFile); err != nil {
			return err
		}
	}
	if hash == "" {
		defer os.Remove(zipFile)
	}

	tmp := target + ".tmp-" + uuid.NewString()[:8]
	defer os.RemoveAll(tmp)
	if err := extractZip(zipFile, tmp); err != nil {
		if hash != "" {
			os.Remove(zipFile)
		}
		return err
	}
	if it.Target.Root == RootUserHome && strings.Contains(it.Target.Path, ".codex/skills") {
		if _, err := os.Stat(filepath.Join(tmp, "SKILL.md")); err != nil {
			return fmt.Errorf("skill archive %s has no SKILL.md", it.ID)
		}
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return copyTree(tmp, target)
	}
	return nil
}

// resolveDownloadURL resolves uri against the http form of the orchestrator
// url.
func resolveDownloadURL(orchestrator, uri string) (string, error) {
	ref, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid download uri: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(orchestrator)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("cannot resolve relative uri %q without an orchestrator url", uri)
	}
	switch base.Scheme {
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	}
	base.Path, base.RawQuery = "/", ""
	return base.ResolveReference(ref).String(), nil
}

func (m *Manager) download(ctx context.Context, src, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	if tok := strings.TrimSpace(m.cfg.AuthToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", src, resp.StatusCode)
	}
	limit := m.cfg.DownloadMaxBytes
	if limit <= 0 {
		limit = DefaultDownloadMaxBytes
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = fmt.Errorf("download %s: larger than %d bytes", src, limit)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// extractZip unpacks zipFile into dir, refusing entries that escape it.
func extractZip(zipFile, dir string) error {
	zr, err := zip.OpenReader(zipFile)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if err := checkRelativePath(name); err != nil {
			return fmt.Errorf("archive entry %q: %w", f.Name, err)
		}
		dst, err := resolveTarget(dir, name)
		if err != nil {
			return fmt.Errorf("archive entry %q: %w", f.Name, err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := extractFile(f, dst); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
