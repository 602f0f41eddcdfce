package tui

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	diffAddStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC00"))
	diffDelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4444"))
	diffFileStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	diffDirStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5599FF")).Bold(true)
	diffNewStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC00")).Bold(true)
	diffDelFileStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4444")).Bold(true)
	diffTreeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
	diffWarnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00")).Bold(true)
	diffHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD700"))
	diffDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type diffEntry struct {
	path        string
	status      string // "M", "A", "D"
	added       int
	deleted     int
	uncommitted string // "", "modified", "untracked", "deleted"
}

type dirNode struct {
	name     string
	children map[string]*dirNode
	files    []diffEntry
}

func newDirNode(name string) *dirNode {
	return &dirNode{name: name, children: make(map[string]*dirNode)}
}

// workspaceGit runs git against a run workspace on the host.
func workspaceGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...).Output()
}

// buildDiffTree compares the run workspace at dir against the branch it
// was cut from and returns a rendered file tree titled with title.
func buildDiffTree(ctx context.Context, dir, title string) (string, error) {
	if _, err := workspaceGit(ctx, dir, "rev-parse", "--git-dir"); err != nil {
		return "", fmt.Errorf("%s is not a git workspace", dir)
	}

	// Committed changes exist only when the branch tracks its base.
	var commitCount int
	var committedStatus, committedNumstat []byte
	if _, err := workspaceGit(ctx, dir, "rev-parse", "--abbrev-ref", "@{upstream}"); err == nil {
		commitOut, _ := workspaceGit(ctx, dir, "rev-list", "--count", "@{upstream}..HEAD")
		commitCount, _ = strconv.Atoi(strings.TrimSpace(string(commitOut)))
		committedStatus, err = workspaceGit(ctx, dir, "diff", "--name-status", "@{upstream}...HEAD")
		if err != nil {
			return "", fmt.Errorf("git diff @{upstream}...HEAD: %w", err)
		}
		committedNumstat, _ = workspaceGit(ctx, dir, "diff", "--numstat", "@{upstream}...HEAD")
	}
	porcelainOut, _ := workspaceGit(ctx, dir, "status", "--porcelain")

	entries := parseDiffEntries(string(committedStatus), string(committedNumstat), string(porcelainOut))
	if len(entries) == 0 {
		return fmt.Sprintf("[%s] No changes yet", title), nil
	}
	return renderDiff(title, commitCount, entries), nil
}

// parseDiffEntries merges git diff --name-status and --numstat output with
// git status --porcelain into one entry per path.
func parseDiffEntries(nameStatus, numstat, porcelain string) map[string]*diffEntry {
	entries := make(map[string]*diffEntry)

	for _, line := range strings.Split(strings.TrimSpace(nameStatus), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status := fields[0][:1]
		file := fields[len(fields)-1] // renames list the new path last
		entries[file] = &diffEntry{path: file, status: status}
	}

	for _, line := range strings.Split(strings.TrimSpace(numstat), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		added, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		if e, ok := entries[fields[2]]; ok {
			e.added = added
			e.deleted = deleted
		}
	}

	for _, line := range strings.Split(strings.TrimRight(porcelain, "\n"), "\n") {
		if line == "" {
			continue
		}
		// "XY path": X is the index status, Y the worktree status.
		if len(line) < 3 {
			continue
		}
		x, y := line[0], line[1]
		rest := strings.TrimSpace(line[2:])
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, " -> "); idx >= 0 {
			rest = rest[idx+4:]
		}
		file := rest

		switch {
		case x == '?' && y == '?':
			if e, exists := entries[file]; exists {
				e.uncommitted = "untracked"
			} else {
				entries[file] = &diffEntry{path: file, status: "A", uncommitted: "untracked"}
			}

		case y == 'D':
			if e, exists := entries[file]; exists {
				e.uncommitted = "deleted"
			} else {
				entries[file] = &diffEntry{path: file, status: "D", uncommitted: "deleted"}
			}

		case y == 'M' || x == 'M':
			if e, exists := entries[file]; exists {
				e.uncommitted = "modified"
			} else {
				entries[file] = &diffEntry{path: file, status: "M", uncommitted: "modified"}
			}

		case x == 'A':
			if e, exists := entries[file]; exists {
				e.uncommitted = "modified"
			} else {
				entries[file] = &diffEntry{path: file, status: "A", uncommitted: "untracked"}
			}
		}
	}

	return entries
}

func renderDiff(title string, commitCount int, entries map[string]*diffEntry) string {
	sortedFiles := make([]string, 0, len(entries))
	for f := range entries {
		sortedFiles = append(sortedFiles, f)
	}
	sort.Strings(sortedFiles)

	root := newDirNode("")
	for _, f := range sortedFiles {
		e := entries[f]
		parts := strings.Split(e.path, "/")
		node := root
		for _, dir := range parts[:len(parts)-1] {
			if _, ok := node.children[dir]; !ok {
				node.children[dir] = newDirNode(dir)
			}
			node = node.children[dir]
		}
		node.files = append(node.files, *e)
	}

	var b strings.Builder
	b.WriteString(diffHeaderStyle.Render(title))
	b.WriteString(diffDimStyle.Render(fmt.Sprintf("  %d commit%s", commitCount, plural(commitCount))))
	b.WriteString("\n")

	renderTree(&b, root, "")

	totalAdd, totalDel, fileCount, uncommittedCount := 0, 0, 0, 0
	for _, e := range entries {
		totalAdd += e.added
		totalDel += e.deleted
		fileCount++
		if e.uncommitted != "" {
			uncommittedCount++
		}
	}
	b.WriteString("\n")
	summary := fmt.Sprintf("%d file%s changed", fileCount, plural(fileCount))
	if totalAdd > 0 {
		summary += ", " + diffAddStyle.Render(fmt.Sprintf("+%d", totalAdd))
	}
	if totalDel > 0 {
		summary += ", " + diffDelStyle.Render(fmt.Sprintf("-%d", totalDel))
	}
	b.WriteString(summary)

	if uncommittedCount > 0 {
		b.WriteString("\n")
		b.WriteString(diffWarnStyle.Render(fmt.Sprintf(
			"⚠ %d file%s with uncommitted changes", uncommittedCount, plural(uncommittedCount))))
	}

	return b.String()
}

func renderTree(b *strings.Builder, node *dirNode, prefix string) {
	var dirNames []string
	for name := range node.children {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)

	type item struct {
		isDir bool
		name  string
	}
	items := make([]item, 0, len(dirNames)+len(node.files))
	for _, d := range dirNames {
		items = append(items, item{true, d})
	}
	for _, f := range node.files {
		parts := strings.Split(f.path, "/")
		items = append(items, item{false, parts[len(parts)-1]})
	}

	for i, it := range items {
		isLast := i == len(items)-1
		connector := "├── "
		childPrefix := "│   "
		if isLast {
			connector = "└── "
			childPrefix = "    "
		}

		if it.isDir {
			b.WriteString(diffTreeStyle.Render(prefix+connector) + diffDirStyle.Render(it.name+"/") + "\n")
			renderTree(b, node.children[it.name], prefix+childPrefix)
		} else {
			var entry diffEntry
			for _, f := range node.files {
				parts := strings.Split(f.path, "/")
				if parts[len(parts)-1] == it.name {
					entry = f
					break
				}
			}
			renderFileEntry(b, prefix+connector, entry)
		}
	}
}

func renderFileEntry(b *strings.Builder, prefix string, entry diffEntry) {
	nameStyle := diffFileStyle
	var badges []string

	switch entry.status {
	case "A":
		nameStyle = diffNewStyle
		badges = append(badges, diffNewStyle.Render("new"))
	case "D":
		nameStyle = diffDelFileStyle
		badges = append(badges, diffDelFileStyle.Render("deleted"))
	}

	switch entry.uncommitted {
	case "untracked":
		badges = append(badges, diffWarnStyle.Render("⚠ untracked"))
	case "deleted":
		badges = append(badges, diffWarnStyle.Render("⚠ locally deleted"))
	case "modified":
		badges = append(badges, diffWarnStyle.Render("⚠ uncommitted changes"))
	}

	var counts []string
	if entry.added > 0 {
		counts = append(counts, diffAddStyle.Render(fmt.Sprintf("+%d", entry.added)))
	}
	if entry.deleted > 0 {
		counts = append(counts, diffDelStyle.Render(fmt.Sprintf("-%d", entry.deleted)))
	}

	parts := strings.Split(entry.path, "/")
	fileName := parts[len(parts)-1]

	line := diffTreeStyle.Render(prefix) + nameStyle.Render(fileName)
	if len(badges) > 0 {
		line += " " + strings.Join(badges, " ")
	}
	if len(counts) > 0 {
		line += "  " + strings.Join(counts, " ")
	}
	b.WriteString(line + "\n")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
