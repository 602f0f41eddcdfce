package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zpdzap/acpproxy/internal/proxy"
	"github.com/zpdzap/acpproxy/internal/sandbox"
)

func (m model) View() string {
	if m.quitting {
		return ""
	}

	title := m.opts.Title
	stats := statsStyle.Render(fmt.Sprintf("%s  %d instance%s", m.sb.Provider(), len(m.instances), plural(len(m.instances))))
	gap := max(1, m.width-lipgloss.Width(title)-lipgloss.Width(stats)-4)
	header := headerStyle.Width(m.width).Render(title + strings.Repeat(" ", gap) + stats)

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")

	if len(m.instances) == 0 {
		b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
		b.WriteString("\n")
		b.WriteString(emptyStyle.Render("No managed instances. Runs opened by the orchestrator show up here."))
		b.WriteString("\n\n")
	} else {
		for i, inst := range m.instances {
			b.WriteString(m.renderInstance(i, inst))
			b.WriteString("\n")
		}
		b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
		b.WriteString("\n")
		footerLines := 4
		if m.commanding {
			footerLines++
		}
		b.WriteString(m.renderDetail(max(3, m.height-1-len(m.instances)-1-1-footerLines)))
	}

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	switch {
	case m.commanding:
		b.WriteString(hotkeysStyle.Render("[enter] execute  [esc] cancel"))
	case m.confirmKey == "x":
		b.WriteString(confirmStyle.Render(fmt.Sprintf("Stop %s? Press x again to confirm, any other key to cancel", m.confirmName)))
	case m.confirmKey == "D":
		b.WriteString(confirmStyle.Render(fmt.Sprintf("Remove %s? Press D again to confirm, any other key to cancel", m.confirmName)))
	default:
		b.WriteString(hotkeysStyle.Render("[↑↓] select  [enter] shell  [x] stop  [D] remove  [d]iff  [/] command  [?] help"))
	}
	b.WriteString("\n")

	m.renderStatusAndInput(&b)

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

func (m model) renderInstance(index int, inst sandbox.Instance) string {
	cursor := "  "
	nStyle := nameStyle
	if index == m.cursor {
		cursor = "▸ "
		nStyle = selectedNameStyle
	}
	icon, iStyle := statusIcon(inst.Status)

	parts := []string{
		fmt.Sprintf("  %s%s %s", cursor, iStyle.Render(icon), nStyle.Render(inst.Name)),
		iStyle.Render(string(inst.Status)),
	}
	if !inst.CreatedAt.IsZero() {
		parts = append(parts, ageStyle.Render(age(time.Since(inst.CreatedAt))))
	}
	if inst.WorkspaceRoot != "" {
		parts = append(parts, pathStyle.Render(inst.WorkspaceRoot))
	}
	return strings.Join(parts, "  ")
}

func statusIcon(s sandbox.Status) (string, lipgloss.Style) {
	switch s {
	case sandbox.StatusRunning:
		return "●", statusRunning
	case sandbox.StatusStopped:
		return "○", statusStopped
	case sandbox.StatusError:
		return "✗", statusStopped
	default:
		return "◌", statusOther
	}
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func (m model) renderDetail(height int) string {
	var b strings.Builder
	lines := []string{detailEmptyStyle.Render("[d] shows the workspace diff of the selected run")}
	if m.detail != "" {
		lines = strings.Split(strings.TrimRight(m.detail, "\n"), "\n")
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	for _, line := range lines {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	for i := len(lines); i < height; i++ {
		b.WriteString("\n")
	}
	return b.String()
}

// renderPlan lists what a gc plan would delete.
func renderPlan(plan proxy.GCPlan) string {
	var b strings.Builder
	b.WriteString(diffHeaderStyle.Render("gc plan"))
	b.WriteString("\n")
	for _, ref := range plan.Instances {
		b.WriteString(diffDelFileStyle.Render("instance  "))
		b.WriteString(ref.InstanceName)
		b.WriteString("\n")
	}
	for _, ws := range plan.Workspaces {
		b.WriteString(diffDelFileStyle.Render("workspace "))
		b.WriteString(ws.HostPath)
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) renderStatusAndInput(b *strings.Builder) {
	if m.message != "" {
		if m.isError {
			b.WriteString(errorStyle.Render(m.message))
		} else {
			b.WriteString(messageStyle.Render(m.message))
		}
		b.WriteString("\n")
	}
	if m.commanding {
		b.WriteString("  ")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
}

func (m model) renderHelpOverlay(base string) string {
	help := strings.Join([]string{
		helpHeaderStyle.Render("Navigation"),
		helpKeyStyle.Render("  ↑/k  ↓/j") + helpDescStyle.Render("   Select instance"),
		helpKeyStyle.Render("  Enter") + helpDescStyle.Render("       Shell into instance (containers)"),
		helpKeyStyle.Render("  r") + helpDescStyle.Render("           Refresh now"),
		"",
		helpHeaderStyle.Render("Actions"),
		helpKeyStyle.Render("  x x") + helpDescStyle.Render("         Stop selected instance"),
		helpKeyStyle.Render("  D D") + helpDescStyle.Render("         Remove selected instance"),
		helpKeyStyle.Render("  d") + helpDescStyle.Render("           Diff the run workspace"),
		"",
		helpHeaderStyle.Render("Commands"),
		helpKeyStyle.Render("  /") + helpDescStyle.Render("           Open command bar"),
		helpDescStyle.Render("  /stop <instance|all>"),
		helpDescStyle.Render("  /remove <instance|all>"),
		helpDescStyle.Render("  /diff <instance>"),
		helpDescStyle.Render("  /gc [apply]"),
		"",
		helpKeyStyle.Render("  q") + helpDescStyle.Render("  quit") + "     " + helpKeyStyle.Render("?") + helpDescStyle.Render("  close this help"),
	}, "\n")

	modal := helpStyle.Render(help)
	xOffset := max(0, (m.width-lipgloss.Width(modal))/2)
	yOffset := max(0, (m.height-lipgloss.Height(modal))/2)

	baseLines := strings.Split(base, "\n")
	for i, mLine := range strings.Split(modal, "\n") {
		row := yOffset + i
		if row >= len(baseLines) {
			break
		}
		baseLines[row] = strings.Repeat(" ", xOffset) + mLine + strings.Repeat(" ", max(0, m.width-xOffset-lipgloss.Width(mLine)))
	}
	return strings.Join(baseLines, "\n")
}
