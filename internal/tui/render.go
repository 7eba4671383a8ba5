package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"

	"github.com/kingrea/converge/internal/status"
	"github.com/kingrea/converge/internal/workflow"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)

	statusColors = map[workflow.EdgeStatus]lipgloss.Color{
		workflow.StatusConverged: lipgloss.Color("#5FD787"),
		workflow.StatusIterating: lipgloss.Color("#FFD75F"),
		workflow.StatusBlocked:   lipgloss.Color("#FF6B6B"),
		workflow.StatusPending:   lipgloss.Color("#888888"),
	}
)

var dashboardHeaders = []string{"FEATURE", "EDGE", "STATUS", "ITER", "DELTA", "ESCALATIONS"}

// Rows flattens the dashboard into one row per (feature, edge).
func Rows(d status.Dashboard) [][]string {
	var rows [][]string
	for _, f := range d.Features {
		name := f.Feature
		if name == "" {
			name = "-"
		}
		if f.Archived {
			name += " (archived)"
		}
		for _, e := range f.Edges {
			escalations := strings.Join(e.Escalations, ", ")
			if e.BlockedBy != "" {
				escalations = "waiting on " + e.BlockedBy
			}
			rows = append(rows, []string{
				name,
				e.Edge,
				string(e.Status),
				fmt.Sprint(e.Iteration),
				fmt.Sprint(e.Delta),
				escalations,
			})
		}
	}
	return rows
}

// RenderDashboard renders a static dashboard, as printed by `converge status`.
func RenderDashboard(d status.Dashboard) string {
	rows := Rows(d)
	header := titleStyle.Render(fmt.Sprintf("converge · %s", projectName(d)))
	if len(rows) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, header, mutedStyle.Render("No iterations recorded yet."))
	}
	tbl := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(dashboardHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == ltable.HeaderRow {
				return style.Bold(true)
			}
			if col == 2 && row >= 0 && row < len(rows) {
				if color, ok := statusColors[workflow.EdgeStatus(rows[row][2])]; ok {
					style = style.Foreground(color)
				}
			}
			return style
		})
	parts := []string{header, tbl.Render(), renderTotals(d)}
	if len(d.Errors) > 0 {
		parts = append(parts, renderErrors(d.Errors))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// ProviderRow is one line of `converge providers`.
type ProviderRow struct {
	Name        string
	Model       string
	Description string
	Default     bool
}

// RenderProviders renders the provider registry as a table.
func RenderProviders(rows []ProviderRow) string {
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		name := r.Name
		if r.Default {
			name += " *"
		}
		model := r.Model
		if model == "" {
			model = "-"
		}
		cells = append(cells, []string{name, model, r.Description})
	}
	tbl := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("PROVIDER", "MODEL", "DESCRIPTION").
		Rows(cells...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == ltable.HeaderRow {
				return style.Bold(true)
			}
			return style
		})
	return lipgloss.JoinVertical(lipgloss.Left, tbl.Render(), mutedStyle.Render("* default agent provider"))
}

func renderTotals(d status.Dashboard) string {
	t := d.Totals
	line := fmt.Sprintf("%d iterations · %d converged · %d spawned · %d folded back · %d errors",
		t.Iterations, t.Converged, t.Spawns, t.FoldBacks, t.CommandErrors)
	if !d.LastEvent.IsZero() {
		line += " · last event " + d.LastEvent.Local().Format(time.DateTime)
	}
	return mutedStyle.Render(line)
}

func renderErrors(errs []status.ErrorView) string {
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, fmt.Sprintf("%s  %s: %s", e.Timestamp.Local().Format(time.TimeOnly), e.Command, e.Message))
	}
	return errorStyle.Render(strings.Join(lines, "\n"))
}

func projectName(d status.Dashboard) string {
	if d.Project == "" {
		return "(no events)"
	}
	return d.Project
}
