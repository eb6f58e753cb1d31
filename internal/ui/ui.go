// Package ui renders CLI output.
package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/artpar/flotilla/internal/core/domain"
	"github.com/artpar/flotilla/internal/shell/project"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CA8A04"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// FormatError returns a styled multi-line error message.
func FormatError(title, detail, suggestion string) string {
	out := errorStyle.Render("Error: "+title) + "\n"
	if detail != "" {
		out += "  " + detail + "\n"
	}
	if suggestion != "" {
		out += "  " + hintStyle.Render("Hint: "+suggestion) + "\n"
	}
	return out
}

// FormatFailures lists per-container failures under a header line.
func FormatFailures(err *project.OperationError) string {
	var b strings.Builder
	b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %s failed for %d container(s)", err.Op, len(err.Failures))))
	b.WriteString("\n")
	for _, f := range err.Failures {
		name := f.Container
		if name == "" {
			name = f.Service
		}
		fmt.Fprintf(&b, "  %s %s: %v\n", errorStyle.Render("ERR"), name, f.Err)
	}
	return b.String()
}

// Success renders a green success message.
func Success(msg string) string {
	return successStyle.Render(msg)
}

// Warn renders a yellow warning message.
func Warn(msg string) string {
	return warnStyle.Render("Warning: " + msg)
}

// Bold renders text in bold.
func Bold(s string) string {
	return boldStyle.Render(s)
}

// Hint renders text in dim italic.
func Hint(s string) string {
	return hintStyle.Render(s)
}

// =============================================================================
// Tables
// =============================================================================

// StateStyle colors a container state.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return successStyle
	case "paused":
		return warnStyle
	default:
		return dimStyle
	}
}

// ContainerTable renders containers the way `ps` lists them.
func ContainerTable(containers []project.Container) string {
	if len(containers) == 0 {
		return dimStyle.Render("no containers")
	}
	rows := make([][]string, 0, len(containers))
	for _, c := range containers {
		rows = append(rows, []string{c.Name, c.Service, strconv.Itoa(c.Number), c.Image, c.State(), c.ShortID()})
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("NAME", "SERVICE", "#", "IMAGE", "STATE", "ID").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 {
				return StateStyle(rows[row][4]).Padding(0, 1)
			}
			return cellStyle
		})
	return t.Render()
}

// OperationTable renders journal entries, newest first.
func OperationTable(ops []domain.Operation) string {
	if len(ops) == 0 {
		return dimStyle.Render("no recorded operations")
	}
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		services := strings.Join(op.Services, ",")
		if services == "" {
			services = "*"
		}
		rows = append(rows, []string{
			op.StartedAt.Local().Format(time.DateTime),
			op.Name,
			services,
			string(op.Status),
			op.Duration().Round(time.Millisecond).String(),
			truncate(op.Error, 60),
		})
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("STARTED", "OPERATION", "SERVICES", "STATUS", "DURATION", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 {
				return statusStyle(domain.OperationStatus(rows[row][3])).Padding(0, 1)
			}
			return cellStyle
		})
	return t.Render()
}

func statusStyle(s domain.OperationStatus) lipgloss.Style {
	switch s {
	case domain.OperationSucceeded:
		return successStyle
	case domain.OperationPartial:
		return warnStyle
	case domain.OperationFailed:
		return errorStyle
	default:
		return dimStyle
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
