// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bureau-foundation/rootswap/lib/bootcheck"
	"github.com/bureau-foundation/rootswap/sysroot"
	"github.com/bureau-foundation/rootswap/transition"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// theme holds the styles for one output writer. The renderer detects
// the writer's color profile, so output to a pipe or file carries no
// escape sequences.
type theme struct {
	heading  lipgloss.Style
	faint    lipgloss.Style
	current  lipgloss.Style
	rollback lipgloss.Style
	stale    lipgloss.Style
	warning  lipgloss.Style
}

func newTheme(w io.Writer) theme {
	renderer := lipgloss.NewRenderer(w)
	return theme{
		heading:  renderer.NewStyle().Bold(true),
		faint:    renderer.NewStyle().Faint(true),
		current:  renderer.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		rollback: renderer.NewStyle().Foreground(lipgloss.Color("3")),
		stale:    renderer.NewStyle().Faint(true),
		warning:  renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

func (t theme) status(status sysroot.Status) lipgloss.Style {
	switch status {
	case sysroot.StatusCurrent:
		return t.current
	case sysroot.StatusRollback:
		return t.rollback
	default:
		return t.stale
	}
}

// renderStatus writes the human-readable form of a status report.
func renderStatus(w io.Writer, report *transition.StatusReport, now time.Time) error {
	t := newTheme(w)
	var out strings.Builder

	header := fmt.Sprintf("Generation %d", report.Generation)
	if report.Booted != "" {
		header += ", booted " + report.Booted
	}
	out.WriteString(t.heading.Render(header) + "\n\n")

	if len(report.Deployments) == 0 {
		out.WriteString("No deployments.\n")
	} else {
		rows := [][]string{{"", "DEPLOYMENT", "STATUS", "ORIGIN", "CREATED", ""}}
		for _, deployment := range report.Deployments {
			marker := ""
			if deployment.ID == report.Booted {
				marker = "*"
			}
			flags := ""
			if deployment.Pinned {
				flags = "pinned"
			}
			rows = append(rows, []string{
				marker,
				deployment.ID,
				string(deployment.Status),
				deployment.Origin,
				humanize.RelTime(deployment.CreatedAt, now, "ago", "from now"),
				flags,
			})
		}
		widths := columnWidths(rows)
		for index, row := range rows {
			style := t.faint
			if index > 0 {
				style = t.status(report.Deployments[index-1].Status)
			}
			cells := make([]string, len(row))
			for column, cell := range row {
				cellStyle := style
				if index > 0 && column != 2 {
					cellStyle = lipgloss.NewStyle()
				}
				cells[column] = cellStyle.Width(widths[column]).Render(cell)
			}
			out.WriteString(strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
		}
	}

	if pending := report.PendingBootCheck; pending != nil {
		out.WriteString("\n" + t.warning.Render("Pending boot check:") + " " + describeBootCheck(pending, now) + "\n")
	}

	if len(report.Trees) > 0 {
		out.WriteString("\n" + t.heading.Render(fmt.Sprintf("Trees (%d)", len(report.Trees))) + "\n")
		for _, tree := range report.Trees {
			holders := "unreferenced"
			if len(tree.Holders) > 0 {
				holders = "held by " + strings.Join(tree.Holders, ", ")
			}
			out.WriteString(fmt.Sprintf("  %s  %s\n", tree.Digest.Short(), t.faint.Render(holders)))
		}
	}

	_, err := io.WriteString(w, out.String())
	return err
}

func describeBootCheck(pending *bootcheck.State, now time.Time) string {
	from := pending.PreviousDeployment
	if from == "" {
		from = "(none)"
	}
	return fmt.Sprintf("%s %s -> %s, committed %s",
		pending.Operation, from, pending.NewDeployment,
		humanize.RelTime(pending.Timestamp, now, "ago", "from now"))
}

// columnWidths returns the widest cell of each column.
func columnWidths(rows [][]string) []int {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for column, cell := range row {
			widths[column] = max(widths[column], lipgloss.Width(cell))
		}
	}
	return widths
}

// renderResult writes a one-line summary of a completed operation.
func renderResult(w io.Writer, result *transition.Result) error {
	t := newTheme(w)
	var line string
	id := ""
	if result.Deployment != nil {
		id = result.Deployment.ID
	}

	switch {
	case !result.Changed && result.Operation == "prune":
		line = "nothing to prune"
	case !result.Changed && result.Operation == "finalize":
		line = fmt.Sprintf("%s already finalized", id)
	case !result.Changed:
		line = fmt.Sprintf("no changes (%s)", id)
	default:
		switch result.Operation {
		case "upgrade", "switch", "rollback":
			line = fmt.Sprintf("%s is the next boot target; reboot to activate", t.current.Render(id))
		case "finalize":
			line = fmt.Sprintf("booted %s", t.current.Render(id))
			if result.Outcome == bootcheck.FellBack.String() {
				line += "; " + t.warning.Render("the new deployment did not boot and was demoted")
			}
		case "prune":
			parts := []string{}
			if len(result.Pruned) > 0 {
				parts = append(parts, fmt.Sprintf("removed %s %s", humanize.Comma(int64(len(result.Pruned))), plural(len(result.Pruned), "deployment")))
			}
			if len(result.CollectedTrees) > 0 {
				parts = append(parts, fmt.Sprintf("deleted %s %s", humanize.Comma(int64(len(result.CollectedTrees))), plural(len(result.CollectedTrees), "tree")))
			}
			line = strings.Join(parts, ", ")
			if len(result.Pruned) > 0 {
				line += " (" + strings.Join(result.Pruned, ", ") + ")"
			}
		case "pin":
			line = fmt.Sprintf("%s pinned", id)
		case "unpin":
			line = fmt.Sprintf("%s unpinned", id)
		case "mount-root":
			line = fmt.Sprintf("mounted %s", id)
		default:
			line = "done"
		}
	}

	_, err := fmt.Fprintf(w, "%s: %s\n", result.Operation, line)
	return err
}

// renderRecovery summarizes a recovery report.
func renderRecovery(w io.Writer, report *transition.RecoveryReport) error {
	if !report.Repaired() && report.PreviousHolder == nil {
		_, err := fmt.Fprintln(w, "recover: nothing to repair")
		return err
	}
	var parts []string
	if report.PreviousHolder != nil {
		parts = append(parts, "reclaimed the lock from "+report.PreviousHolder.String())
	}
	if len(report.Orphans) > 0 {
		parts = append(parts, fmt.Sprintf("removed %d orphaned %s", len(report.Orphans), plural(len(report.Orphans), "directory")))
	}
	if report.Temporaries > 0 {
		parts = append(parts, fmt.Sprintf("removed %d temporary %s", report.Temporaries, plural(report.Temporaries, "file")))
	}
	if report.PinsAdded > 0 || report.PinsRemoved > 0 {
		parts = append(parts, fmt.Sprintf("repaired tree pins (+%d, -%d)", report.PinsAdded, report.PinsRemoved))
	}
	if report.BootRegenerated {
		parts = append(parts, "rewrote boot entries")
	}
	_, err := fmt.Fprintf(w, "recover: %s\n", strings.Join(parts, ", "))
	return err
}

func plural(count int, noun string) string {
	if count == 1 {
		return noun
	}
	if strings.HasSuffix(noun, "y") {
		return strings.TrimSuffix(noun, "y") + "ies"
	}
	return noun + "s"
}
