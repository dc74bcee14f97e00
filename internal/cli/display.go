package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/api"
	"github.com/worldland/slurmwatch/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

func healthStyle(h aggregator.Health) lipgloss.Style {
	switch h {
	case aggregator.Fresh:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case aggregator.Stale:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	}
}

const (
	colIdentity = 16
	colHealth   = 12
	colAge      = 10
	colGPUs     = 6
	colUtil     = 8
	colJobs     = 6
)

func cell(s string, width int) string {
	if lipgloss.Width(s) > width-1 {
		s = s[:width-2] + "…"
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

// RenderCluster renders the cluster view as a table
func RenderCluster(c *api.ClusterResponse) string {
	var b strings.Builder

	s := c.Summary
	fmt.Fprintf(&b, "%s  %s\n",
		headerStyle.Render(fmt.Sprintf("Cluster (%d collectors)", s.Total)),
		faintStyle.Render(c.TakenAt.Local().Format(time.DateTime)))
	fmt.Fprintf(&b, "  %s  %s  %s\n\n",
		healthStyle(aggregator.Fresh).Render(fmt.Sprintf("fresh %d", s.Fresh)),
		healthStyle(aggregator.Stale).Render(fmt.Sprintf("stale %d", s.Stale)),
		healthStyle(aggregator.Unreachable).Render(fmt.Sprintf("unreachable %d", s.Unreachable)))

	if len(c.Collectors) == 0 {
		b.WriteString("  (no collectors known)\n")
		return b.String()
	}

	b.WriteString("  " + headerStyle.Render(
		cell("COLLECTOR", colIdentity)+cell("HEALTH", colHealth)+cell("AGE", colAge)+
			cell("GPUS", colGPUs)+cell("UTIL", colUtil)+cell("JOBS", colJobs)+"LAST ERROR") + "\n")

	for _, col := range c.Collectors {
		age, gpus, util, jobs := "-", "-", "-", "-"
		if col.HasData {
			age = formatAge(time.Duration(col.AgeSeconds * float64(time.Second)))
		}
		if col.Payload != nil {
			gpus = fmt.Sprintf("%d", len(col.Payload.GPUs))
			util = formatUtil(col.Payload.GPUs)
			jobs = fmt.Sprintf("%d", len(col.Payload.Jobs))
		}

		b.WriteString("  " +
			cell(string(col.Identity), colIdentity) +
			healthStyle(col.Health).Width(colHealth).Render(col.Health.String()) +
			cell(age, colAge) +
			cell(gpus, colGPUs) +
			cell(util, colUtil) +
			cell(jobs, colJobs) +
			faintStyle.Render(col.LastError) + "\n")
	}
	return b.String()
}

// RenderJobs lists the jobs reported by every collector with data
func RenderJobs(c *api.ClusterResponse) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Jobs") + "\n")

	n := 0
	for _, col := range c.Collectors {
		if col.Payload == nil {
			continue
		}
		for _, j := range col.Payload.Jobs {
			fmt.Fprintf(&b, "  %-10s %-12s %-10s %-16s %-14s %s\n",
				j.JobID, j.User, j.State, j.NodeList, formatJobGPUs(col.Payload.Usage, j.JobID), j.Name)
			n++
		}
	}
	if n == 0 {
		b.WriteString("  (no jobs)\n")
	}
	return b.String()
}

// RenderHistory renders observations oldest first
func RenderHistory(h *api.HistoryResponse) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("History of %s (%d)", h.Identity, len(h.Observations))) + "\n")

	for _, o := range h.Observations {
		jobs := 0
		var gpus []domain.GPUMetrics
		if o.Record != nil {
			jobs = len(o.Record.Jobs)
			gpus = o.Record.GPUs
		}
		fmt.Fprintf(&b, "  %s  util %-7s gpus %-3d jobs %d\n",
			o.ObservedAt.Local().Format(time.DateTime), formatUtil(gpus), len(gpus), jobs)
	}
	return b.String()
}

// RenderGPUHours lists reserved GPU hours per user, largest first
func RenderGPUHours(h *api.GPUHoursResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n",
		headerStyle.Render(fmt.Sprintf("Reserved GPU hours (%.1f total)", h.TotalHours)),
		faintStyle.Render(h.Start.Local().Format(time.DateTime)+" .. "+h.End.Local().Format(time.DateTime)))

	users := make([]string, 0, len(h.Hours))
	for u := range h.Hours {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if h.Hours[users[i]] != h.Hours[users[j]] {
			return h.Hours[users[i]] > h.Hours[users[j]]
		}
		return users[i] < users[j]
	})

	if len(users) == 0 {
		b.WriteString("  (no usage)\n")
	}
	for _, u := range users {
		fmt.Fprintf(&b, "  %s %10.1f\n", cell(u, colIdentity), h.Hours[u])
	}
	return b.String()
}

// PrintCluster writes the cluster table to w
func PrintCluster(w io.Writer, c *api.ClusterResponse) {
	fmt.Fprint(w, RenderCluster(c))
}

// PrintError prints an error message
func PrintError(w io.Writer, message string) {
	fmt.Fprintf(w, "\nError: %s\n", message)
}

func formatUtil(gpus []domain.GPUMetrics) string {
	if len(gpus) == 0 {
		return "-"
	}
	var sum float64
	for _, g := range gpus {
		sum += g.UtilizationPct
	}
	return fmt.Sprintf("%.0f%%", sum/float64(len(gpus)))
}

// formatJobGPUs summarizes the GPUs a job holds on one node
func formatJobGPUs(usage []domain.GPUUsage, jobID string) string {
	var gpus int
	var mem uint64
	for _, u := range usage {
		if u.JobID == jobID {
			gpus++
			mem += u.MemoryAllocBytes
		}
	}
	if gpus == 0 {
		return "-"
	}
	return fmt.Sprintf("%d gpu %.1fG", gpus, float64(mem)/(1<<30))
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
