package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"masterd/internal/client"
	"masterd/internal/config"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	faintStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle   = lipgloss.NewStyle().Bold(true).Faint(true)
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stoppingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle      = lipgloss.NewStyle().
			Padding(0, 1).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63"))
)

func statusCmd() *cobra.Command {
	var addr, token string

	c := &cobra.Command{
		Use:   "status",
		Short: "Show pool and gateway status of a running master",
		RunE: func(_ *cobra.Command, _ []string) error {
			info, err := client.NewControl(addr, token).Status()
			if err != nil {
				return err
			}
			fmt.Println(renderStatus(info))
			return nil
		},
	}
	c.Flags().StringVar(&addr, "addr", config.DefaultStatsSocket, "Stats API address")
	c.Flags().StringVar(&token, "token", "", "Bearer token for the stats API")
	return c
}

func renderStatus(info *client.StatusInfo) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("masterd %s", info.Version)))
	b.WriteString(faintStyle.Render(fmt.Sprintf("  pid %d", info.Pid)))
	if info.Reloading {
		b.WriteString("  " + stoppingStyle.Render("reloading"))
	}
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("workers   %d/%d in rotation, %d busy (busyness %.1f%%)\n",
		info.InRotation, info.Processes, info.Busy, info.Busyness))
	b.WriteString(fmt.Sprintf("requests  %d served, %d upstream errors\n",
		info.Requests, info.UpstreamErrors))
	b.WriteString(fmt.Sprintf("queue     %d waiting, %d rejected\n",
		info.ListenQueue, info.QueueRejected))
	b.WriteString(fmt.Sprintf("memory    %s total rss\n", formatBytes(info.TotalRSS)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-4s %-7s %-9s %9s %9s %10s %10s %10s",
		"ID", "PID", "STATUS", "REQS", "INFLIGHT", "RSS", "LATENCY", "UPTIME")))
	b.WriteString("\n")
	for _, w := range info.Workers {
		status := workerStyle(w.Status).Render(fmt.Sprintf("%-9s", w.Status))
		b.WriteString(fmt.Sprintf("%-4d %-7d %s %9d %9d %10s %8.1fms %10s\n",
			w.ID, w.Pid, status, w.Requests, w.Inflight,
			formatBytes(w.RSS), w.AvgLatencyMs,
			(time.Duration(w.UptimeSeconds)*time.Second).String()))
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func workerStyle(status string) lipgloss.Style {
	switch status {
	case "running":
		return runningStyle
	case "stopping":
		return stoppingStyle
	default:
		return failedStyle
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
