package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"masterd/internal/client"
	"masterd/internal/config"
)

func runsCmd() *cobra.Command {
	var (
		addr  string
		token string
		limit int
	)

	c := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs on a running master",
		RunE: func(_ *cobra.Command, _ []string) error {
			list, err := client.NewControl(addr, token).ListRuns(limit)
			if err != nil {
				return err
			}
			fmt.Print(renderRuns(list))
			return nil
		},
	}
	c.Flags().StringVar(&addr, "addr", config.DefaultStatsSocket, "Stats API address")
	c.Flags().StringVar(&token, "token", "", "Bearer token for the stats API")
	c.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return c
}

func renderRuns(list *client.RunList) string {
	if list.Count == 0 {
		return "no runs recorded\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-38s %-20s %-10s %-9s %-20s %s",
		"ID", "REF", "SHA", "STATUS", "CREATED", "DURATION")))
	b.WriteString("\n")
	for _, r := range list.Runs {
		b.WriteString(fmt.Sprintf("%-38s %-20s %-10s %-9s %-20s %s\n",
			r.ID, r.Ref, shortSHA(r.SHA), r.Status,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), runDuration(r)))
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// runDuration reports wall time between start and finish, or "-" for runs
// that never started.
func runDuration(r client.RunInfo) string {
	if r.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt).Round(time.Millisecond).String()
}
