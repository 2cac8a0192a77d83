package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"masterd/internal/client"
	"masterd/internal/config"
	"masterd/internal/pipeline"
)

const waitPollInterval = 2 * time.Second

func triggerCmd() *cobra.Command {
	var (
		addr  string
		token string
		ref   string
		sha   string
		vars  []string
		wait  bool
	)

	c := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a pipeline run on a running master",
		RunE: func(cmd *cobra.Command, _ []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			ctl := client.NewControl(addr, token)
			accepted, err := ctl.Trigger(&client.TriggerRequest{Ref: ref, SHA: sha, Variables: variables})
			if err != nil {
				return err
			}
			fmt.Printf("run %s %s\n", accepted.RunID, accepted.Status)

			if !wait {
				return nil
			}
			return waitForRun(cmd.Context(), ctl, accepted.RunID, os.Stdout)
		},
	}
	c.Flags().StringVar(&addr, "addr", config.DefaultStatsSocket, "Stats API address")
	c.Flags().StringVar(&token, "token", "", "Bearer token for the stats API")
	c.Flags().StringVar(&ref, "ref", "", "Git ref the run is for")
	c.Flags().StringVar(&sha, "sha", "", "Commit SHA the run is for")
	c.Flags().StringArrayVar(&vars, "var", nil, "Trigger variable as KEY=VALUE (repeatable)")
	c.Flags().BoolVar(&wait, "wait", false, "Poll until the run finishes")
	_ = c.MarkFlagRequired("ref")
	return c
}

// waitForRun polls the run until it reaches a terminal status, echoing every
// transition.
func waitForRun(ctx context.Context, ctl client.Control, id string, w io.Writer) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	last := ""
	for {
		info, err := ctl.GetRun(id)
		if err != nil {
			return err
		}
		if info.Status != last {
			fmt.Fprintf(w, "run %s %s\n", id, info.Status)
			last = info.Status
		}
		switch info.Status {
		case string(pipeline.StatusSuccess):
			return nil
		case string(pipeline.StatusFailed), string(pipeline.StatusCanceled):
			return fmt.Errorf("run %s finished %s", id, info.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
