package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"masterd/internal/config"
	"masterd/internal/pipeline"
	"masterd/internal/store"
	"masterd/internal/utils"
)

func runCmd() *cobra.Command {
	var (
		pipelinePath string
		ref          string
		sha          string
		vars         []string
		dataDir      string
		protected    bool
	)

	c := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline locally and wait for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := utils.Init(""); err != nil {
				return err
			}
			defer func() { _ = utils.Sync() }()

			spec, err := pipeline.LoadSpec(pipelinePath)
			if err != nil {
				return err
			}
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			st, err := store.Open(filepath.Join(dataDir, dbFile))
			if err != nil {
				return fmt.Errorf("open run store: %w", err)
			}
			defer func() { _ = st.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run := pipeline.NewRun(spec, ref, sha, protected, variables)
			orch := pipeline.NewOrchestrator(spec, st, nil, pipeline.NewRunner(dataDir, ""))
			if err := orch.Execute(ctx, run); err != nil {
				return err
			}

			printRunSummary(os.Stdout, run)
			if run.Status != pipeline.StatusSuccess {
				return fmt.Errorf("run %s finished %s", run.ID, run.Status)
			}
			return nil
		},
	}

	c.Flags().StringVar(&pipelinePath, "pipeline", "", "Pipeline definition file (required)")
	c.Flags().StringVar(&ref, "ref", "", "Ref the run executes against (required)")
	c.Flags().StringVar(&sha, "sha", "", "Commit SHA recorded on the run")
	c.Flags().StringArrayVar(&vars, "var", nil, "Trigger variable KEY=VALUE (repeatable)")
	c.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir, "Directory for the run database and job logs")
	c.Flags().BoolVar(&protected, "protected", false, "Treat the ref as protected")

	_ = c.MarkFlagRequired("pipeline")
	_ = c.MarkFlagRequired("ref")
	return c
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("variable %q: want KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func printRunSummary(w io.Writer, run *pipeline.Run) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Ref:      %s", run.Ref)
	if run.Protected {
		fmt.Fprint(w, " (protected)")
	}
	fmt.Fprintln(w)
	if run.SHA != "" {
		fmt.Fprintf(w, "SHA:      %s\n", run.SHA)
	}
	if run.StartedAt != nil && run.FinishedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", run.FinishedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	for i := range run.Jobs {
		job := &run.Jobs[i]
		mark := "✓"
		switch job.Status {
		case pipeline.StatusFailed:
			mark = "✗"
		case pipeline.StatusSkipped, pipeline.StatusManual:
			mark = "-"
		}
		fmt.Fprintf(w, "%s %-20s %-12s %s", mark, job.Name, job.Stage, job.Status)
		if job.Reason != "" {
			fmt.Fprintf(w, " (%s)", job.Reason)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\n%s\n", run.Status)
}
