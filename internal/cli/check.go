package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"masterd/internal/config"
	"masterd/internal/pipeline"
)

func checkCmd() *cobra.Command {
	var iniPath string
	var pipelinePath string

	c := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and pipeline files without starting anything",
		RunE: func(_ *cobra.Command, _ []string) error {
			var errs []error
			if _, err := config.Load(iniPath); err != nil {
				errs = append(errs, err)
			}
			if pipelinePath != "" {
				if _, err := pipeline.LoadSpec(pipelinePath); err != nil {
					errs = append(errs, err)
				}
			}
			if len(errs) > 0 {
				return errors.Join(errs...)
			}
			fmt.Println("OK")
			return nil
		},
	}
	c.Flags().StringVar(&iniPath, "ini", "", "Path to the masterd ini file")
	c.Flags().StringVar(&pipelinePath, "pipeline", "", "Pipeline definition to validate as well")
	return c
}
