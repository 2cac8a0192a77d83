package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"masterd/internal/client"
	"masterd/internal/config"
)

func reloadCmd() *cobra.Command {
	var addr, token string

	c := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running master to gracefully reload its workers",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := client.NewControl(addr, token).Reload(); err != nil {
				return err
			}
			fmt.Println("reload started")
			return nil
		},
	}
	c.Flags().StringVar(&addr, "addr", config.DefaultStatsSocket, "Stats API address")
	c.Flags().StringVar(&token, "token", "", "Bearer token for the stats API")
	return c
}

func stopCmd() *cobra.Command {
	var addr, token string

	c := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running master to shut down gracefully",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := client.NewControl(addr, token).Stop(); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
	c.Flags().StringVar(&addr, "addr", config.DefaultStatsSocket, "Stats API address")
	c.Flags().StringVar(&token, "token", "", "Bearer token for the stats API")
	return c
}
