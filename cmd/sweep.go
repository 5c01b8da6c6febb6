package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newSweepCmd runs one expiry sweep, for deployments that schedule it from
// an external cron instead of the in-process ticker.
func newSweepCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue bonus instances once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log, appOptions{publish: true})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := context.Background()
			total := 0
			for {
				report, err := a.bonuses.Sweep(ctx)
				if err != nil {
					return fmt.Errorf("sweep failed: %w", err)
				}
				if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
					return err
				}
				total += report.Expired
				// Instances that fall due during a pass are picked up by the
				// next one; failed instances stay selectable, so stop once a
				// pass expires nothing.
				if !all || report.Expired == 0 {
					break
				}
			}

			log.Info().Int("expired", total).Msg("Sweep finished")
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Repeat until a pass expires nothing")
	return cmd
}
