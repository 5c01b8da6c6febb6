package main

import (
	"context"

	"github.com/spf13/cobra"

	"bonus_service/internal/bonus"
)

func newMigrateCmd() *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and optionally seed the bonus catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.migrate(); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.StoreDriver).Msg("Migrations completed")

			if seedFile == "" {
				return nil
			}
			inputs, err := bonus.LoadCatalog(seedFile)
			if err != nil {
				return err
			}
			created, updated, err := a.bonuses.Seed(context.Background(), inputs)
			if err != nil {
				return err
			}
			log.Info().
				Str("file", seedFile).
				Int("created", created).
				Int("updated", updated).
				Msg("Bonus catalog seeded")
			return nil
		},
	}

	cmd.Flags().StringVar(&seedFile, "seed", "", "YAML bonus catalog to upsert by code")
	return cmd
}
