package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bonus_service/internal/auth"
	"bonus_service/internal/events/kafka"
	"bonus_service/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the wager consumer and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			resolver, err := auth.NewResolver(cfg.JWTSecret, cfg.JWTIssuer)
			if err != nil {
				return fmt.Errorf("invalid JWT_SECRET: %w", err)
			}

			a, err := newApp(cfg, log, appOptions{publish: true})
			if err != nil {
				return err
			}
			defer a.close()

			if !skipMigrate {
				if err := a.migrate(); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var consumer *kafka.Consumer
			if cfg.KafkaEnabled() {
				consumer = kafka.NewConsumer(kafka.ConsumerConfig{
					Brokers:         cfg.KafkaBrokers,
					Topic:           cfg.KafkaWagerTopic,
					ConsumerGroup:   cfg.KafkaGroup,
					DeadLetterTopic: cfg.KafkaDeadLetterTopic,
					Logger:          log,
				}, a.bonuses)
				consumer.Start()
			}

			sweeperDone := make(chan struct{})
			go func() {
				defer close(sweeperDone)
				runSweeper(ctx, a, cfg.SweepInterval)
			}()

			srv := server.New(server.Options{
				Port:        cfg.Port,
				Development: cfg.IsDevelopment(),
				Logger:      log,
				Auth:        resolver,
				Bonuses:     a.bonuses,
				Wallets:     a.wallets,
				Limiter:     a.limiter,
			})

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- srv.Start()
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-quit:
				log.Info().Str("signal", sig.String()).Msg("Received signal")
			case err := <-serverErr:
				if err != nil {
					log.Error().Err(err).Msg("HTTP server failed")
				}
			}

			log.Info().Msg("Shutting down gracefully...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error during server shutdown")
			}
			cancel()
			<-sweeperDone
			if consumer != nil {
				if err := consumer.Stop(); err != nil {
					log.Error().Err(err).Msg("Error stopping kafka consumer")
				}
			}

			log.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not create or update tables on start")
	return cmd
}

// runSweeper runs the expiry sweep every interval until ctx is done. A
// non-positive interval disables it, leaving expiry to an external cron.
func runSweeper(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		a.log.Info().Msg("In-process expiry sweeper disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.bonuses.Sweep(ctx)
			if err != nil {
				a.log.Error().Err(err).Msg("Expiry sweep failed")
				continue
			}
			a.log.Info().Interface("report", report).Msg("Expiry sweep finished")
		}
	}
}
