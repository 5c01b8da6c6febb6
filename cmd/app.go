package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bonus_service/internal/bonus"
	"bonus_service/internal/config"
	"bonus_service/internal/db"
	"bonus_service/internal/events/kafka"
	"bonus_service/internal/logger"
	"bonus_service/internal/ratelimit"
	"bonus_service/internal/store/memory"
	"bonus_service/internal/wallet"
)

// app holds the wired services shared by every command.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	database *gorm.DB
	redis    *redis.Client
	producer *kafka.Producer
	limiter  ratelimit.Limiter
	wallets  *wallet.Service
	bonuses  *bonus.Service
}

type appOptions struct {
	// publish enables the kafka producer for committed bonus events.
	publish bool
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.New(cfg.Logging), nil
}

func newApp(cfg *config.Config, log zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var walletRepo wallet.WalletRepository
	var bonusRepo bonus.BonusRepository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn().Msg("Using in-memory store, state is lost on exit")
		store := memory.New()
		walletRepo = store.Wallets()
		bonusRepo = store.Bonuses()
	default:
		database, err := db.Open(cfg.DBConnStr, cfg.IsDevelopment())
		if err != nil {
			return nil, err
		}
		a.database = database
		walletRepo = wallet.NewWalletRepositoryImpl(database)
		bonusRepo = bonus.NewBonusRepository(database)
	}

	if cfg.RedisEnabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.limiter = ratelimit.NewRedisLimiter(a.redis, "ratelimit:", cfg.ClaimRateLimit, cfg.ClaimRateWindow)
	} else {
		a.limiter = ratelimit.NewLocalLimiter(cfg.ClaimRateLimit, cfg.ClaimRateWindow)
	}

	bonusOpts := bonus.Options{
		Timeout:          cfg.StoreTimeout,
		ReviewThreshold:  cfg.ReviewThreshold,
		SweepBatchSize:   cfg.SweepBatchSize,
		SweepConcurrency: cfg.SweepConcurrency,
		Limiter:          a.limiter,
	}
	if opts.publish && cfg.KafkaEnabled() {
		a.producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaEventTopic,
			Logger:  log,
		})
		bonusOpts.Publisher = a.producer
	}

	a.wallets = wallet.NewService(walletRepo, cfg.StoreTimeout, log)
	a.bonuses = bonus.NewService(bonusRepo, bonus.NewNotificationHub(), log, bonusOpts)

	a.wallets.SetDepositHook(func(ctx context.Context, playerID string, amount decimal.Decimal, currency string, referenceID string) {
		results, err := a.bonuses.OnDeposit(ctx, playerID, amount, currency, referenceID)
		if err != nil {
			log.Error().Err(err).Str("player_id", playerID).Str("reference_id", referenceID).Msg("Auto-grant on deposit failed")
			return
		}
		for _, r := range results {
			log.Debug().Str("player_id", playerID).Interface("result", r).Msg("Auto-grant evaluated")
		}
	})

	return a, nil
}

// migrate creates the tables. It is a no-op for the memory store.
func (a *app) migrate() error {
	if a.database == nil {
		return nil
	}
	models := append([]interface{}{&wallet.Wallet{}, &wallet.Transaction{}}, bonus.Models()...)
	return db.Migrate(a.database, models...)
}

func (a *app) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Error().Err(err).Msg("Error closing kafka producer")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error().Err(err).Msg("Error closing redis client")
		}
	}
	if a.database != nil {
		if err := db.Close(a.database); err != nil {
			a.log.Error().Err(err).Msg("Error closing database")
		}
	}
}
