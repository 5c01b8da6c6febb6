// Package server assembles the HTTP surface: player bonus and wallet routes,
// the service-to-service wager and transaction feed, admin catalog and
// lifecycle routes, the progress websocket, health and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bonus_service/internal/auth"
	"bonus_service/internal/bonus"
	"bonus_service/internal/ratelimit"
	"bonus_service/internal/wallet"
)

type Options struct {
	Port        string
	Development bool
	Logger      zerolog.Logger
	Auth        *auth.Resolver
	Bonuses     *bonus.Service
	Wallets     *wallet.Service

	// Limiter, when set, throttles loss-bonus claims per user. Deposit-bonus
	// claims are throttled inside the bonus service.
	Limiter ratelimit.Limiter
}

type Server struct {
	engine *gin.Engine
	http   *http.Server
	log    zerolog.Logger
}

func New(opts Options) *Server {
	if opts.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log := opts.Logger.With().Str("component", "http").Logger()
	engine := gin.New()
	engine.Use(Recovery(log), RequestLogging(log), Metrics())

	registerRoutes(engine, opts, log)

	httpServer := &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{engine: engine, http: httpServer, log: log}
}

func registerRoutes(engine *gin.Engine, opts Options, log zerolog.Logger) {
	bonusHandler := bonus.NewHandler(opts.Bonuses)
	walletHandler := wallet.NewHandler(opts.Wallets)
	stream := newProgressStream(opts.Bonuses, log)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := auth.Middleware(opts.Auth)

	player := engine.Group("/")
	player.Use(authMiddleware)
	{
		player.GET("/bonuses", bonusHandler.ListAvailable)
		player.POST("/bonuses/:id/claim", bonusHandler.Claim)
		player.GET("/me/bonuses", bonusHandler.ListMine)
		player.GET("/me/bonuses/:id", bonusHandler.GetProgress)
		player.GET("/me/bonuses/:id/events", bonusHandler.ListEvents)
		player.GET("/me/events", bonusHandler.ListEvents)
		player.GET("/loss-bonus", bonusHandler.QuoteLossBonus)

		lossClaim := []gin.HandlerFunc{}
		if opts.Limiter != nil {
			lossClaim = append(lossClaim, ratelimit.Middleware(opts.Limiter, log, func(c *gin.Context) string {
				userID, _ := auth.GetUserID(c)
				return "loss_bonus:" + userID
			}))
		}
		lossClaim = append(lossClaim, bonusHandler.ClaimLossBonus)
		player.POST("/loss-bonus/claim", lossClaim...)

		player.GET("/wallets/:type", walletHandler.GetBalance)
		player.GET("/wallets/:type/transactions", walletHandler.ListTransactions)
		player.GET("/wallets/:type/reconcile", walletHandler.Reconcile)

		player.GET("/ws/bonuses", stream.Serve)
	}

	platform := engine.Group("/")
	platform.Use(authMiddleware, auth.RequireRole(auth.RoleService, auth.RoleAdmin))
	{
		platform.POST("/transactions", walletHandler.ProcessTransaction)
		platform.POST("/wagers", bonusHandler.ProcessWager)
	}

	admin := engine.Group("/admin")
	admin.Use(authMiddleware, auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/bonuses", bonusHandler.CreateDefinition)
		admin.GET("/bonuses", bonusHandler.ListDefinitions)
		admin.GET("/bonuses/:id", bonusHandler.GetDefinition)
		admin.PUT("/bonuses/:id", bonusHandler.UpdateDefinition)
		admin.PATCH("/bonuses/:id/active", bonusHandler.SetActive)
		admin.POST("/offers", bonusHandler.Offer)
		admin.POST("/instances/:id/forfeit", bonusHandler.Forfeit)
		admin.POST("/sweeps", bonusHandler.Sweep)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called. It never returns
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
