package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/mirror-api/internal/auth"
	"github.com/ksred/mirror-api/internal/broker"
	"github.com/ksred/mirror-api/internal/config"
	"github.com/ksred/mirror-api/internal/database"
	"github.com/ksred/mirror-api/internal/detection"
	"github.com/ksred/mirror-api/internal/mirror"
	"github.com/ksred/mirror-api/internal/monitor"
	"github.com/ksred/mirror-api/internal/quantize"
	"github.com/ksred/mirror-api/internal/safety"
	"github.com/ksred/mirror-api/pkg/middleware"
)

// init configures logging: pretty output outside production, debug level
// via the DEBUG environment variable.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	settings, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load settings")
	}

	db, err := database.NewDatabase(settings.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize ledger store")
	}

	// One broker handle per account role.
	sourceClient := broker.NewSmartAPIClient(settings.BrokerBaseURL, settings.Source, broker.RoleSource, settings.RequestTimeout)
	mirrorClient := broker.NewSmartAPIClient(settings.BrokerBaseURL, settings.Mirror, broker.RoleMirror, settings.RequestTimeout)

	retry := broker.RetryPolicy{
		MaxAttempts: settings.MaxRetries,
		Delay:       settings.RetryDelay,
	}
	loginSessions(settings, retry, sourceClient, mirrorClient)

	dedupLedger, err := detection.NewLedger(db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load dedup ledger")
	}
	detector := detection.NewDetector(sourceClient, dedupLedger, settings.Underlying, settings.RequestTimeout)

	location, _ := time.LoadLocation(settings.Timezone) // validated by config.Load
	holidays := make(map[string]struct{}, len(settings.Holidays))
	for _, day := range settings.Holidays {
		holidays[day] = struct{}{}
	}
	gate := safety.NewGate(safety.GateConfig{
		Location:     location,
		OpenMinutes:  config.ClockMinutes(settings.MarketOpen),
		CloseMinutes: config.ClockMinutes(settings.MarketClose),
		Holidays:     holidays,
		Underlying:   settings.Underlying,
		PriceCeiling: decimal.NewFromFloat(settings.PriceCeiling),
	})

	table := quantize.NewTable(settings.LotSizes, settings.DefaultLotSize)

	engine, err := mirror.NewEngine(mirrorClient, mirror.NewDatabase(db), mirror.EngineConfig{
		Retry:            retry,
		RequestTimeout:   settings.RequestTimeout,
		Tolerance:        decimal.NewFromFloat(settings.PriceTolerance),
		EnforceTolerance: settings.PriceToleranceEnforce,
		Table:            table,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load mirror ledger")
	}

	loop := monitor.NewLoop(detector, gate, table, engine, monitor.LoopConfig{
		Interval:           settings.PollInterval,
		DryRun:             settings.DryRun,
		MaxTradeQty:        settings.MaxTradeQty,
		RequeueMaxAttempts: settings.RequeueMaxAttempts,
	})
	controller := monitor.NewController(loop, gate, engine)
	monitorHandlers := monitor.NewGinHandlers(controller)

	authService := auth.NewService(settings.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if key := os.Getenv("OPERATOR_API_KEY"); key != "" {
		authService.RegisterOperator(key, os.Getenv("OPERATOR_API_SECRET"))
	}

	router := gin.Default()
	setupRoutes(router, settings.JWTSecret, authHandlers, monitorHandlers)

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	zlog.Info().
		Str("port", settings.Port).
		Bool("dry_run", settings.DryRun).
		Msg("mirror service ready, monitoring stopped until started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down...")

	if loop.Running() {
		if err := controller.Stop(); err != nil {
			zlog.Error().Err(err).Msg("Failed to stop monitoring cleanly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// loginSessions authenticates both broker handles with retry. A failed login
// is fatal in live mode; in dry-run the service starts anyway and detection
// reports zero fills until the broker becomes reachable.
func loginSessions(settings *config.Settings, retry broker.RetryPolicy, clients ...*broker.SmartAPIClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, client := range clients {
		client := client
		err := retry.Do(ctx, zlog.Logger, "broker login", func() error {
			return client.Login(ctx)
		})
		if err != nil {
			if settings.DryRun {
				zlog.Warn().Err(err).Msg("Broker login failed, continuing in dry-run")
				continue
			}
			zlog.Fatal().Err(err).Msg("Broker login failed")
		}
	}
}

// setupRoutes configures the operator API:
// - Auth routes: public token exchange, rate limited per client IP
// - Mirroring routes: JWT-protected control and status, rate limited per
//   operator (auth runs first so the limiter can key on the operator ID)
// - Metrics: Prometheus exposition
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	monitorHandlers *monitor.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		mirroring := v1.Group("/mirroring")
		mirroring.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit())
		{
			mirroring.POST("/start", monitorHandlers.StartHandler())
			mirroring.POST("/stop", monitorHandlers.StopHandler())
			mirroring.POST("/enable", monitorHandlers.EnableHandler())
			mirroring.POST("/disable", monitorHandlers.DisableHandler())
			mirroring.POST("/emergency-stop", monitorHandlers.EmergencyStopHandler())
			mirroring.POST("/reset-emergency", monitorHandlers.ResetEmergencyHandler())
			mirroring.GET("/status", monitorHandlers.StatusHandler())
		}
	}
}
