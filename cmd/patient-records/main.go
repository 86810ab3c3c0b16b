package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/patient-records/internal/config"
	"github.com/ehr/patient-records/internal/domain/allergy"
	"github.com/ehr/patient-records/internal/domain/patient"
	"github.com/ehr/patient-records/internal/domain/terminology"
	"github.com/ehr/patient-records/internal/platform/auth"
	"github.com/ehr/patient-records/internal/platform/db"
	"github.com/ehr/patient-records/internal/platform/events"
	"github.com/ehr/patient-records/internal/platform/fhir"
	"github.com/ehr/patient-records/internal/platform/middleware"
	redisplatform "github.com/ehr/patient-records/internal/platform/redis"
	"github.com/ehr/patient-records/internal/platform/validation"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "patient-records",
		Short:        "Patient allergy records API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(propertyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	logger := zerolog.New(out).With().Timestamp().Str("service", "patient-records").Logger()
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// deps are the process-wide resources the router is built from.
type deps struct {
	pool     *pgxpool.Pool
	redis    *redisplatform.Client
	registry *prometheus.Registry
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	rdb, err := redisplatform.New(ctx, redisplatform.Config{URL: cfg.RedisURL, PoolSize: cfg.RedisPoolSize})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set: allergy cache and events disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := newServer(cfg, logger, deps{pool: pool, redis: rdb, registry: reg})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBMaxConnLife,
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	case config.AuthModeShared:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	})
}

// newServer wires middleware, services and routes. d.pool and d.redis may be
// nil in tests; only the operational routes work then.
func newServer(cfg *config.Config, logger zerolog.Logger, d deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(authMiddleware(cfg))

	// Services
	conceptRepo := terminology.NewConceptRepoPG(d.pool)
	propRepo := terminology.NewGlobalPropertyRepoPG(d.pool)
	termSvc := terminology.NewService(conceptRepo, propRepo, cfg.OtherNonCoded)

	patientRepo := patient.NewRepo(d.pool)
	patientSvc := patient.NewService(patientRepo)

	var publisher events.Publisher = events.NopPublisher{}
	var cache allergy.ListCache = allergy.NopListCache{}
	if d.redis != nil {
		publisher = events.NewRedisPublisher(d.redis.Client, cfg.EventsChannel)
		cache = allergy.NewRedisListCache(d.redis.Client, cfg.CacheTTL)
	}
	var registerer prometheus.Registerer
	if d.registry != nil {
		registerer = d.registry
	}
	allergySvc := allergy.NewService(
		allergy.NewRepo(d.pool), patientRepo, termSvc, db.NewTransactor(d.pool),
		allergy.WithCache(cache),
		allergy.WithPublisher(publisher),
		allergy.WithMetrics(allergy.NewMetrics(registerer)),
	)

	// Operational routes
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	var checks []db.Check
	if d.pool != nil {
		checks = append(checks, db.PoolCheck(d.pool))
	}
	if d.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: d.redis.Health})
	}
	e.GET("/health/db", db.HealthHandler(d.pool, checks...))
	if d.registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry})))
	}
	e.GET("/fhir/metadata", fhir.CapabilityHandler(allergy.CapabilityResource()))

	// API groups
	tenancy := db.TenantMiddleware(d.pool, cfg.DefaultTenant)
	apiV1 := e.Group("/api/v1", tenancy)
	fhirGroup := e.Group("/fhir", tenancy)

	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	terminology.NewHandler(termSvc).RegisterRoutes(apiV1)
	allergy.NewHandler(allergySvc).RegisterRoutes(apiV1, fhirGroup)

	return e
}
