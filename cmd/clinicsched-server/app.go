package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicsched/clinicsched/internal/config"
	"github.com/clinicsched/clinicsched/internal/domain/provider"
	"github.com/clinicsched/clinicsched/internal/domain/scheduling"
	"github.com/clinicsched/clinicsched/internal/platform/auth"
	"github.com/clinicsched/clinicsched/internal/platform/db"
	"github.com/clinicsched/clinicsched/internal/platform/events"
	"github.com/clinicsched/clinicsched/internal/platform/lock"
	"github.com/clinicsched/clinicsched/internal/platform/middleware"
	"github.com/clinicsched/clinicsched/internal/platform/mongodb"
	"github.com/clinicsched/clinicsched/internal/platform/redisclient"
	"github.com/clinicsched/clinicsched/internal/platform/telemetry"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores bundles the repositories for the configured STORE_DRIVER.
type stores struct {
	driver       string
	schedules    scheduling.ScheduleRepository
	appointments scheduling.AppointmentRepository
	providers    provider.Repository
	health       echo.HandlerFunc
	close        func()

	// redis is set by newServices when LOCK_DRIVER or EVENTS_DRIVER uses it.
	redis *redis.Client
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to postgres")
		pg := scheduling.NewPGStore(pool, cfg.BookingLockTimeout)
		return &stores{
			driver:       config.StorePostgres,
			schedules:    pg,
			appointments: pg,
			providers:    provider.NewPGRepo(pool),
			health:       db.PoolHealthHandler(pool),
			close:        pool.Close,
		}, nil

	case config.StoreMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURL)
		if err != nil {
			return nil, err
		}
		closeClient := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Error().Err(err).Msg("disconnect mongodb")
			}
		}
		store := scheduling.NewMongoStore(client, cfg.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			closeClient()
			return nil, err
		}
		providers := provider.NewMongoRepo(client, cfg.MongoDatabase)
		if err := providers.EnsureIndexes(ctx); err != nil {
			closeClient()
			return nil, err
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongodb")
		return &stores{
			driver:       config.StoreMongo,
			schedules:    store,
			appointments: store,
			providers:    providers,
			health:       db.HealthHandler("mongo", mongodb.Pinger(client), nil),
			close:        closeClient,
		}, nil

	case config.StoreMemory:
		logger.Warn().Msg("using the in-memory store; data is lost on restart")
		store := scheduling.NewMemoryStore()
		return &stores{
			driver:       config.StoreMemory,
			schedules:    store,
			appointments: store,
			providers:    provider.NewMemoryRepo(),
			health:       db.HealthHandler("memory", func(context.Context) error { return nil }, nil),
			close:        func() {},
		}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

// app is the assembled service. Close releases every connection it opened.
type app struct {
	echo      *echo.Echo
	scheduler *scheduling.Service
	providers *provider.Service
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newServices wires the domain services on top of st. The returned closers
// release the Redis client when one was opened.
func newServices(ctx context.Context, cfg *config.Config, st *stores, reg prometheus.Registerer, logger zerolog.Logger) (*scheduling.Service, *provider.Service, []func(), error) {
	norm, err := cfg.Normalizer()
	if err != nil {
		return nil, nil, nil, err
	}
	hours, err := cfg.ClinicHours()
	if err != nil {
		return nil, nil, nil, err
	}

	var closers []func()
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = redisclient.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		st.redis = rdb
		logger.Info().Msg("connected to redis")
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.LockDriver == config.DriverRedis {
		locker = lock.NewRedisLocker(rdb, cfg.BookingLockTTL)
	}

	var publisher events.Publisher = events.NewLogPublisher(logger.With().Str("component", "events").Logger())
	switch cfg.EventsDriver {
	case config.DriverRedis:
		publisher = events.NewRedisPublisher(rdb, cfg.EventsChannel)
	case config.DriverWebhook:
		publisher = events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret)
	}

	var metrics *telemetry.SchedulingMetrics
	if reg != nil {
		metrics = telemetry.NewSchedulingMetrics(reg)
	}

	providerSvc := provider.NewService(st.providers, logger)
	schedSvc := scheduling.NewService(st.schedules, st.appointments, providerSvc, scheduling.ServiceConfig{
		Normalizer:   norm,
		Hours:        hours,
		Locker:       locker,
		LockTimeout:  cfg.BookingLockTimeout,
		RetryBackoff: cfg.BookingRetryBackoff,
		Publisher:    publisher,
		Metrics:      metrics,
		Logger:       logger.With().Str("component", "scheduling").Logger(),
	})
	return schedSvc, providerSvc, closers, nil
}

func authMiddleware(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (echo.MiddlewareFunc, error) {
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: DevAuthMiddleware is active and every request is trusted. Do NOT use this configuration in production")
		return auth.DevAuthMiddleware(auth.AuthSkipper), nil
	}

	jwksURL := cfg.AuthJWKSURL
	if cfg.AuthSigningKey == "" && jwksURL == "" && cfg.AuthIssuer != "" {
		d, err := auth.Discover(ctx, cfg.AuthIssuer)
		if err != nil {
			return nil, err
		}
		jwksURL = d.JWKSURI
		logger.Info().Str("jwks_uri", jwksURL).Msg("discovered signing keys")
	}

	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  jwksURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg), nil
}

// newServer builds the echo instance: global middleware, infrastructure
// routes and the /api/v1 surface.
func newServer(cfg *config.Config, st *stores, schedSvc *scheduling.Service, providerSvc *provider.Service,
	authMW echo.MiddlewareFunc, reg *prometheus.Registry, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpMetrics := telemetry.NewHTTPMetrics(reg)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware())
	e.Use(httpMetrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{"Retry-After", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	e.Use(authMW)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   st.driver,
		})
	})
	e.GET("/health/db", st.health)
	if st.redis != nil {
		e.GET("/health/redis", db.HealthHandler("redis", redisclient.Pinger(st.redis), nil))
	}
	e.GET("/metrics", telemetry.Handler(reg))

	apiV1 := e.Group("/api/v1")
	public := apiV1.Group("/public")

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerMinute = cfg.PublicRateLimitPerMinute
	rl.Burst = cfg.PublicRateLimitBurst

	provider.NewHandler(providerSvc).RegisterRoutes(apiV1)
	scheduling.NewHandler(schedSvc).RegisterRoutes(apiV1, public, middleware.RateLimit(rl, logger))

	return e
}

// buildApp opens the stores and wires everything serve needs.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{closers: []func(){st.close}}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	schedSvc, providerSvc, closers, err := newServices(ctx, cfg, st, reg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closers...)

	authMW, err := authMiddleware(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = schedSvc
	a.providers = providerSvc
	a.echo = newServer(cfg, st, schedSvc, providerSvc, authMW, reg, logger)
	return a, nil
}
