package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/idalloc"
	"github.com/clinic/clinic/internal/domain/inventory"
	"github.com/clinic/clinic/internal/domain/notify"
	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/domain/staff"
	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
	"github.com/clinic/clinic/internal/platform/websocket"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// backend is an opened store together with what is needed to release it.
type backend struct {
	store store.Store
	pool  *pgxpool.Pool
	pg    *store.PGStore
}

func (b *backend) Close() {
	_ = b.store.Close()
	if b.pool != nil {
		b.pool.Close()
	}
}

// openBackend opens the configured store. For postgres the embedded
// migrations are applied first when AUTO_MIGRATE is set.
func openBackend(ctx context.Context, cfg *config.Config, appName string, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, appName, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info().Int("applied", n).Msg("migrations up to date")
		}
		pg := store.NewPGStore(pool, logger)
		return &backend{store: pg, pool: pool, pg: pg}, nil
	case config.BackendSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return &backend{store: s}, nil
	case config.BackendMemory:
		logger.Warn().Msg("using the in-memory store: data is lost on exit")
		return &backend{store: store.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.MailDriver == config.MailSMTP {
		return notification.NewSMTPSender(notification.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			InsecureTLS: cfg.SMTPInsecureTLS,
		})
	}
	return notification.NewLogSender(logger)
}

// services holds everything built on top of the store.
type services struct {
	patients   *patient.Service
	staff      *staff.Service
	scheduling *scheduling.Service
	inventory  *inventory.Service
	visits     *visit.Coordinator
	notify     *notify.Service
	worker     *notify.Worker
	watcher    *scheduling.ReminderWatcher
}

func newServices(cfg *config.Config, s store.Store, sender notification.EmailSender, logger zerolog.Logger) (*services, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("clinic timezone: %w", err)
	}
	v := validate.New()
	staffSvc := staff.NewService(s, v)
	sched := scheduling.NewService(s, notify.NewProducer(s), v, scheduling.Config{
		ReminderLead: cfg.ReminderLead,
		Location:     loc,
	}, logger)

	worker := notify.NewWorker(s, sender, notify.NewRenderer(cfg.ClinicName), staffSvc, logger)
	worker.Concurrency = cfg.WorkerConcurrency

	return &services{
		patients:   patient.NewService(s, idalloc.New(s), v),
		staff:      staffSvc,
		scheduling: sched,
		inventory:  inventory.NewService(s, v),
		visits:     visit.NewCoordinator(s, v),
		notify:     notify.NewService(s),
		worker:     worker,
		watcher:    scheduling.NewReminderWatcher(sched, logger),
	}, nil
}

func newServer(cfg *config.Config, b *backend, svc *services, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rl))
	e.Use(middleware.Audit(logger))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	e.GET("/health", db.HealthHandler(cfg.StoreBackend, b.store, b.pool))

	api := e.Group("/api/v1")
	patient.NewHandler(svc.patients).RegisterRoutes(api)
	staff.NewHandler(svc.staff).RegisterRoutes(api)
	scheduling.NewHandler(svc.scheduling).RegisterRoutes(api)
	inventory.NewHandler(svc.inventory).RegisterRoutes(api)
	visit.NewHandler(svc.visits).RegisterRoutes(api)
	notify.NewHandler(svc.notify, cfg.AwaitTimeout, logger).RegisterRoutes(api)

	hub := websocket.NewHub(b.store, logger, func(topic string) bool {
		return strings.HasPrefix(topic, notify.Root+"/")
	})
	websocket.NewHandler(hub).RegisterRoutes(api.Group("", auth.RequireRole(auth.StaffRoles...)))

	return e
}

const shutdownTimeout = 10 * time.Second
