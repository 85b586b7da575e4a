package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mx-space/guard/internal/config"
	"github.com/mx-space/guard/internal/middleware"
	"github.com/mx-space/guard/internal/modules/guard"
	"github.com/mx-space/guard/internal/modules/guard/admission"
	"github.com/mx-space/guard/internal/modules/guard/location"
	"github.com/mx-space/guard/internal/modules/guard/revocation"
	pkgcron "github.com/mx-space/guard/internal/pkg/cron"
	jwtpkg "github.com/mx-space/guard/internal/pkg/jwt"
	"github.com/mx-space/guard/internal/pkg/lock"
	pkgredis "github.com/mx-space/guard/internal/pkg/redis"
	"go.uber.org/zap"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	rc     *pkgredis.Client
	engine *guard.Engine
	logger *zap.Logger
	cancel context.CancelFunc
	sched  *pkgcron.Scheduler
}

// New initializes the application: config → Redis → engine → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	jwtpkg.SetSecret(cfg.JWTSecret)

	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		allowed := cfg.AllowedOrigins
		corsConfig.AllowOriginFunc = func(origin string) bool {
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		}
	} else {
		corsConfig.AllowOriginFunc = func(origin string) bool { return true }
	}
	router.Use(cors.New(corsConfig))

	locks := lock.New(rc, cfg.Lock.Poll, cfg.Lock.Lease)
	engine := guard.NewEngine(
		admission.NewService(rc, locks, logger),
		revocation.NewService(rc, cfg.Guard.RevocationTTL),
		location.NewService(rc, cfg.Guard.SessionTTL),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	sched := pkgcron.New()
	registerCronJobs(sched, engine, cfg, logger)
	go sched.Start(ctx)

	app := &App{
		cfg:    cfg,
		router: router,
		rc:     rc,
		engine: engine,
		logger: logger,
		cancel: cancel,
		sched:  sched,
	}
	app.registerRoutes()

	return app, nil
}

// Policy maps the configured guard knobs onto an admission policy.
func (a *App) Policy() admission.Policy {
	return policyFromConfig(a.cfg)
}

func policyFromConfig(cfg *config.AppConfig) admission.Policy {
	evict := admission.EvictLRU
	if cfg.Guard.EvictPolicy == "deny" {
		evict = admission.DenyNew
	}
	return admission.Policy{
		MaxActive:       cfg.Guard.MaxActive,
		MaxIPsPerDevice: cfg.Guard.MaxIPsPerDevice,
		Evict:           evict,
		SessionTTL:      cfg.Guard.SessionTTL,
		HistoryWindow:   cfg.Guard.HistoryWindow,
		BanThreshold:    cfg.Guard.BanThreshold,
		BanTTL:          cfg.Guard.BanTTL,
	}
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Engine exposes the guard engine for embedding callers.
func (a *App) Engine() *guard.Engine { return a.engine }

// Shutdown cleans up background goroutines and connections.
func (a *App) Shutdown() {
	a.cancel()
	if err := a.rc.Close(); err != nil {
		a.logger.Warn("redis close", zap.Error(err))
	}
}
