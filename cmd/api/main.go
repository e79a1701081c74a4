package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrelay/internal/audit"
	"callrelay/internal/auth"
	"callrelay/internal/config"
	"callrelay/internal/database"
	"callrelay/internal/directory"
	"callrelay/internal/metrics"
	"callrelay/internal/ratelimit"
	"callrelay/internal/session"
	"callrelay/pkg/logger"
	"callrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	var db *sql.DB
	if cfg.Directory.Backend == config.BackendPostgres {
		if err := database.RunMigrations(cfg.MigrationURL()); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		db, err = utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var rdb *redis.Client
	if cfg.Session.Backend == config.BackendRedis {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	deps := buildDeps(cfg, db, rdb, collector)
	deps.auth = authManager
	deps.registry = reg

	limiter := ratelimit.New(ratelimit.Config{
		Rate:  rate.Limit(cfg.Relay.SignalRatePerSec),
		Burst: cfg.Relay.SignalBurst,
	}, collector)
	defer limiter.Stop()
	deps.limiter = limiter

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(collector.Middleware())

	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"session_backend", cfg.Session.Backend,
			"directory_backend", cfg.Directory.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// buildDeps picks the storage backends named by cfg. db and rdb are nil
// unless the matching backend is selected.
func buildDeps(cfg config.Config, db *sql.DB, rdb *redis.Client, collector *metrics.Collector) *deps {
	var (
		dirRepo   directory.Repository = directory.NewMemoryRepo()
		auditRepo audit.Repository     = audit.NewMemoryRepo()
		store     session.Store        = session.NewMemoryStore()
	)
	if db != nil {
		dirRepo = directory.NewPostgresRepo(db)
		auditRepo = audit.NewPostgresRepo(db)
	}
	if rdb != nil {
		store = session.NewRedisStore(rdb, cfg.Redis.Prefix)
	}

	dir := directory.NewService(dirRepo, cfg.Directory.BootstrapAdmins)
	auditSvc := audit.NewService(auditRepo)
	sess := session.NewService(store, dir, session.Options{
		MailboxCapacity: cfg.Session.MailboxCapacity,
		Audit:           auditSvc,
		Metrics:         collector,
	})

	return &deps{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		directory: dir,
		audit:     auditSvc,
		session:   sess,
	}
}
