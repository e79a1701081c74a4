package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"callrelay/internal/audit"
	"callrelay/internal/auth"
	"callrelay/internal/config"
	"callrelay/internal/directory"
	"callrelay/internal/httpapi"
	"callrelay/internal/metrics"
	"callrelay/internal/ratelimit"
	"callrelay/internal/rbac"
	"callrelay/internal/session"
	"callrelay/pkg/logger"
	"callrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type deps struct {
	cfg       config.Config
	db        *sql.DB
	rdb       *redis.Client
	auth      *auth.Manager
	directory *directory.Service
	audit     *audit.Service
	session   *session.Service
	limiter   *ratelimit.Limiter
	registry  *prometheus.Registry
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d *deps) {
	// public
	r.GET("/healthz", healthz(d))
	r.GET("/metrics", gin.WrapH(metrics.Handler(d.registry)))

	h := httpapi.Handlers{
		Session:   d.session,
		Directory: d.directory,
		Auth:      d.auth,
		Audit:     d.audit,
		ICE:       d.cfg.ICE.Servers(),
		DevTokens: d.cfg.AllowsDevTokens(),
	}
	mw := httpapi.Middleware{
		Authenticate: auth.RequireAccessToken(d.auth),
		LoadRole:     rbac.LoadRole(d.directory),
	}
	if d.limiter != nil {
		mw.SignalLimit = d.limiter.Middleware()
	}
	h.Mount(r, mw)
}

// healthz pings whichever backing stores are configured.
func healthz(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if d.db != nil {
			if err := utils.Ping(ctx, d.db, 2*time.Second); err != nil {
				logger.FromGin(c).Error("postgres unhealthy", "err", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": "down"})
				return
			}
		}
		if d.rdb != nil {
			if err := d.rdb.Ping(ctx).Err(); err != nil {
				logger.FromGin(c).Error("redis unhealthy", "err", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": "down"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
