package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/reconcile"
)

type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.Report, error)
}

// ReconciliationConfig groups dependencies for the operator routes.
type ReconciliationConfig struct {
	Pending reconcile.Lister
	Sweeper Sweeper
	Log     *zap.Logger
}

// RegisterReconciliationRoutes exposes attempts that still need an order.
func RegisterReconciliationRoutes(r gin.IRouter, cfg ReconciliationConfig) {
	g := r.Group("/reconciliation")

	// GET /reconciliation/pending?olderThan=30m
	g.GET("/pending", func(c *gin.Context) {
		var olderThan time.Duration
		if raw := c.Query("olderThan"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_older_than", "msg": "use a duration such as 30m"})
				return
			}
			olderThan = d
		}

		attempts, err := cfg.Pending.ListStale(c.Request.Context(), olderThan)
		if err != nil {
			cfg.Log.Error("list pending attempts", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "detail": err.Error()})
			return
		}
		if attempts == nil {
			attempts = []pending.Attempt{}
		}
		c.JSON(http.StatusOK, gin.H{"count": len(attempts), "attempts": attempts})
	})

	g.POST("/sweep", func(c *gin.Context) {
		rep, err := cfg.Sweeper.Sweep(c.Request.Context())
		if err != nil {
			cfg.Log.Error("reconciliation sweep", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rep)
	})
}
