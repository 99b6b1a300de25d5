package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"listing-experiments/internal/experiment"
	"listing-experiments/internal/listingsync"
	"listing-experiments/internal/models"
	"listing-experiments/internal/ratelimit"
	"listing-experiments/internal/scheduler"
)

// Jobs is the part of the scheduler the admin API can trigger.
type Jobs interface {
	RunSync(ctx context.Context) (*listingsync.Result, error)
	RunSweep(ctx context.Context) (*scheduler.SweepResult, error)
}

// AdminHandler handles admin-related requests
type AdminHandler struct {
	jobs      Jobs
	catalog   *experiment.Catalog
	indexer   Indexer
	apiLimit  *ratelimit.RateLimiter
	etsyQuota func() ratelimit.Stats
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler. indexer and etsyQuota may be nil.
func NewAdminHandler(jobs Jobs, store Store, shopID int64, indexer Indexer, apiLimit *ratelimit.RateLimiter, etsyQuota func() ratelimit.Stats, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		jobs:      jobs,
		catalog:   experiment.NewCatalog(shopID, store),
		indexer:   indexer,
		apiLimit:  apiLimit,
		etsyQuota: etsyQuota,
		logger:    logger,
	}
}

// RegisterRoutes mounts the admin API on admin
func (h *AdminHandler) RegisterRoutes(admin gin.IRouter) {
	admin.POST("/sync", h.TriggerSync)
	admin.POST("/sweep", h.RunSweep)
	admin.POST("/search/reindex", h.Reindex)
	admin.GET("/ratelimit", h.GetRateLimitStats)
}

// TriggerSync starts a listing sync in the background
func (h *AdminHandler) TriggerSync(c *gin.Context) {
	// Run in background to avoid timeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := h.jobs.RunSync(ctx); err != nil {
			h.logger.Error("Admin: manual sync failed", zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Listing sync started in background",
		"status":  "running",
	})
}

// RunSweep marks finished experiments and evaluates the testing slot
func (h *AdminHandler) RunSweep(c *gin.Context) {
	result, err := h.jobs.RunSweep(c.Request.Context())
	if err != nil {
		h.logger.Error("Admin: sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Reindex pushes every stored experiment into the search index
func (h *AdminHandler) Reindex(c *gin.Context) {
	if h.indexer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search is not enabled"})
		return
	}

	var all []*models.Experiment
	for _, list := range []func() ([]*models.Experiment, error){
		h.catalog.Testing, h.catalog.Finished, h.catalog.Untested, h.catalog.Tested,
	} {
		exps, err := list()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		all = append(all, exps...)
	}

	if err := h.indexer.IndexExperiments(all); err != nil {
		h.logger.Error("Admin: reindex failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("Admin: search index rebuilt", zap.Int("experiments", len(all)))
	c.JSON(http.StatusOK, gin.H{"indexed": len(all)})
}

// GetRateLimitStats returns the API limiter and marketplace quota usage
func (h *AdminHandler) GetRateLimitStats(c *gin.Context) {
	resp := gin.H{"api": h.apiLimit.GetStats()}
	if h.etsyQuota != nil {
		resp["etsy"] = h.etsyQuota()
	}
	c.JSON(http.StatusOK, resp)
}
