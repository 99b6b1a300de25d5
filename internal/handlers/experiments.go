package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"listing-experiments/internal/experiment"
	"listing-experiments/internal/models"
	"listing-experiments/internal/search"
)

// Store is the repository surface the HTTP API needs beyond the engines.
type Store interface {
	experiment.Repository
	ListProposals(shopID int64) ([]*models.Proposal, error)
	SaveExperimentSettings(shopID int64, settings models.ExperimentSettings) error
}

// Indexer keeps the search index in step with lifecycle changes.
type Indexer interface {
	IndexExperiments(exps []*models.Experiment) error
	FilterSearch(params search.FilterParams) (*search.SearchResult, error)
}

// ExperimentHandler serves the experiment lifecycle API
type ExperimentHandler struct {
	shopID    int64
	store     Store
	resolver  *experiment.Resolver
	evaluator *experiment.Evaluator
	promoter  *experiment.Promoter
	catalog   *experiment.Catalog
	indexer   Indexer
	logger    *zap.Logger
}

// NewExperimentHandler creates a new experiment handler. indexer may be nil.
func NewExperimentHandler(shopID int64, store Store, resolver *experiment.Resolver, evaluator *experiment.Evaluator, promoter *experiment.Promoter, indexer Indexer, logger *zap.Logger) *ExperimentHandler {
	return &ExperimentHandler{
		shopID:    shopID,
		store:     store,
		resolver:  resolver,
		evaluator: evaluator,
		promoter:  promoter,
		catalog:   experiment.NewCatalog(shopID, store),
		indexer:   indexer,
		logger:    logger,
	}
}

// RegisterRoutes mounts the API on api. mutate guards every call that
// reaches the marketplace.
func (h *ExperimentHandler) RegisterRoutes(api gin.IRouter, mutate ...gin.HandlerFunc) {
	api.GET("/overview", h.GetOverview)
	api.GET("/experiments", h.ListExperiments)
	api.GET("/experiments/:listing/:experiment", h.GetSummary)
	api.POST("/experiments/:listing/:experiment/accept", chain(mutate, h.Accept)...)
	api.POST("/experiments/:listing/:experiment/keep", h.Keep)
	api.POST("/experiments/:listing/:experiment/revert", chain(mutate, h.Revert)...)
	api.POST("/experiments/:listing/:experiment/extend", h.Extend)
	api.POST("/experiments/:listing/:experiment/evaluate", h.Evaluate)

	api.GET("/proposals", h.ListProposals)
	api.PUT("/proposals/:listing", h.SaveProposal)
	api.POST("/proposals/:listing/select", chain(mutate, h.SelectProposal)...)

	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)

	api.GET("/search", h.Search)
}

func chain(mutate []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(mutate)+1)
	return append(append(out, mutate...), h)
}

// statusFor maps the engine error kinds onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, experiment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, experiment.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, experiment.ErrValidation), errors.Is(err, experiment.ErrNotEvaluable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, experiment.ErrExternalCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *ExperimentHandler) fail(c *gin.Context, action string, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("listing", c.Param("listing")),
		zap.String("experiment", c.Param("experiment")),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("API: request failed", fields...)
	} else {
		h.logger.Info("API: request rejected", fields...)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func listingParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("listing"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing id"})
		return 0, false
	}
	return id, true
}

func (h *ExperimentHandler) index(exps ...*models.Experiment) {
	if h.indexer == nil || len(exps) == 0 {
		return
	}
	if err := h.indexer.IndexExperiments(exps); err != nil {
		h.logger.Warn("API: failed to index experiments", zap.Error(err))
	}
}

type lifecycleFunc func(c *gin.Context, listingID int64, experimentID string) (*models.Experiment, error)

func (h *ExperimentHandler) lifecycle(action string, run lifecycleFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		listingID, ok := listingParam(c)
		if !ok {
			return
		}
		exp, err := run(c, listingID, c.Param("experiment"))
		if err != nil {
			h.fail(c, action, err)
			return
		}
		h.index(exp)
		c.JSON(http.StatusOK, exp)
	}
}

// Accept applies an untested experiment to the live listing
func (h *ExperimentHandler) Accept(c *gin.Context) {
	h.lifecycle("accept", func(c *gin.Context, listingID int64, experimentID string) (*models.Experiment, error) {
		return h.resolver.Accept(c.Request.Context(), listingID, experimentID)
	})(c)
}

// Keep resolves the live experiment as kept
func (h *ExperimentHandler) Keep(c *gin.Context) {
	h.lifecycle("keep", func(c *gin.Context, listingID int64, experimentID string) (*models.Experiment, error) {
		return h.resolver.Keep(c.Request.Context(), listingID, experimentID)
	})(c)
}

// Revert restores the listing and resolves the experiment as reverted
func (h *ExperimentHandler) Revert(c *gin.Context) {
	h.lifecycle("revert", func(c *gin.Context, listingID int64, experimentID string) (*models.Experiment, error) {
		return h.resolver.Revert(c.Request.Context(), listingID, experimentID)
	})(c)
}

type extendRequest struct {
	AdditionalDays int `json:"additional_days" binding:"required"`
}

// Extend pushes the planned end date forward
func (h *ExperimentHandler) Extend(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: additional_days is required"})
		return
	}
	h.lifecycle("extend", func(c *gin.Context, listingID int64, experimentID string) (*models.Experiment, error) {
		return h.resolver.Extend(c.Request.Context(), listingID, experimentID, req.AdditionalDays)
	})(c)
}

type evaluateRequest struct {
	ComparisonDate string   `json:"comparison_date"`
	Tolerance      *float64 `json:"tolerance"`
}

// Evaluate compares the baseline against a later views snapshot
func (h *ExperimentHandler) Evaluate(c *gin.Context) {
	listingID, ok := listingParam(c)
	if !ok {
		return
	}
	var req evaluateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	if req.ComparisonDate != "" {
		if _, err := models.ParseDate(req.ComparisonDate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "comparison_date must be YYYY-MM-DD"})
			return
		}
	}

	experimentID := c.Param("experiment")
	report, err := h.evaluator.Evaluate(c.Request.Context(), listingID, experimentID, req.ComparisonDate, req.Tolerance)
	if err != nil {
		h.fail(c, "evaluate", err)
		return
	}
	if summary, err := h.catalog.Summary(listingID, experimentID); err == nil {
		h.index(summary.Experiment)
	}
	c.JSON(http.StatusOK, report)
}

// GetSummary returns one experiment from whichever collection holds it
func (h *ExperimentHandler) GetSummary(c *gin.Context) {
	listingID, ok := listingParam(c)
	if !ok {
		return
	}
	summary, err := h.catalog.Summary(listingID, c.Param("experiment"))
	if err != nil {
		h.fail(c, "summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListExperiments lists one collection: testing, finished, untested or tested
func (h *ExperimentHandler) ListExperiments(c *gin.Context) {
	status := c.DefaultQuery("status", "testing")

	var (
		exps []*models.Experiment
		err  error
	)
	switch status {
	case "testing":
		exps, err = h.catalog.Testing()
	case "finished":
		exps, err = h.catalog.Finished()
	case "untested":
		exps, err = h.catalog.Untested()
	case "tested":
		exps, err = h.catalog.Tested()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be one of testing, finished, untested, tested"})
		return
	}
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	if exps == nil {
		exps = []*models.Experiment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"experiments": exps,
		"count":       len(exps),
	})
}

// GetOverview returns per-state counts and outcome aggregates
func (h *ExperimentHandler) GetOverview(c *gin.Context) {
	overview, err := h.catalog.Overview()
	if err != nil {
		h.fail(c, "overview", err)
		return
	}
	proposals, err := h.store.ListProposals(h.shopID)
	if err != nil {
		h.fail(c, "overview", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shop_id":   h.shopID,
		"overview":  overview,
		"proposals": len(proposals),
	})
}

// ListProposals returns the pending proposals
func (h *ExperimentHandler) ListProposals(c *gin.Context) {
	proposals, err := h.store.ListProposals(h.shopID)
	if err != nil {
		h.fail(c, "proposals", err)
		return
	}
	if proposals == nil {
		proposals = []*models.Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// SaveProposal stores the generated options for a listing
func (h *ExperimentHandler) SaveProposal(c *gin.Context) {
	listingID, ok := listingParam(c)
	if !ok {
		return
	}
	var proposal models.Proposal
	if err := c.ShouldBindJSON(&proposal); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(proposal.Options) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proposal needs at least one option"})
		return
	}
	proposal.ListingID = listingID
	if proposal.CreatedAt == "" {
		proposal.CreatedAt = models.FormatDate(models.Today(time.Now()))
	}
	for _, opt := range proposal.Options {
		if opt == nil {
			continue
		}
		for _, change := range opt.Changes {
			if change.Listing() != 0 && change.Listing() != listingID {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "change targets another listing"})
				return
			}
		}
	}

	if err := h.store.SaveProposal(h.shopID, &proposal); err != nil {
		h.fail(c, "save_proposal", err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

type selectRequest struct {
	ExperimentID string `json:"experiment_id"`
	Accept       bool   `json:"accept"`
}

// SelectProposal promotes a proposal into the backlog, optionally
// accepting the chosen option straight away
func (h *ExperimentHandler) SelectProposal(c *gin.Context) {
	listingID, ok := listingParam(c)
	if !ok {
		return
	}
	var req selectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	selected, err := h.promoter.SelectProposal(listingID, req.ExperimentID)
	if err != nil {
		h.fail(c, "select", err)
		return
	}
	h.index(selected)
	if !req.Accept {
		c.JSON(http.StatusOK, selected)
		return
	}

	accepted, err := h.resolver.Accept(c.Request.Context(), listingID, selected.ExperimentID)
	if err != nil {
		h.fail(c, "accept", err)
		return
	}
	h.index(accepted)
	c.JSON(http.StatusOK, accepted)
}

// GetSettings returns the shop's experiment settings
func (h *ExperimentHandler) GetSettings(c *gin.Context) {
	settings, err := h.store.ExperimentSettings(h.shopID)
	if err != nil {
		h.fail(c, "settings", err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// UpdateSettings replaces the shop's experiment settings
func (h *ExperimentHandler) UpdateSettings(c *gin.Context) {
	var settings models.ExperimentSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if settings.RunDurationDays <= 0 || settings.Tolerance < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "run_duration_days must be positive and tolerance non-negative"})
		return
	}
	if err := h.store.SaveExperimentSettings(h.shopID, settings); err != nil {
		h.fail(c, "settings", err)
		return
	}
	h.logger.Info("API: experiment settings updated",
		zap.Int("run_duration_days", settings.RunDurationDays),
		zap.Float64("tolerance", settings.Tolerance))
	c.JSON(http.StatusOK, settings)
}

// Search queries the experiment index
func (h *ExperimentHandler) Search(c *gin.Context) {
	if h.indexer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search is not enabled"})
		return
	}

	params := search.FilterParams{
		Query:       c.Query("q"),
		States:      c.QueryArray("state"),
		ChangeKinds: c.QueryArray("change_kind"),
		SortBy:      c.Query("sort"),
	}
	if v := c.Query("listing_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing_id"})
			return
		}
		params.ListingID = &id
	}
	if v := c.Query("evaluated"); v != "" {
		evaluated, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid evaluated"})
			return
		}
		params.Evaluated = &evaluated
	}
	if v := c.Query("min_delta"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid min_delta"})
			return
		}
		params.MinDelta = &d
	}
	if v := c.Query("min_confidence"); v != "" {
		conf, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid min_confidence"})
			return
		}
		params.MinConfidence = &conf
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.ParseInt(v, 10, 64)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		params.Limit = limit
	}

	result, err := h.indexer.FilterSearch(params)
	if err != nil {
		h.logger.Error("API: search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
