package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"listing-experiments/internal/config"
	"listing-experiments/internal/experiment"
	"listing-experiments/internal/listingsync"
	"listing-experiments/internal/metrics"
	"listing-experiments/internal/models"
)

// Syncer pulls listings, views and images from the marketplace.
type Syncer interface {
	SyncListings(ctx context.Context) (*listingsync.Result, error)
	SyncListingImages(ctx context.Context, listingIDs ...int64) error
}

// Finisher flags experiments whose planned end date has passed.
type Finisher interface {
	MarkFinished(ctx context.Context) ([]*models.Experiment, error)
}

// Evaluator evaluates one stored experiment.
type Evaluator interface {
	Evaluate(ctx context.Context, listingID int64, experimentID, comparisonDate string, tolerance *float64) (*experiment.Report, error)
}

// TestingLister lists the experiments currently in the testing slot.
type TestingLister interface {
	ListTesting(shopID int64) (map[int64]*models.Experiment, error)
}

// Indexer receives experiments whose stored state changed during a job.
type Indexer interface {
	IndexExperiments(exps []*models.Experiment) error
}

// SweepResult summarises an evaluation sweep.
type SweepResult struct {
	Finished     int `json:"finished"`
	Evaluated    int `json:"evaluated"`
	NotEvaluable int `json:"not_evaluable"`
	Failed       int `json:"failed"`
}

// Scheduler runs the daily listing sync and evaluation sweep
type Scheduler struct {
	cron      *cron.Cron
	shopID    int64
	syncer    Syncer
	finisher  Finisher
	evaluator Evaluator
	repo      TestingLister
	indexer   Indexer
	config    config.SchedulerConfig
	logger    *zap.Logger

	mu        sync.Mutex
	isRunning bool
}

// NewScheduler creates a new scheduler. indexer may be nil.
func NewScheduler(shopID int64, syncer Syncer, finisher Finisher, evaluator Evaluator, repo TestingLister, indexer Indexer, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		shopID:    shopID,
		syncer:    syncer,
		finisher:  finisher,
		evaluator: evaluator,
		repo:      repo,
		indexer:   indexer,
		config:    cfg,
		logger:    logger,
	}
}

// Start registers the enabled jobs and starts the cron loop
func (s *Scheduler) Start() error {
	if !s.config.SyncEnabled && !s.config.SweepEnabled {
		s.logger.Info("Scheduler: all jobs are disabled in configuration")
		return nil
	}

	if s.config.SyncEnabled {
		spec := s.parseDailyRunTime(s.config.SyncTime)
		if _, err := s.cron.AddFunc(spec, func() {
			s.runJob("sync", func(ctx context.Context) error {
				_, err := s.RunSync(ctx)
				return err
			})
		}); err != nil {
			return fmt.Errorf("failed to schedule sync job: %w", err)
		}
		s.logger.Info("Scheduler: sync job scheduled", zap.String("time", s.config.SyncTime), zap.String("cron", spec))
	}
	if s.config.SweepEnabled {
		spec := s.parseDailyRunTime(s.config.SweepTime)
		if _, err := s.cron.AddFunc(spec, func() {
			s.runJob("sweep", func(ctx context.Context) error {
				_, err := s.RunSweep(ctx)
				return err
			})
		}); err != nil {
			return fmt.Errorf("failed to schedule sweep job: %w", err)
		}
		s.logger.Info("Scheduler: sweep job scheduled", zap.String("time", s.config.SweepTime), zap.String("cron", spec))
	}

	s.cron.Start()
	s.mu.Lock()
	s.isRunning = true
	s.mu.Unlock()
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		<-s.cron.Stop().Done()
		s.isRunning = false
		s.logger.Info("Scheduler: stopped")
	}
}

func (s *Scheduler) runJob(name string, job func(ctx context.Context) error) {
	s.logger.Info("Scheduler: starting job", zap.String("job", name))
	if err := job(context.Background()); err != nil {
		s.logger.Error("Scheduler: job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Info("Scheduler: job completed", zap.String("job", name))
}

// RunSync refreshes listings and views, then the image manifests of every
// listing with a live experiment.
func (s *Scheduler) RunSync(ctx context.Context) (result *listingsync.Result, err error) {
	defer func() { metrics.SweepRuns.WithLabelValues("sync", metrics.Result(err)).Inc() }()

	result, err = s.syncer.SyncListings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sync listings: %w", err)
	}

	testing, err := s.repo.ListTesting(s.shopID)
	if err != nil {
		return result, fmt.Errorf("failed to load testing experiments: %w", err)
	}
	ids := sortedListingIDs(testing)
	if len(ids) == 0 {
		return result, nil
	}
	if err := s.syncer.SyncListingImages(ctx, ids...); err != nil {
		return result, fmt.Errorf("failed to sync images: %w", err)
	}
	return result, nil
}

// RunSweep flags finished experiments and evaluates every experiment in
// the testing slot. Experiments that cannot be evaluated yet are counted
// and skipped; other failures are logged and the sweep continues.
func (s *Scheduler) RunSweep(ctx context.Context) (result *SweepResult, err error) {
	defer func() { metrics.SweepRuns.WithLabelValues("sweep", metrics.Result(err)).Inc() }()
	result = &SweepResult{}

	finished, err := s.finisher.MarkFinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to mark finished experiments: %w", err)
	}
	result.Finished = len(finished)

	testing, err := s.repo.ListTesting(s.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load testing experiments: %w", err)
	}

	changed := make([]*models.Experiment, 0, len(testing))
	for _, listingID := range sortedListingIDs(testing) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		exp := testing[listingID]
		report, err := s.evaluator.Evaluate(ctx, listingID, exp.ExperimentID, "", nil)
		switch {
		case errors.Is(err, experiment.ErrNotEvaluable):
			result.NotEvaluable++
			s.logger.Debug("Scheduler: experiment not evaluable yet",
				zap.Int64("listing_id", listingID),
				zap.String("experiment_id", exp.ExperimentID),
				zap.Error(err))
			continue
		case err != nil:
			result.Failed++
			s.logger.Warn("Scheduler: evaluation failed",
				zap.Int64("listing_id", listingID),
				zap.String("experiment_id", exp.ExperimentID),
				zap.Error(err))
			continue
		}
		result.Evaluated++
		exp.Performance.Latest = report.Latest
		changed = append(changed, exp)
	}

	if s.indexer != nil && len(changed) > 0 {
		if err := s.indexer.IndexExperiments(changed); err != nil {
			s.logger.Warn("Scheduler: failed to index evaluated experiments", zap.Error(err))
		}
	}

	s.logger.Info("Scheduler: sweep completed",
		zap.Int("finished", result.Finished),
		zap.Int("evaluated", result.Evaluated),
		zap.Int("not_evaluable", result.NotEvaluable),
		zap.Int("failed", result.Failed))
	return result, nil
}

// parseDailyRunTime converts HH:MM format to cron specification
// Example: "02:00" -> "0 2 * * *" (run at 2:00 AM every day)
func (s *Scheduler) parseDailyRunTime(timeStr string) string {
	var hour, minute int
	n, _ := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute)
	if n == 2 && hour >= 0 && hour < 24 && minute >= 0 && minute < 60 {
		return fmt.Sprintf("%d %d * * *", minute, hour)
	}

	s.logger.Warn("Scheduler: failed to parse time, using default 02:00", zap.String("time", timeStr))
	return "0 2 * * *"
}

func sortedListingIDs(m map[int64]*models.Experiment) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
