package experiment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"listing-experiments/internal/metrics"
	"listing-experiments/internal/models"
)

// Options tunes a Resolver.
type Options struct {
	// ConvergenceAttempts is how many extra image syncs a revert may run
	// while the live image set still differs from the restored manifest.
	ConvergenceAttempts int
	// ConvergenceInterval is the wait between those syncs.
	ConvergenceInterval time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Resolver drives experiments through accept, keep, revert and extend for
// one shop. It does no locking: preconditions are checked against the last
// read repository state.
type Resolver struct {
	shopID      int64
	repo        Repository
	api         ListingAPI
	images      ImageSyncer
	performance PerformanceSource
	reconciler  *Reconciler
	logger      *zap.Logger
	opts        Options
}

func NewResolver(shopID int64, repo Repository, api ListingAPI, images ImageSyncer, performance PerformanceSource, logger *zap.Logger, opts Options) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ConvergenceAttempts < 0 {
		opts.ConvergenceAttempts = 0
	}
	return &Resolver{
		shopID:      shopID,
		repo:        repo,
		api:         api,
		images:      images,
		performance: performance,
		reconciler:  NewReconciler(shopID, repo, api, logger),
		logger:      logger,
		opts:        opts,
	}
}

func (r *Resolver) today() time.Time {
	return models.Today(r.opts.Now())
}

// Accept applies an untested experiment to the live listing and moves it
// into the testing slot.
func (r *Resolver) Accept(ctx context.Context, listingID int64, experimentID string) (exp *models.Experiment, err error) {
	defer func() { metrics.LifecycleTotal.WithLabelValues("accept", metrics.Result(err)).Inc() }()

	current, err := r.repo.GetTesting(r.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load testing experiment: %w", err)
	}
	if current != nil {
		return nil, fmt.Errorf("%w: listing %d already has experiment %s in testing",
			ErrPrecondition, listingID, current.ExperimentID)
	}

	exp, err = r.repo.GetUntested(r.shopID, listingID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load untested experiment: %w", err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: experiment %s is not in the untested backlog for listing %d",
			ErrPrecondition, experimentID, listingID)
	}
	if !models.CanTransition(exp.State, models.StateTesting) {
		return nil, fmt.Errorf("%w: experiment %s is %q and cannot start testing", ErrPrecondition, experimentID, exp.State)
	}

	listing, err := r.repo.GetListingSnapshot(r.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load listing snapshot: %w", err)
	}
	if listing == nil {
		return nil, fmt.Errorf("%w: no listing snapshot for listing %d", ErrPrecondition, listingID)
	}
	images, err := r.repo.GetImagesSnapshot(r.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image manifest: %w", err)
	}
	if images == nil {
		return nil, fmt.Errorf("%w: no image manifest for listing %d", ErrPrecondition, listingID)
	}

	for _, c := range exp.Changes {
		if c.Listing() != listingID {
			return nil, fmt.Errorf("%w: %s change targets listing %d, not %d", ErrValidation, c.Kind(), c.Listing(), listingID)
		}
	}
	update, err := BuildChangePayload(exp.Changes, listing, images)
	if err != nil {
		return nil, fmt.Errorf("experiment %s: %w", experimentID, err)
	}

	history, err := r.performance.LoadHistory(ctx, r.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load performance history: %w", err)
	}
	baseline := history.LatestFor(listingID)

	if exp.OriginalListing == nil {
		exp.OriginalListing = listing.Clone()
	}
	if exp.OriginalListingImages == nil {
		exp.OriginalListingImages = images.Clone()
	}

	if err := r.api.UpdateListing(ctx, listingID, update); err != nil {
		return nil, fmt.Errorf("%w: update listing %d: %v", ErrExternalCall, listingID, err)
	}
	if err := r.images.SyncListingImages(ctx, listingID); err != nil {
		return nil, fmt.Errorf("%w: sync images for listing %d: %v", ErrExternalCall, listingID, err)
	}

	exp.ListingID = listingID
	exp.SetBaseline(baseline)
	if exp.StartDate == "" {
		exp.StartDate = models.FormatDate(r.today())
	}
	if exp.RunDurationDays <= 0 {
		settings, err := r.repo.ExperimentSettings(r.shopID)
		if err != nil {
			return nil, fmt.Errorf("failed to load experiment settings: %w", err)
		}
		exp.RunDurationDays = settings.RunDurationDays
	}
	if exp.PlannedEndDate == "" {
		if end, ok := exp.PlannedEnd(); ok {
			exp.PlannedEndDate = models.FormatDate(end)
		}
	}
	if err := exp.Transition(models.StateTesting); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}

	if err := r.repo.SaveTesting(r.shopID, listingID, exp); err != nil {
		return nil, fmt.Errorf("failed to save testing experiment: %w", err)
	}
	if err := r.repo.RemoveUntested(r.shopID, listingID, experimentID); err != nil {
		return nil, fmt.Errorf("failed to remove untested experiment: %w", err)
	}

	r.logger.Info("Resolver: experiment accepted",
		zap.Int64("listing_id", listingID),
		zap.String("experiment_id", experimentID),
		zap.String("start_date", exp.StartDate),
		zap.String("planned_end_date", exp.PlannedEndDate),
		zap.Bool("has_baseline", exp.Performance.Baseline != nil))
	return exp, nil
}

// Keep ends the live experiment and keeps its change.
func (r *Resolver) Keep(ctx context.Context, listingID int64, experimentID string) (exp *models.Experiment, err error) {
	defer func() { metrics.LifecycleTotal.WithLabelValues("keep", metrics.Result(err)).Inc() }()

	exp, err = r.liveExperiment(listingID, experimentID)
	if err != nil {
		return nil, err
	}
	if err := r.finish(listingID, exp, models.StateKept); err != nil {
		return nil, err
	}

	r.logger.Info("Resolver: experiment kept",
		zap.Int64("listing_id", listingID),
		zap.String("experiment_id", experimentID))
	return exp, nil
}

// Revert restores the listing's fields and image set to the snapshots
// captured before the experiment and archives the experiment.
//
// External calls run in the order: image sync, reconciliation, image sync,
// listing update, image sync. A failure part way leaves earlier side
// effects in place; the experiment stays in the testing slot.
func (r *Resolver) Revert(ctx context.Context, listingID int64, experimentID string) (exp *models.Experiment, err error) {
	defer func() { metrics.LifecycleTotal.WithLabelValues("revert", metrics.Result(err)).Inc() }()

	exp, err = r.liveExperiment(listingID, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.OriginalListing == nil || exp.OriginalListingImages == nil {
		return nil, fmt.Errorf("%w: experiment %s is missing its original listing snapshots", ErrPrecondition, experimentID)
	}

	if err := r.images.SyncListingImages(ctx, listingID); err != nil {
		return nil, fmt.Errorf("%w: sync images for listing %d: %v", ErrExternalCall, listingID, err)
	}

	desired := exp.OriginalListingImages
	result, err := r.reconciler.Reconcile(ctx, listingID, desired)
	if err != nil {
		return nil, err
	}
	metrics.ImagesReconciled.WithLabelValues("archived").Add(float64(len(result.Archived)))
	metrics.ImagesReconciled.WithLabelValues("restored").Add(float64(len(result.Restored)))

	if err := r.images.SyncListingImages(ctx, listingID); err != nil {
		return nil, fmt.Errorf("%w: sync images for listing %d: %v", ErrExternalCall, listingID, err)
	}
	if err := r.awaitConvergence(ctx, listingID, desired); err != nil {
		return nil, err
	}

	update, err := BuildRevertPayload(exp.Changes, exp.OriginalListing, desired)
	if err != nil {
		return nil, fmt.Errorf("experiment %s: %w", experimentID, err)
	}
	if !update.IsEmpty() {
		if err := r.api.UpdateListing(ctx, listingID, update); err != nil {
			return nil, fmt.Errorf("%w: update listing %d: %v", ErrExternalCall, listingID, err)
		}
	}
	if err := r.images.SyncListingImages(ctx, listingID); err != nil {
		return nil, fmt.Errorf("%w: sync images for listing %d: %v", ErrExternalCall, listingID, err)
	}
	if err := r.repo.UpsertListingSnapshot(r.shopID, exp.OriginalListing.Clone()); err != nil {
		return nil, fmt.Errorf("failed to restore listing snapshot: %w", err)
	}

	if err := r.finish(listingID, exp, models.StateReverted); err != nil {
		return nil, err
	}

	r.logger.Info("Resolver: experiment reverted",
		zap.Int64("listing_id", listingID),
		zap.String("experiment_id", experimentID),
		zap.Int64s("archived_images", result.Archived),
		zap.Int64s("restored_images", result.Restored))
	return exp, nil
}

// Extend pushes the planned end date of the live experiment forward.
func (r *Resolver) Extend(ctx context.Context, listingID int64, experimentID string, additionalDays int) (exp *models.Experiment, err error) {
	defer func() { metrics.LifecycleTotal.WithLabelValues("extend", metrics.Result(err)).Inc() }()

	if additionalDays <= 0 {
		return nil, fmt.Errorf("%w: additional_days must be positive, got %d", ErrPrecondition, additionalDays)
	}
	exp, err = r.liveExperiment(listingID, experimentID)
	if err != nil {
		return nil, err
	}

	end, ok := exp.PlannedEnd()
	if !ok {
		end = r.today()
	}
	end = end.AddDate(0, 0, additionalDays)
	exp.PlannedEndDate = models.FormatDate(end)

	if exp.State == models.StateFinished && end.After(r.today()) {
		if err := exp.Transition(models.StateTesting); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
	}
	if err := r.repo.SaveTesting(r.shopID, listingID, exp); err != nil {
		return nil, fmt.Errorf("failed to save testing experiment: %w", err)
	}

	r.logger.Info("Resolver: experiment extended",
		zap.Int64("listing_id", listingID),
		zap.String("experiment_id", experimentID),
		zap.Int("additional_days", additionalDays),
		zap.String("planned_end_date", exp.PlannedEndDate))
	return exp, nil
}

// MarkFinished flags every testing experiment whose planned end date has
// passed. Finished experiments stay in the testing slot until kept or reverted.
func (r *Resolver) MarkFinished(ctx context.Context) ([]*models.Experiment, error) {
	testing, err := r.repo.ListTesting(r.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load testing experiments: %w", err)
	}

	today := r.today()
	var finished []*models.Experiment
	for listingID, exp := range testing {
		if ctx.Err() != nil {
			return finished, ctx.Err()
		}
		if exp.State != models.StateTesting {
			continue
		}
		end, ok := exp.PlannedEnd()
		if !ok || end.After(today) {
			continue
		}
		if exp.PlannedEndDate == "" {
			exp.PlannedEndDate = models.FormatDate(end)
		}
		if err := exp.Transition(models.StateFinished); err != nil {
			return finished, err
		}
		if err := r.repo.SaveTesting(r.shopID, listingID, exp); err != nil {
			return finished, fmt.Errorf("failed to save finished experiment: %w", err)
		}
		finished = append(finished, exp)
	}
	if len(finished) > 0 {
		r.logger.Info("Resolver: experiments finished", zap.Int("count", len(finished)))
	}
	return finished, nil
}

func (r *Resolver) liveExperiment(listingID int64, experimentID string) (*models.Experiment, error) {
	exp, err := r.repo.GetTesting(r.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load testing experiment: %w", err)
	}
	if exp == nil || exp.ExperimentID != experimentID {
		return nil, fmt.Errorf("%w: experiment %s is not currently testing for listing %d",
			ErrPrecondition, experimentID, listingID)
	}
	return exp, nil
}

func (r *Resolver) finish(listingID int64, exp *models.Experiment, state models.ExperimentState) error {
	if err := exp.Transition(state); err != nil {
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	exp.EndDate = models.FormatDate(r.today())
	if err := r.repo.AppendTested(r.shopID, listingID, exp); err != nil {
		return fmt.Errorf("failed to archive experiment: %w", err)
	}
	if err := r.repo.ClearTesting(r.shopID, listingID); err != nil {
		return fmt.Errorf("failed to clear testing slot: %w", err)
	}
	return nil
}

// awaitConvergence re-syncs images until the cached manifest matches
// desired or the configured attempts run out. Divergence after the last
// attempt is logged and tolerated: the remote listing is authoritative.
func (r *Resolver) awaitConvergence(ctx context.Context, listingID int64, desired *models.ImageManifest) error {
	for attempt := 0; ; attempt++ {
		live, err := r.repo.GetImagesSnapshot(r.shopID, listingID)
		if err != nil {
			return fmt.Errorf("failed to load image manifest: %w", err)
		}
		if ActiveMatches(live, desired) {
			return nil
		}
		if attempt >= r.opts.ConvergenceAttempts {
			r.logger.Warn("Resolver: image set has not converged",
				zap.Int64("listing_id", listingID),
				zap.Int64s("live", live.OrderedIDs()),
				zap.Int64s("desired", desired.OrderedIDs()))
			return nil
		}

		if r.opts.ConvergenceInterval > 0 {
			timer := time.NewTimer(r.opts.ConvergenceInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := r.images.SyncListingImages(ctx, listingID); err != nil {
			return fmt.Errorf("%w: sync images for listing %d: %v", ErrExternalCall, listingID, err)
		}
	}
}
