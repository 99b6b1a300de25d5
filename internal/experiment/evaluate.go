package experiment

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"listing-experiments/internal/metrics"
	"listing-experiments/internal/models"
)

// Recommendation is the action suggested by an evaluation.
type Recommendation string

const (
	RecommendKeep         Recommendation = "keep"
	RecommendRevert       Recommendation = "revert"
	RecommendInconclusive Recommendation = "inconclusive"
)

// Report is returned by Evaluator.Evaluate.
type Report struct {
	ExperimentID      string               `json:"experiment_id"`
	ListingID         int64                `json:"listing_id"`
	Baseline          *models.ViewSnapshot `json:"baseline"`
	Latest            *models.Evaluation   `json:"latest"`
	RecommendedAction Recommendation       `json:"recommended_action"`
}

// Evaluate compares the baseline with the listing's views on comparisonDate
// (the latest recorded date when empty), correcting for the shop-wide trend.
//
// The seasonality factor is the ratio of shop totals between the two dates.
// Views are treated as Poisson, so the confidence is the two-sided normal
// mass within |z| with z = normalized_delta / sqrt(max(baseline, 1)).
// Any |normalized_delta| <= tolerance is inconclusive.
func Evaluate(baseline *models.ViewSnapshot, history models.PerformanceHistory, listingID int64, comparisonDate string, tolerance float64) (models.Evaluation, Recommendation, error) {
	if baseline == nil {
		return models.Evaluation{}, "", fmt.Errorf("%w: experiment has no baseline", ErrNotEvaluable)
	}
	if tolerance < 0 || math.IsNaN(tolerance) {
		return models.Evaluation{}, "", fmt.Errorf("%w: tolerance must be >= 0, got %v", ErrValidation, tolerance)
	}
	if len(history) == 0 {
		return models.Evaluation{}, "", fmt.Errorf("%w: no performance history recorded", ErrNotEvaluable)
	}

	date := comparisonDate
	if date == "" {
		date, _ = history.LatestDate()
	}
	if len(history[date]) == 0 {
		return models.Evaluation{}, "", fmt.Errorf("%w: no performance snapshot for %s", ErrNotEvaluable, date)
	}
	current, ok := history.Views(date, listingID)
	if !ok {
		return models.Evaluation{}, "", fmt.Errorf("%w: listing %d has no views recorded on %s", ErrNotEvaluable, listingID, date)
	}

	delta := current - baseline.Views
	var pctChange *float64
	if baseline.Views != 0 {
		pct := float64(delta) / float64(baseline.Views) * 100
		pctChange = &pct
	}

	factor := 1.0
	if baseTotal := history.Total(baseline.Date); baseTotal > 0 {
		factor = float64(history.Total(date)) / float64(baseTotal)
	}
	normalizedCurrent := float64(current)
	if factor != 0 {
		normalizedCurrent = float64(current) / factor
	}
	normalizedDelta := normalizedCurrent - float64(baseline.Views)

	stdDev := math.Sqrt(math.Max(float64(baseline.Views), 1))
	z := normalizedDelta / stdDev
	confidence := math.Erf(math.Abs(z) / math.Sqrt2)

	action := RecommendRevert
	if normalizedDelta >= tolerance {
		action = RecommendKeep
	}
	if math.Abs(normalizedDelta) <= tolerance {
		action = RecommendInconclusive
	}

	return models.Evaluation{
		Date:              date,
		Views:             current,
		Delta:             delta,
		PctChange:         pctChange,
		SeasonalityFactor: factor,
		NormalizedDelta:   normalizedDelta,
		Confidence:        confidence,
	}, action, nil
}

// Evaluator runs Evaluate for stored experiments and persists the result.
type Evaluator struct {
	shopID      int64
	repo        Repository
	performance PerformanceSource
	logger      *zap.Logger
}

func NewEvaluator(shopID int64, repo Repository, performance PerformanceSource, logger *zap.Logger) *Evaluator {
	return &Evaluator{shopID: shopID, repo: repo, performance: performance, logger: logger}
}

// Evaluate evaluates the experiment held in the testing slot or the tested
// archive. A nil tolerance uses the shop's configured tolerance.
func (e *Evaluator) Evaluate(ctx context.Context, listingID int64, experimentID, comparisonDate string, tolerance *float64) (*Report, error) {
	exp, inTesting, err := e.find(listingID, experimentID)
	if err != nil {
		return nil, err
	}

	tol, err := e.tolerance(tolerance)
	if err != nil {
		return nil, err
	}

	history, err := e.performance.LoadHistory(ctx, e.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load performance history: %w", err)
	}

	latest, action, err := Evaluate(exp.Performance.Baseline, history, listingID, comparisonDate, tol)
	if err != nil {
		return nil, fmt.Errorf("experiment %s on listing %d: %w", experimentID, listingID, err)
	}

	exp.Performance.Latest = &latest
	if inTesting {
		err = e.repo.SaveTesting(e.shopID, listingID, exp)
	} else {
		err = e.repo.SaveTested(e.shopID, listingID, exp)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist evaluation: %w", err)
	}

	metrics.EvaluationsTotal.WithLabelValues(string(action)).Inc()
	e.logger.Info("Evaluator: experiment evaluated",
		zap.Int64("listing_id", listingID),
		zap.String("experiment_id", experimentID),
		zap.String("date", latest.Date),
		zap.Float64("normalized_delta", latest.NormalizedDelta),
		zap.Float64("confidence", latest.Confidence),
		zap.String("recommended_action", string(action)))

	return &Report{
		ExperimentID:      exp.ExperimentID,
		ListingID:         listingID,
		Baseline:          exp.Performance.Baseline,
		Latest:            &latest,
		RecommendedAction: action,
	}, nil
}

func (e *Evaluator) find(listingID int64, experimentID string) (*models.Experiment, bool, error) {
	testing, err := e.repo.GetTesting(e.shopID, listingID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load testing experiment: %w", err)
	}
	if testing != nil && testing.ExperimentID == experimentID {
		return testing, true, nil
	}

	tested, err := e.repo.ListTested(e.shopID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load tested experiments: %w", err)
	}
	for _, exp := range tested[listingID] {
		if exp.ExperimentID == experimentID {
			return exp, false, nil
		}
	}
	return nil, false, fmt.Errorf("%w: experiment %s not found for listing %d", ErrPrecondition, experimentID, listingID)
}

func (e *Evaluator) tolerance(override *float64) (float64, error) {
	if override != nil {
		return *override, nil
	}
	settings, err := e.repo.ExperimentSettings(e.shopID)
	if err != nil {
		return 0, fmt.Errorf("failed to load experiment settings: %w", err)
	}
	return settings.Tolerance, nil
}
