package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"listing-experiments/internal/config"
	"listing-experiments/internal/experiment"
	"listing-experiments/internal/listingsync"
	"listing-experiments/internal/models"
)

type fakeSyncer struct {
	listingsErr error
	imageIDs    []int64
}

func (f *fakeSyncer) SyncListings(ctx context.Context) (*listingsync.Result, error) {
	if f.listingsErr != nil {
		return nil, f.listingsErr
	}
	return &listingsync.Result{Listings: 3, Date: "2024-01-08"}, nil
}

func (f *fakeSyncer) SyncListingImages(ctx context.Context, listingIDs ...int64) error {
	f.imageIDs = append(f.imageIDs, listingIDs...)
	return nil
}

type fakeFinisher struct{ finished []*models.Experiment }

func (f fakeFinisher) MarkFinished(ctx context.Context) ([]*models.Experiment, error) {
	return f.finished, nil
}

type fakeEvaluator struct {
	errs  map[int64]error
	calls []int64
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, listingID int64, experimentID, comparisonDate string, tolerance *float64) (*experiment.Report, error) {
	f.calls = append(f.calls, listingID)
	if err := f.errs[listingID]; err != nil {
		return nil, err
	}
	return &experiment.Report{
		ExperimentID:      experimentID,
		ListingID:         listingID,
		Latest:            &models.Evaluation{Date: "2024-01-08", NormalizedDelta: 3},
		RecommendedAction: experiment.RecommendKeep,
	}, nil
}

type fakeRepo map[int64]*models.Experiment

func (f fakeRepo) ListTesting(shopID int64) (map[int64]*models.Experiment, error) {
	out := make(map[int64]*models.Experiment, len(f))
	for id, exp := range f {
		out[id] = exp.Clone()
	}
	return out, nil
}

type fakeIndexer struct{ indexed []*models.Experiment }

func (f *fakeIndexer) IndexExperiments(exps []*models.Experiment) error {
	f.indexed = append(f.indexed, exps...)
	return nil
}

func testingRepo() fakeRepo {
	return fakeRepo{
		42: {ExperimentID: "a", ListingID: 42, State: models.StateTesting},
		7:  {ExperimentID: "b", ListingID: 7, State: models.StateFinished},
		9:  {ExperimentID: "c", ListingID: 9, State: models.StateTesting},
	}
}

func TestRunSweep(t *testing.T) {
	evaluator := &fakeEvaluator{errs: map[int64]error{
		7: fmt.Errorf("experiment b: %w", experiment.ErrNotEvaluable),
		9: errors.New("disk full"),
	}}
	indexer := &fakeIndexer{}
	s := NewScheduler(555, &fakeSyncer{}, fakeFinisher{finished: []*models.Experiment{{ExperimentID: "b"}}},
		evaluator, testingRepo(), indexer, config.SchedulerConfig{}, zaptest.NewLogger(t))

	result, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Finished: 1, Evaluated: 1, NotEvaluable: 1, Failed: 1}, result)
	assert.Equal(t, []int64{7, 9, 42}, evaluator.calls)

	require.Len(t, indexer.indexed, 1)
	assert.Equal(t, "a", indexer.indexed[0].ExperimentID)
	require.NotNil(t, indexer.indexed[0].Performance.Latest)
	assert.Equal(t, 3.0, indexer.indexed[0].Performance.Latest.NormalizedDelta)
}

func TestRunSweepWithoutIndexer(t *testing.T) {
	s := NewScheduler(555, &fakeSyncer{}, fakeFinisher{}, &fakeEvaluator{}, testingRepo(), nil,
		config.SchedulerConfig{}, zaptest.NewLogger(t))
	result, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Evaluated)
}

func TestRunSync(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(555, syncer, fakeFinisher{}, &fakeEvaluator{}, testingRepo(), nil,
		config.SchedulerConfig{}, zaptest.NewLogger(t))

	result, err := s.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Listings)
	assert.Equal(t, []int64{7, 9, 42}, syncer.imageIDs)

	syncer.listingsErr = errors.New("quota exhausted")
	_, err = s.RunSync(context.Background())
	require.Error(t, err)
}

func TestParseDailyRunTime(t *testing.T) {
	s := NewScheduler(555, &fakeSyncer{}, fakeFinisher{}, &fakeEvaluator{}, fakeRepo{}, nil,
		config.SchedulerConfig{}, zaptest.NewLogger(t))

	assert.Equal(t, "0 2 * * *", s.parseDailyRunTime("02:00"))
	assert.Equal(t, "30 4 * * *", s.parseDailyRunTime("04:30"))
	assert.Equal(t, "0 2 * * *", s.parseDailyRunTime("25:00"))
	assert.Equal(t, "0 2 * * *", s.parseDailyRunTime("noon"))
}

func TestStartAndStop(t *testing.T) {
	s := NewScheduler(555, &fakeSyncer{}, fakeFinisher{}, &fakeEvaluator{}, fakeRepo{}, nil,
		config.SchedulerConfig{SweepEnabled: true, SweepTime: "03:00", SyncEnabled: true, SyncTime: "02:00"},
		zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 2)
	s.Stop()

	disabled := NewScheduler(555, &fakeSyncer{}, fakeFinisher{}, &fakeEvaluator{}, fakeRepo{}, nil,
		config.SchedulerConfig{}, zaptest.NewLogger(t))
	require.NoError(t, disabled.Start())
	disabled.Stop()
}
