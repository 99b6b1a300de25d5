package experiment

import (
	"fmt"
	"sort"
	"time"

	"listing-experiments/internal/models"
)

// Summary is one experiment with where it lives and how long it has left.
type Summary struct {
	Experiment    *models.Experiment          `json:"experiment"`
	Collection    models.ExperimentCollection `json:"collection"`
	PlannedEnd    string                      `json:"planned_end_date,omitempty"`
	DaysRemaining *int                        `json:"days_remaining,omitempty"`
}

// Overview aggregates the experiment collections of a shop.
type Overview struct {
	Testing   int `json:"testing"`
	Finished  int `json:"finished"`
	Untested  int `json:"untested"`
	Kept      int `json:"kept"`
	Reverted  int `json:"reverted"`
	Listings  int `json:"listings"`
	Evaluated int `json:"evaluated"`
	// KeepRatio is kept / (kept + reverted); nil before anything was resolved.
	KeepRatio *float64 `json:"keep_ratio"`
	// AverageNormalizedDelta covers every experiment with an evaluation.
	AverageNormalizedDelta *float64 `json:"average_normalized_delta"`
}

// Catalog answers read-only questions about a shop's experiments.
type Catalog struct {
	shopID int64
	repo   Repository
	now    func() time.Time
}

func NewCatalog(shopID int64, repo Repository) *Catalog {
	return &Catalog{shopID: shopID, repo: repo, now: time.Now}
}

// Testing lists experiments in the testing slot whose state is TESTING.
func (c *Catalog) Testing() ([]*models.Experiment, error) {
	return c.live(models.StateTesting)
}

// Finished lists experiments past their planned end awaiting a decision.
func (c *Catalog) Finished() ([]*models.Experiment, error) {
	return c.live(models.StateFinished)
}

func (c *Catalog) live(state models.ExperimentState) ([]*models.Experiment, error) {
	testing, err := c.repo.ListTesting(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load testing experiments: %w", err)
	}
	out := make([]*models.Experiment, 0, len(testing))
	for listingID, exp := range testing {
		if exp.State != state {
			continue
		}
		exp.ListingID = listingID
		out = append(out, exp)
	}
	sortExperiments(out)
	return out, nil
}

// Untested lists the untested backlog.
func (c *Catalog) Untested() ([]*models.Experiment, error) {
	untested, err := c.repo.ListUntested(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load untested experiments: %w", err)
	}
	var out []*models.Experiment
	for listingID, byID := range untested {
		for _, exp := range byID {
			exp.ListingID = listingID
			out = append(out, exp)
		}
	}
	sortExperiments(out)
	return out, nil
}

// Tested lists the archive of kept and reverted experiments.
func (c *Catalog) Tested() ([]*models.Experiment, error) {
	tested, err := c.repo.ListTested(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tested experiments: %w", err)
	}
	var out []*models.Experiment
	for listingID, exps := range tested {
		for _, exp := range exps {
			exp.ListingID = listingID
			out = append(out, exp)
		}
	}
	sortExperiments(out)
	return out, nil
}

// Summary finds an experiment in any collection, testing slot first.
func (c *Catalog) Summary(listingID int64, experimentID string) (*Summary, error) {
	testing, err := c.repo.GetTesting(c.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load testing experiment: %w", err)
	}
	if testing != nil && testing.ExperimentID == experimentID {
		return c.summarize(listingID, testing, models.CollectionTesting), nil
	}

	untested, err := c.repo.GetUntested(c.shopID, listingID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load untested experiment: %w", err)
	}
	if untested != nil {
		return c.summarize(listingID, untested, models.CollectionUntested), nil
	}

	tested, err := c.repo.ListTested(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tested experiments: %w", err)
	}
	for _, exp := range tested[listingID] {
		if exp.ExperimentID == experimentID {
			return c.summarize(listingID, exp, models.CollectionTested), nil
		}
	}
	return nil, fmt.Errorf("%w: %s for listing %d", ErrNotFound, experimentID, listingID)
}

func (c *Catalog) summarize(listingID int64, exp *models.Experiment, collection models.ExperimentCollection) *Summary {
	exp.ListingID = listingID
	s := &Summary{Experiment: exp, Collection: collection}
	if end, ok := exp.PlannedEnd(); ok {
		s.PlannedEnd = models.FormatDate(end)
		if exp.State.IsLive() {
			days := int(end.Sub(models.Today(c.now())).Hours() / 24)
			s.DaysRemaining = &days
		}
	}
	return s
}

// Overview counts experiments per state and aggregates resolved outcomes.
func (c *Catalog) Overview() (*Overview, error) {
	testing, err := c.repo.ListTesting(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load testing experiments: %w", err)
	}
	untested, err := c.repo.ListUntested(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load untested experiments: %w", err)
	}
	tested, err := c.repo.ListTested(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tested experiments: %w", err)
	}
	return BuildOverview(testing, untested, tested), nil
}

// BuildOverview aggregates the three collections.
func BuildOverview(testing map[int64]*models.Experiment, untested map[int64]map[string]*models.Experiment, tested map[int64][]*models.Experiment) *Overview {
	o := &Overview{}
	listings := make(map[int64]struct{})
	var deltaSum float64

	observe := func(exp *models.Experiment) {
		if exp.Performance.Latest != nil {
			o.Evaluated++
			deltaSum += exp.Performance.Latest.NormalizedDelta
		}
	}

	for listingID, exp := range testing {
		listings[listingID] = struct{}{}
		if exp.State == models.StateFinished {
			o.Finished++
		} else {
			o.Testing++
		}
		observe(exp)
	}
	for listingID, byID := range untested {
		if len(byID) > 0 {
			listings[listingID] = struct{}{}
		}
		o.Untested += len(byID)
	}
	for listingID, exps := range tested {
		if len(exps) > 0 {
			listings[listingID] = struct{}{}
		}
		for _, exp := range exps {
			switch exp.State {
			case models.StateKept:
				o.Kept++
			case models.StateReverted:
				o.Reverted++
			}
			observe(exp)
		}
	}

	o.Listings = len(listings)
	if resolved := o.Kept + o.Reverted; resolved > 0 {
		ratio := float64(o.Kept) / float64(resolved)
		o.KeepRatio = &ratio
	}
	if o.Evaluated > 0 {
		avg := deltaSum / float64(o.Evaluated)
		o.AverageNormalizedDelta = &avg
	}
	return o
}

func sortExperiments(exps []*models.Experiment) {
	sort.Slice(exps, func(i, j int) bool {
		if exps[i].ListingID != exps[j].ListingID {
			return exps[i].ListingID < exps[j].ListingID
		}
		return exps[i].ExperimentID < exps[j].ExperimentID
	})
}
