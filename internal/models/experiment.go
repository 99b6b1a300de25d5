package models

import (
	"fmt"
	"time"
)

// ExperimentState is the lifecycle state of an experiment.
type ExperimentState string

const (
	StateProposed ExperimentState = "proposed"
	StateUntested ExperimentState = "untested"
	StateTesting  ExperimentState = "testing"
	StateFinished ExperimentState = "finished"
	StateKept     ExperimentState = "kept"
	StateReverted ExperimentState = "reverted"
)

var allowedTransitions = map[ExperimentState]map[ExperimentState]bool{
	"": {
		StateProposed: true,
		StateUntested: true,
		StateTesting:  true,
	},
	StateProposed: {
		StateUntested: true,
		StateTesting:  true,
	},
	StateUntested: {
		StateTesting: true,
	},
	StateTesting: {
		StateTesting:  true,
		StateFinished: true,
		StateKept:     true,
		StateReverted: true,
	},
	StateFinished: {
		StateFinished: true,
		StateTesting:  true, // extended past today
		StateKept:     true,
		StateReverted: true,
	},
	StateKept:     {},
	StateReverted: {},
}

func IsKnownState(state ExperimentState) bool {
	_, ok := allowedTransitions[state]
	return ok
}

func CanTransition(from, to ExperimentState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether no further transition is possible.
func (s ExperimentState) IsTerminal() bool {
	return s == StateKept || s == StateReverted
}

// IsLive reports whether the experiment occupies the testing slot.
func (s ExperimentState) IsLive() bool {
	return s == StateTesting || s == StateFinished
}

// Experiment is the unit of lifecycle tracking for one listing change.
type Experiment struct {
	ExperimentID          string          `json:"experiment_id"`
	ListingID             int64           `json:"listing_id"`
	Changes               ChangeSet       `json:"changes"`
	State                 ExperimentState `json:"state"`
	StartDate             string          `json:"start_date,omitempty"`
	EndDate               string          `json:"end_date,omitempty"`
	PlannedEndDate        string          `json:"planned_end_date,omitempty"`
	RunDurationDays       int             `json:"run_duration_days,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	OriginalListing       *Listing        `json:"original_listing,omitempty"`
	OriginalListingImages *ImageManifest  `json:"original_listing_images,omitempty"`
	Performance           Performance     `json:"performance"`
}

// Performance holds the baseline captured at accept time and the most
// recent evaluation.
type Performance struct {
	Baseline *ViewSnapshot `json:"baseline,omitempty"`
	Latest   *Evaluation   `json:"latest,omitempty"`
}

// ViewSnapshot is the view count of a listing on a date.
type ViewSnapshot struct {
	Date  string `json:"date"`
	Views int    `json:"views"`
}

// Evaluation is the outcome of comparing a baseline against a later snapshot.
type Evaluation struct {
	Date              string   `json:"date"`
	Views             int      `json:"views"`
	Delta             int      `json:"delta"`
	PctChange         *float64 `json:"pct_change"`
	SeasonalityFactor float64  `json:"seasonality_factor"`
	NormalizedDelta   float64  `json:"normalized_delta"`
	Confidence        float64  `json:"confidence"`
}

// Transition moves the experiment to state, rejecting moves the lifecycle
// does not allow.
func (e *Experiment) Transition(to ExperimentState) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("invalid experiment state transition: %q -> %q (experiment_id=%s listing_id=%d)",
			e.State, to, e.ExperimentID, e.ListingID)
	}
	e.State = to
	return nil
}

// SetBaseline records the baseline unless one was already captured.
// It reports whether the baseline was written.
func (e *Experiment) SetBaseline(snap *ViewSnapshot) bool {
	if e.Performance.Baseline != nil || snap == nil {
		return false
	}
	b := *snap
	e.Performance.Baseline = &b
	return true
}

// PlannedEnd returns planned_end_date, deriving it from start_date and
// run_duration_days when it is absent.
func (e *Experiment) PlannedEnd() (time.Time, bool) {
	if e.PlannedEndDate != "" {
		if t, err := ParseDate(e.PlannedEndDate); err == nil {
			return t, true
		}
	}
	if e.StartDate == "" || e.RunDurationDays <= 0 {
		return time.Time{}, false
	}
	start, err := ParseDate(e.StartDate)
	if err != nil {
		return time.Time{}, false
	}
	return start.AddDate(0, 0, e.RunDurationDays), true
}

// Clone returns a deep copy.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	c := *e
	c.Changes = append(ChangeSet(nil), e.Changes...)
	c.OriginalListing = e.OriginalListing.Clone()
	c.OriginalListingImages = e.OriginalListingImages.Clone()
	if e.Performance.Baseline != nil {
		b := *e.Performance.Baseline
		c.Performance.Baseline = &b
	}
	if e.Performance.Latest != nil {
		l := *e.Performance.Latest
		if l.PctChange != nil {
			p := *l.PctChange
			l.PctChange = &p
		}
		c.Performance.Latest = &l
	}
	return &c
}

// ExperimentSettings are the per-shop experiment defaults.
type ExperimentSettings struct {
	RunDurationDays int     `json:"run_duration_days" yaml:"run_duration_days"`
	Tolerance       float64 `json:"tolerance" yaml:"tolerance"`
}

func DefaultExperimentSettings() ExperimentSettings {
	return ExperimentSettings{RunDurationDays: 14, Tolerance: 0}
}

// Proposal groups the generated options for one listing until one is selected.
type Proposal struct {
	ListingID int64         `json:"listing_id"`
	Options   []*Experiment `json:"options"`
	CreatedAt string        `json:"created_at,omitempty"`
}

// ExperimentCollection names the store an experiment row belongs to.
type ExperimentCollection string

const (
	CollectionUntested ExperimentCollection = "untested"
	CollectionTesting  ExperimentCollection = "testing"
	CollectionTested   ExperimentCollection = "tested"
)

// ExperimentRecord is the relational row of an experiment. The full
// record is kept as JSON; the indexed columns mirror it for lookups.
type ExperimentRecord struct {
	ID           uint                 `gorm:"primaryKey;autoIncrement" json:"id"`
	ShopID       int64                `gorm:"not null;index:idx_experiment_lookup" json:"shop_id"`
	ListingID    int64                `gorm:"not null;index:idx_experiment_lookup,priority:2" json:"listing_id"`
	Collection   ExperimentCollection `gorm:"type:varchar(20);not null;index:idx_experiment_lookup,priority:3" json:"collection"`
	ExperimentID string               `gorm:"type:varchar(64);not null;index" json:"experiment_id"`
	State        ExperimentState      `gorm:"type:varchar(20);not null;index" json:"state"`
	Record       Experiment           `gorm:"type:longtext;serializer:json" json:"record"`
	CreatedAt    time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name
func (ExperimentRecord) TableName() string {
	return "experiments"
}

// ProposalRecord stores the pending proposal of a listing.
type ProposalRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ShopID    int64     `gorm:"not null;uniqueIndex:idx_proposal_shop_listing"`
	ListingID int64     `gorm:"not null;uniqueIndex:idx_proposal_shop_listing,priority:2"`
	Proposal  Proposal  `gorm:"type:longtext;serializer:json"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ProposalRecord) TableName() string {
	return "experiment_proposals"
}

// SettingsRecord stores the experiment settings of a shop.
type SettingsRecord struct {
	ShopID          int64   `gorm:"primaryKey;autoIncrement:false"`
	RunDurationDays int     `gorm:"not null"`
	Tolerance       float64 `gorm:"not null"`
}

func (SettingsRecord) TableName() string {
	return "experiment_settings"
}
