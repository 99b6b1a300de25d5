package experiment

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"listing-experiments/internal/models"
)

// Promoter turns a generated proposal into untested experiments.
type Promoter struct {
	shopID int64
	repo   Repository
	logger *zap.Logger
}

func NewPromoter(shopID int64, repo Repository, logger *zap.Logger) *Promoter {
	return &Promoter{shopID: shopID, repo: repo, logger: logger}
}

// SelectProposal moves every option of the listing's proposal into the
// untested backlog and returns the option identified by experimentID.
// Options without an id get a fresh one; pass an empty experimentID to
// select the first option.
func (p *Promoter) SelectProposal(listingID int64, experimentID string) (*models.Experiment, error) {
	proposal, err := p.repo.GetProposal(p.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	if proposal == nil || len(proposal.Options) == 0 {
		return nil, fmt.Errorf("%w: no proposal for listing %d", ErrPrecondition, listingID)
	}

	settings, err := p.repo.ExperimentSettings(p.shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment settings: %w", err)
	}
	listing, err := p.repo.GetListingSnapshot(p.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load listing snapshot: %w", err)
	}
	images, err := p.repo.GetImagesSnapshot(p.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image manifest: %w", err)
	}

	var selected *models.Experiment
	options := make([]*models.Experiment, 0, len(proposal.Options))
	for _, opt := range proposal.Options {
		if opt == nil || len(opt.Changes) == 0 {
			continue
		}
		exp := opt.Clone()
		if exp.ExperimentID == "" {
			exp.ExperimentID = uuid.NewString()
		}
		exp.ListingID = listingID
		exp.Changes = exp.Changes.ForListing(listingID)
		if err := exp.Transition(models.StateUntested); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
		if exp.RunDurationDays <= 0 {
			exp.RunDurationDays = settings.RunDurationDays
		}
		if exp.OriginalListing == nil {
			exp.OriginalListing = listing.Clone()
		}
		if exp.OriginalListingImages == nil {
			exp.OriginalListingImages = images.Clone()
		}
		if selected == nil && (experimentID == "" || exp.ExperimentID == experimentID) {
			selected = exp
		}
		options = append(options, exp)
	}
	if selected == nil {
		return nil, fmt.Errorf("%w: experiment %s is not an option of the proposal for listing %d",
			ErrPrecondition, experimentID, listingID)
	}

	if err := p.repo.AddUntested(p.shopID, listingID, options...); err != nil {
		return nil, fmt.Errorf("failed to add untested experiments: %w", err)
	}
	if err := p.repo.DeleteProposal(p.shopID, listingID); err != nil {
		return nil, fmt.Errorf("failed to delete proposal: %w", err)
	}

	p.logger.Info("Promoter: proposal promoted",
		zap.Int64("listing_id", listingID),
		zap.String("selected", selected.ExperimentID),
		zap.Int("options", len(options)))
	return selected, nil
}
