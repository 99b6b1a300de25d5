package experiment

import (
	"context"

	"listing-experiments/internal/models"
)

// ListingAPI is the remote listing content API.
type ListingAPI interface {
	UpdateListing(ctx context.Context, listingID int64, update models.ListingUpdate) error
	ListImages(ctx context.Context, listingID int64) ([]models.ImageResult, error)
	GetImage(ctx context.Context, listingID, imageID int64) (*models.ImageResult, error)
	UploadImage(ctx context.Context, listingID int64, upload models.ImageUpload) (*models.ImageResult, error)
	DeleteImage(ctx context.Context, listingID, imageID int64) error
}

// PerformanceSource supplies the daily view history of a shop.
type PerformanceSource interface {
	LoadHistory(ctx context.Context, shopID int64) (models.PerformanceHistory, error)
}

// ImageSyncer refreshes the cached image manifests from the remote API.
type ImageSyncer interface {
	SyncListingImages(ctx context.Context, listingIDs ...int64) error
}

// Repository is the per-shop experiment and listing store.
// Getters return (nil, nil) when the item does not exist.
type Repository interface {
	GetTesting(shopID, listingID int64) (*models.Experiment, error)
	ListTesting(shopID int64) (map[int64]*models.Experiment, error)
	SaveTesting(shopID, listingID int64, exp *models.Experiment) error
	ClearTesting(shopID, listingID int64) error

	GetUntested(shopID, listingID int64, experimentID string) (*models.Experiment, error)
	ListUntested(shopID int64) (map[int64]map[string]*models.Experiment, error)
	AddUntested(shopID, listingID int64, exps ...*models.Experiment) error
	RemoveUntested(shopID, listingID int64, experimentID string) error

	ListTested(shopID int64) (map[int64][]*models.Experiment, error)
	AppendTested(shopID, listingID int64, exp *models.Experiment) error
	SaveTested(shopID, listingID int64, exp *models.Experiment) error

	GetProposal(shopID, listingID int64) (*models.Proposal, error)
	SaveProposal(shopID int64, proposal *models.Proposal) error
	DeleteProposal(shopID, listingID int64) error

	GetListingSnapshot(shopID, listingID int64) (*models.Listing, error)
	UpsertListingSnapshot(shopID int64, listing *models.Listing) error
	GetImagesSnapshot(shopID, listingID int64) (*models.ImageManifest, error)
	ArchiveImageEntry(shopID, listingID, imageID int64) (*models.ImageFile, error)
	RestoreImageEntry(shopID, listingID, imageID int64) (*models.ImageFile, error)

	ExperimentSettings(shopID int64) (models.ExperimentSettings, error)
}
