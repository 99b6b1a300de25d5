package experiment

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"listing-experiments/internal/models"
)

// ReconcileResult summarises one reconciliation run.
type ReconcileResult struct {
	Archived []int64         `json:"archived"`
	Restored []int64         `json:"restored"`
	Remapped map[int64]int64 `json:"remapped,omitempty"`
}

// Reconciler converges a listing's live image set to a desired manifest.
type Reconciler struct {
	shopID int64
	repo   Repository
	api    ListingAPI
	logger *zap.Logger
}

func NewReconciler(shopID int64, repo Repository, api ListingAPI, logger *zap.Logger) *Reconciler {
	return &Reconciler{shopID: shopID, repo: repo, api: api, logger: logger}
}

// Reconcile archives live images that are not in desired, restores the
// desired images that are missing, and rewrites desired in place with any
// ids the remote API reassigned.
func (r *Reconciler) Reconcile(ctx context.Context, listingID int64, desired *models.ImageManifest) (*ReconcileResult, error) {
	desiredIDs := desired.OrderedIDs()
	if len(desiredIDs) == 0 {
		return nil, fmt.Errorf("%w: desired manifest for listing %d has no image ids", ErrDataConsistency, listingID)
	}

	current, err := r.repo.GetImagesSnapshot(r.shopID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image manifest for listing %d: %w", listingID, err)
	}
	currentIDs := current.OrderedIDs()

	desiredSet := toSet(desiredIDs)
	currentSet := toSet(currentIDs)
	result := &ReconcileResult{Remapped: map[int64]int64{}}

	for _, id := range currentIDs {
		if desiredSet[id] {
			continue
		}
		if _, err := r.repo.ArchiveImageEntry(r.shopID, listingID, id); err != nil {
			return result, fmt.Errorf("failed to archive image %d of listing %d: %w", id, listingID, err)
		}
		result.Archived = append(result.Archived, id)
		if err := r.api.DeleteImage(ctx, listingID, id); err != nil {
			r.logger.Warn("Reconciler: remote image delete failed",
				zap.Int64("listing_id", listingID),
				zap.Int64("image_id", id),
				zap.Error(err))
		}
	}

	for _, id := range desiredIDs {
		if currentSet[id] {
			continue
		}
		rank, _ := desired.RankOf(id)
		newID, err := r.restore(ctx, listingID, id, rank)
		if err != nil {
			return result, err
		}
		result.Restored = append(result.Restored, newID)
		if newID != id {
			result.Remapped[id] = newID
		}
	}

	desired.RemapIDs(result.Remapped)
	if len(result.Remapped) == 0 {
		result.Remapped = nil
	}

	r.logger.Info("Reconciler: image set reconciled",
		zap.Int64("listing_id", listingID),
		zap.Int("archived", len(result.Archived)),
		zap.Int("restored", len(result.Restored)),
		zap.Int("remapped", len(result.Remapped)))
	return result, nil
}

// restore re-uploads an archived image under its original id, falling back
// to a fresh upload of the archived file. It returns the live id.
func (r *Reconciler) restore(ctx context.Context, listingID, imageID int64, rank int) (int64, error) {
	entry, err := r.repo.RestoreImageEntry(r.shopID, listingID, imageID)
	if err != nil {
		return 0, fmt.Errorf("failed to restore archived image %d of listing %d: %w", imageID, listingID, err)
	}

	_, reuseErr := r.api.UploadImage(ctx, listingID, models.ImageUpload{
		ImageID:   imageID,
		Rank:      rank,
		Overwrite: true,
	})
	if reuseErr == nil {
		return imageID, nil
	}

	if entry == nil || entry.Path == "" {
		return 0, fmt.Errorf("%w: re-upload of image %d for listing %d failed and no archived file exists: %v",
			ErrExternalCall, imageID, listingID, reuseErr)
	}
	if _, statErr := os.Stat(entry.Path); statErr != nil {
		return 0, fmt.Errorf("%w: re-upload of image %d for listing %d failed and archived file is unreadable: %v",
			ErrExternalCall, imageID, listingID, reuseErr)
	}

	r.logger.Info("Reconciler: image id rejected, uploading archived file",
		zap.Int64("listing_id", listingID),
		zap.Int64("image_id", imageID),
		zap.Error(reuseErr))

	uploaded, err := r.api.UploadImage(ctx, listingID, models.ImageUpload{
		Path:      entry.Path,
		Rank:      rank,
		Overwrite: true,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: upload of archived image %d for listing %d: %v", ErrExternalCall, imageID, listingID, err)
	}
	if uploaded == nil || uploaded.ListingImageID == 0 {
		return 0, fmt.Errorf("%w: upload for listing %d returned no image id", ErrExternalCall, listingID)
	}
	return uploaded.ListingImageID, nil
}

// ActiveMatches reports whether the live manifest holds exactly the ids of desired.
func ActiveMatches(live, desired *models.ImageManifest) bool {
	liveIDs := live.OrderedIDs()
	want := toSet(desired.OrderedIDs())
	if len(liveIDs) != len(want) {
		return false
	}
	for _, id := range liveIDs {
		if !want[id] {
			return false
		}
	}
	return true
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
