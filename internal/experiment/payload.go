package experiment

import (
	"fmt"
	"strings"

	"listing-experiments/internal/models"
)

const (
	maxTagLength     = 20
	maxTagCount      = 13
	maxThumbnailPick = 3
)

// BuildChangePayload folds the experiment's changes into one listing update,
// using the cached listing and image manifest as the starting point.
func BuildChangePayload(changes models.ChangeSet, listing *models.Listing, images *models.ImageManifest) (models.ListingUpdate, error) {
	var update models.ListingUpdate
	if len(changes) == 0 {
		return update, fmt.Errorf("%w: experiment has no changes", ErrValidation)
	}
	tags := append([]string(nil), listing.Tags...)
	for _, change := range changes {
		switch c := change.(type) {
		case models.TagChange:
			merged, err := MergeTags(tags, c.TagsToAdd, c.TagsToRemove)
			if err != nil {
				return models.ListingUpdate{}, err
			}
			tags = merged
			update.Tags = &merged
		case models.TitleChange:
			if strings.TrimSpace(c.NewTitle) == "" {
				return models.ListingUpdate{}, fmt.Errorf("%w: title change missing new_title", ErrValidation)
			}
			title := c.NewTitle
			update.Title = &title
		case models.DescriptionChange:
			if strings.TrimSpace(c.NewDescription) == "" {
				return models.ListingUpdate{}, fmt.Errorf("%w: description change missing new_description", ErrValidation)
			}
			description := c.NewDescription
			update.Description = &description
		case models.ThumbnailChange:
			ids, err := OrderThumbnails(c.NewOrdering, images.OrderedIDs())
			if err != nil {
				return models.ListingUpdate{}, err
			}
			update.ImageIDs = ids
		default:
			return models.ListingUpdate{}, fmt.Errorf("%w: unsupported change %T", ErrValidation, change)
		}
	}
	return update, nil
}

// BuildRevertPayload restores exactly the fields touched by the changes
// from the original snapshots.
func BuildRevertPayload(changes models.ChangeSet, original *models.Listing, originalImages *models.ImageManifest) (models.ListingUpdate, error) {
	var update models.ListingUpdate
	for _, change := range changes {
		switch change.(type) {
		case models.TagChange:
			if update.Tags == nil {
				tags := normalizeTags(original.Tags)
				update.Tags = &tags
			}
		case models.TitleChange:
			if update.Title == nil {
				title := original.Title
				update.Title = &title
			}
		case models.DescriptionChange:
			if update.Description == nil {
				description := original.Description
				update.Description = &description
			}
		case models.ThumbnailChange:
			if update.ImageIDs == nil {
				ids := originalImages.OrderedIDs()
				if len(ids) == 0 {
					return models.ListingUpdate{}, fmt.Errorf("%w: original image manifest has no image ids", ErrDataConsistency)
				}
				update.ImageIDs = ids
			}
		default:
			return models.ListingUpdate{}, fmt.Errorf("%w: unsupported change %T", ErrValidation, change)
		}
	}
	return update, nil
}

// MergeTags removes tagsToRemove (case-insensitive) from current and then
// appends tagsToAdd, skipping case-insensitive duplicates.
func MergeTags(current, tagsToAdd, tagsToRemove []string) ([]string, error) {
	remove := make(map[string]bool, len(tagsToRemove))
	for _, t := range tagsToRemove {
		remove[strings.ToLower(t)] = true
	}

	merged := make([]string, 0, len(current)+len(tagsToAdd))
	present := make(map[string]bool, len(current)+len(tagsToAdd))
	for _, t := range current {
		if remove[strings.ToLower(t)] {
			continue
		}
		merged = append(merged, t)
		present[strings.ToLower(t)] = true
	}

	for _, t := range tagsToAdd {
		if t == "" {
			continue
		}
		if len([]rune(t)) > maxTagLength {
			return nil, fmt.Errorf("%w: tag %q exceeds the %d-character limit", ErrValidation, t, maxTagLength)
		}
		if present[strings.ToLower(t)] {
			continue
		}
		merged = append(merged, t)
		present[strings.ToLower(t)] = true
	}

	if len(merged) > maxTagCount {
		return nil, fmt.Errorf("%w: tag change would leave %d tags, limit is %d", ErrValidation, len(merged), maxTagCount)
	}
	return merged, nil
}

// OrderThumbnails moves up to three proposed ids to the front, keeping
// every existing image.
func OrderThumbnails(proposed, existing []int64) ([]int64, error) {
	if len(proposed) > maxThumbnailPick {
		proposed = proposed[:maxThumbnailPick]
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("%w: listing image snapshot has no image ids", ErrValidation)
	}

	known := make(map[int64]bool, len(existing))
	for _, id := range existing {
		known[id] = true
	}

	ordered := make([]int64, 0, len(existing))
	used := make(map[int64]bool, len(existing))
	for _, id := range proposed {
		if known[id] && !used[id] {
			ordered = append(ordered, id)
			used[id] = true
		}
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("%w: none of the proposed thumbnail ids exist on the listing", ErrValidation)
	}
	for _, id := range existing {
		if !used[id] {
			ordered = append(ordered, id)
			used[id] = true
		}
	}
	return ordered, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}
