package models

import (
	"encoding/json"
	"fmt"
)

// ChangeKind identifies the listing field a Change mutates.
type ChangeKind string

const (
	ChangeKindTags        ChangeKind = "tags"
	ChangeKindTitle       ChangeKind = "title"
	ChangeKindDescription ChangeKind = "description"
	ChangeKindThumbnails  ChangeKind = "thumbnail"
)

// Change is one proposed mutation to a single listing.
// The set of implementations is closed: TagChange, TitleChange,
// DescriptionChange and ThumbnailChange.
type Change interface {
	Kind() ChangeKind
	Listing() int64
	isChange()
}

type TagChange struct {
	ListingID    int64    `json:"listing_id"`
	TagsToAdd    []string `json:"tags_to_add"`
	TagsToRemove []string `json:"tags_to_remove"`
}

type TitleChange struct {
	ListingID int64  `json:"listing_id"`
	NewTitle  string `json:"new_title"`
}

type DescriptionChange struct {
	ListingID      int64  `json:"listing_id"`
	NewDescription string `json:"new_description"`
}

// ThumbnailChange proposes a new leading image order (at most three ids are honoured).
type ThumbnailChange struct {
	ListingID   int64   `json:"listing_id"`
	NewOrdering []int64 `json:"new_ordering"`
}

func (TagChange) Kind() ChangeKind         { return ChangeKindTags }
func (TitleChange) Kind() ChangeKind       { return ChangeKindTitle }
func (DescriptionChange) Kind() ChangeKind { return ChangeKindDescription }
func (ThumbnailChange) Kind() ChangeKind   { return ChangeKindThumbnails }

func (c TagChange) Listing() int64         { return c.ListingID }
func (c TitleChange) Listing() int64       { return c.ListingID }
func (c DescriptionChange) Listing() int64 { return c.ListingID }
func (c ThumbnailChange) Listing() int64   { return c.ListingID }

func (TagChange) isChange()         {}
func (TitleChange) isChange()       {}
func (DescriptionChange) isChange() {}
func (ThumbnailChange) isChange()   {}

// ChangeSet is the ordered list of changes carried by an experiment.
// It encodes every entry with a "change_type" discriminator.
type ChangeSet []Change

// Kinds returns the distinct change kinds in first-seen order.
func (cs ChangeSet) Kinds() []ChangeKind {
	seen := make(map[ChangeKind]bool, len(cs))
	kinds := make([]ChangeKind, 0, len(cs))
	for _, c := range cs {
		if !seen[c.Kind()] {
			seen[c.Kind()] = true
			kinds = append(kinds, c.Kind())
		}
	}
	return kinds
}

// ForListing returns a copy of the set in which changes without a listing id
// target listingID. Changes already bound to a listing are kept as is.
func (cs ChangeSet) ForListing(listingID int64) ChangeSet {
	out := make(ChangeSet, 0, len(cs))
	for _, c := range cs {
		if c.Listing() == 0 {
			switch v := c.(type) {
			case TagChange:
				v.ListingID = listingID
				c = v
			case TitleChange:
				v.ListingID = listingID
				c = v
			case DescriptionChange:
				v.ListingID = listingID
				c = v
			case ThumbnailChange:
				v.ListingID = listingID
				c = v
			}
		}
		out = append(out, c)
	}
	return out
}

func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		kind := c.Kind()
		switch v := c.(type) {
		case TagChange:
			out = append(out, struct {
				ChangeType ChangeKind `json:"change_type"`
				TagChange
			}{kind, v})
		case TitleChange:
			out = append(out, struct {
				ChangeType ChangeKind `json:"change_type"`
				TitleChange
			}{kind, v})
		case DescriptionChange:
			out = append(out, struct {
				ChangeType ChangeKind `json:"change_type"`
				DescriptionChange
			}{kind, v})
		case ThumbnailChange:
			out = append(out, struct {
				ChangeType ChangeKind `json:"change_type"`
				ThumbnailChange
			}{kind, v})
		default:
			return nil, fmt.Errorf("unsupported change %T", c)
		}
	}
	return json.Marshal(out)
}

func (cs *ChangeSet) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	changes := make(ChangeSet, 0, len(raw))
	for i, item := range raw {
		c, err := decodeChange(item)
		if err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
		changes = append(changes, c)
	}
	*cs = changes
	return nil
}

func decodeChange(data json.RawMessage) (Change, error) {
	var head struct {
		ChangeType ChangeKind `json:"change_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.ChangeType {
	case ChangeKindTags:
		var c TagChange
		err := json.Unmarshal(data, &c)
		return c, err
	case ChangeKindTitle:
		var c TitleChange
		err := json.Unmarshal(data, &c)
		return c, err
	case ChangeKindDescription:
		var c DescriptionChange
		err := json.Unmarshal(data, &c)
		return c, err
	case ChangeKindThumbnails:
		var c ThumbnailChange
		err := json.Unmarshal(data, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown change_type %q", head.ChangeType)
	}
}
