package models

import (
	"sort"
	"time"
)

// ImageResult is one image as reported by the remote API.
type ImageResult struct {
	ListingImageID int64  `json:"listing_image_id"`
	Rank           int    `json:"rank"`
	URLFull        string `json:"url_fullxfull,omitempty"`
	URL570         string `json:"url_570xN,omitempty"`
	AltText        string `json:"alt_text,omitempty"`
}

// ImageFile is a locally cached image file.
type ImageFile struct {
	ListingImageID int64  `json:"listing_image_id"`
	Rank           int    `json:"rank"`
	Path           string `json:"path"`
	URL            string `json:"url,omitempty"`
}

type ArchivedImages struct {
	Files []ImageFile `json:"files"`
}

// ImageManifest describes a listing's image set: remote truth, local
// cache, and files parked aside.
type ImageManifest struct {
	Results  []ImageResult  `json:"results"`
	Files    []ImageFile    `json:"files"`
	Archived ArchivedImages `json:"archived"`
}

// OrderedIDs returns the image ids ordered by rank, preferring the remote
// results and falling back to the local files section.
func (m *ImageManifest) OrderedIDs() []int64 {
	if m == nil {
		return nil
	}
	if len(m.Results) > 0 {
		results := append([]ImageResult(nil), m.Results...)
		sort.SliceStable(results, func(i, j int) bool { return results[i].Rank < results[j].Rank })
		ids := make([]int64, 0, len(results))
		for _, r := range results {
			if r.ListingImageID != 0 {
				ids = append(ids, r.ListingImageID)
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	files := append([]ImageFile(nil), m.Files...)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Rank < files[j].Rank })
	ids := make([]int64, 0, len(files))
	for _, f := range files {
		if f.ListingImageID != 0 {
			ids = append(ids, f.ListingImageID)
		}
	}
	return ids
}

// RankOf returns the recorded rank of an image id.
func (m *ImageManifest) RankOf(id int64) (int, bool) {
	for _, r := range m.Results {
		if r.ListingImageID == id {
			return r.Rank, true
		}
	}
	for _, f := range m.Files {
		if f.ListingImageID == id {
			return f.Rank, true
		}
	}
	return 0, false
}

// RemapIDs rewrites image ids in results and files. Chains are followed
// so that a->b, b->c maps a to c.
func (m *ImageManifest) RemapIDs(mapping map[int64]int64) {
	if m == nil || len(mapping) == 0 {
		return
	}
	for i := range m.Results {
		m.Results[i].ListingImageID = ResolveID(mapping, m.Results[i].ListingImageID)
	}
	for i := range m.Files {
		m.Files[i].ListingImageID = ResolveID(mapping, m.Files[i].ListingImageID)
	}
}

// ResolveID follows mapping from id until it reaches an unmapped id.
func ResolveID(mapping map[int64]int64, id int64) int64 {
	seen := map[int64]bool{id: true}
	for {
		next, ok := mapping[id]
		if !ok || seen[next] {
			return id
		}
		seen[next] = true
		id = next
	}
}

// Clone returns a deep copy.
func (m *ImageManifest) Clone() *ImageManifest {
	if m == nil {
		return nil
	}
	return &ImageManifest{
		Results:  append([]ImageResult(nil), m.Results...),
		Files:    append([]ImageFile(nil), m.Files...),
		Archived: ArchivedImages{Files: append([]ImageFile(nil), m.Archived.Files...)},
	}
}

// ImageUpload describes an upload to the remote image API. ImageID set
// together with Overwrite re-uses an existing remote id.
type ImageUpload struct {
	ImageID   int64
	Path      string
	Rank      int
	Overwrite bool
	AltText   string
}

// ImageManifestRecord stores a manifest row per listing.
type ImageManifestRecord struct {
	ID        uint          `gorm:"primaryKey;autoIncrement"`
	ShopID    int64         `gorm:"not null;uniqueIndex:idx_manifest_shop_listing"`
	ListingID int64         `gorm:"not null;uniqueIndex:idx_manifest_shop_listing,priority:2"`
	Manifest  ImageManifest `gorm:"type:longtext;serializer:json"`
	UpdatedAt time.Time     `gorm:"autoUpdateTime"`
}

func (ImageManifestRecord) TableName() string {
	return "listing_image_manifests"
}
