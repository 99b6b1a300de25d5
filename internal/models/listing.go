package models

import "time"

// Listing is the cached snapshot of a remote listing.
type Listing struct {
	ListingID   int64     `gorm:"primaryKey;autoIncrement:false" json:"listing_id"`
	ShopID      int64     `gorm:"index;not null" json:"shop_id,omitempty"`
	Title       string    `gorm:"type:text" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Tags        []string  `gorm:"type:text;serializer:json" json:"tags"`
	State       string    `gorm:"type:varchar(20);index" json:"state"`
	Views       int       `gorm:"type:int" json:"views"`
	URL         string    `gorm:"type:varchar(500)" json:"url,omitempty"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName pins the table name.
func (Listing) TableName() string {
	return "listings"
}

// Clone returns a deep copy.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	c := *l
	if l.Tags != nil {
		c.Tags = append([]string(nil), l.Tags...)
	}
	return &c
}

// ListingUpdate is the set of fields sent to the remote update call.
// A nil field is left untouched remotely; a non-nil Tags pointing at an
// empty slice clears the tags.
type ListingUpdate struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	ImageIDs    []int64   `json:"image_ids,omitempty"`
}

// IsEmpty reports whether the update carries no fields.
func (u ListingUpdate) IsEmpty() bool {
	return u.Title == nil && u.Description == nil && u.Tags == nil && len(u.ImageIDs) == 0
}
