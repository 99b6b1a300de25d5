package models

import (
	"sort"
	"strconv"
	"time"
)

// PerformanceHistory maps date -> listing id (decimal string) -> views.
type PerformanceHistory map[string]map[string]int

// Dates returns the recorded dates in ascending order.
func (h PerformanceHistory) Dates() []string {
	dates := make([]string, 0, len(h))
	for d := range h {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// LatestDate returns the most recent date with data.
func (h PerformanceHistory) LatestDate() (string, bool) {
	dates := h.Dates()
	if len(dates) == 0 {
		return "", false
	}
	return dates[len(dates)-1], true
}

// Views returns the views of a listing on date.
func (h PerformanceHistory) Views(date string, listingID int64) (int, bool) {
	snap, ok := h[date]
	if !ok {
		return 0, false
	}
	v, ok := snap[strconv.FormatInt(listingID, 10)]
	return v, ok
}

// Total sums the views of every listing on date.
func (h PerformanceHistory) Total(date string) int {
	total := 0
	for _, v := range h[date] {
		total += v
	}
	return total
}

// LatestFor returns the listing's views on the most recent date in the
// history, or nil when that date has no entry for the listing.
func (h PerformanceHistory) LatestFor(listingID int64) *ViewSnapshot {
	date, ok := h.LatestDate()
	if !ok {
		return nil
	}
	views, ok := h.Views(date, listingID)
	if !ok {
		return nil
	}
	return &ViewSnapshot{Date: date, Views: views}
}

// Record stores a snapshot for date, replacing any previous one.
func (h PerformanceHistory) Record(date string, views map[int64]int) {
	snap := make(map[string]int, len(views))
	for id, v := range views {
		snap[strconv.FormatInt(id, 10)] = v
	}
	h[date] = snap
}

// ListingViews is one row of the performance history table.
type ListingViews struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ShopID     int64     `gorm:"not null;uniqueIndex:idx_views_shop_date_listing" json:"shop_id"`
	SnapshotOn string    `gorm:"type:varchar(10);not null;uniqueIndex:idx_views_shop_date_listing,priority:2" json:"date"`
	ListingID  int64     `gorm:"not null;uniqueIndex:idx_views_shop_date_listing,priority:3" json:"listing_id"`
	Views      int       `gorm:"type:int;not null" json:"views"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name
func (ListingViews) TableName() string {
	return "listing_views"
}
