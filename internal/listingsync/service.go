// Package listingsync pulls listing content, views and images from the
// marketplace into the local store.
package listingsync

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"listing-experiments/internal/imagestore"
	"listing-experiments/internal/models"
)

// Remote is the part of the marketplace client the sync needs.
type Remote interface {
	ActiveListings(ctx context.Context) ([]*models.Listing, error)
	ListImages(ctx context.Context, listingID int64) ([]models.ImageResult, error)
	Download(ctx context.Context, rawURL string) ([]byte, error)
}

// Store is where synced listings and image manifests land.
type Store interface {
	SaveListings(shopID int64, listings []*models.Listing) error
	GetImagesSnapshot(shopID, listingID int64) (*models.ImageManifest, error)
	SaveImagesManifest(shopID, listingID int64, manifest *models.ImageManifest) error
	Layout() imagestore.Layout
}

// PerformanceRecorder appends a daily views snapshot to the history.
type PerformanceRecorder interface {
	RecordPerformance(ctx context.Context, shopID int64, date string, views map[int64]int) error
}

// Result summarises a listing sync.
type Result struct {
	Listings int    `json:"listings"`
	Date     string `json:"date"`
}

type Service struct {
	shopID      int64
	remote      Remote
	store       Store
	performance PerformanceRecorder
	logger      *zap.Logger
	concurrency int
	now         func() time.Time
}

func NewService(shopID int64, remote Remote, store Store, performance PerformanceRecorder, concurrency int, logger *zap.Logger) *Service {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		shopID:      shopID,
		remote:      remote,
		store:       store,
		performance: performance,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SyncListings refreshes every active listing and records today's view
// counts into the performance history.
func (s *Service) SyncListings(ctx context.Context) (*Result, error) {
	listings, err := s.remote.ActiveListings(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveListings(s.shopID, listings); err != nil {
		return nil, fmt.Errorf("failed to save listings: %w", err)
	}

	views := make(map[int64]int, len(listings))
	for _, l := range listings {
		views[l.ListingID] = l.Views
	}
	date := models.FormatDate(models.Today(s.now()))
	if err := s.performance.RecordPerformance(ctx, s.shopID, date, views); err != nil {
		return nil, fmt.Errorf("failed to record performance snapshot: %w", err)
	}

	s.logger.Info("ListingSync: listings synced",
		zap.Int64("shop_id", s.shopID),
		zap.Int("listings", len(listings)),
		zap.String("date", date))
	return &Result{Listings: len(listings), Date: date}, nil
}

// SyncListingImages makes each listing's manifest match the remote image
// set: results are replaced, new images downloaded, and local files of
// images gone remotely are archived.
func (s *Service) SyncListingImages(ctx context.Context, listingIDs ...int64) error {
	for _, listingID := range listingIDs {
		if err := s.syncImages(ctx, listingID); err != nil {
			return fmt.Errorf("listing %d: %w", listingID, err)
		}
	}
	return nil
}

func (s *Service) syncImages(ctx context.Context, listingID int64) error {
	results, err := s.remote.ListImages(ctx, listingID)
	if err != nil {
		return err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Rank < results[j].Rank })

	manifest, err := s.store.GetImagesSnapshot(s.shopID, listingID)
	if err != nil {
		return fmt.Errorf("failed to load image manifest: %w", err)
	}
	if manifest == nil {
		manifest = &models.ImageManifest{}
	}
	manifest.Results = results

	layout := s.store.Layout()
	listingDir := layout.ListingDir(s.shopID, listingID)
	archiveDir := layout.ArchiveDir(s.shopID, listingID)

	remote := make(map[int64]models.ImageResult, len(results))
	for _, r := range results {
		remote[r.ListingImageID] = r
	}

	for _, f := range append([]models.ImageFile(nil), manifest.Files...) {
		if _, ok := remote[f.ListingImageID]; ok {
			continue
		}
		if _, err := imagestore.Archive(manifest, archiveDir, f.ListingImageID); err != nil {
			return err
		}
		s.logger.Debug("ListingSync: archived image removed remotely",
			zap.Int64("listing_id", listingID),
			zap.Int64("image_id", f.ListingImageID))
	}

	local := make(map[int64]int, len(manifest.Files))
	for i, f := range manifest.Files {
		local[f.ListingImageID] = i
	}

	var (
		mu         sync.Mutex
		downloaded []models.ImageFile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, r := range results {
		if i, ok := local[r.ListingImageID]; ok {
			manifest.Files[i].Rank = r.Rank
			if _, err := os.Stat(manifest.Files[i].Path); err == nil || manifest.Files[i].Path == "" {
				continue
			}
		}
		r := r
		g.Go(func() error {
			file, err := s.download(gctx, listingDir, r)
			if err != nil {
				return err
			}
			mu.Lock()
			downloaded = append(downloaded, *file)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, f := range downloaded {
		if i, ok := local[f.ListingImageID]; ok {
			manifest.Files[i] = f
			continue
		}
		manifest.Files = append(manifest.Files, f)
	}
	sort.SliceStable(manifest.Files, func(i, j int) bool { return manifest.Files[i].Rank < manifest.Files[j].Rank })

	if err := s.store.SaveImagesManifest(s.shopID, listingID, manifest); err != nil {
		return fmt.Errorf("failed to save image manifest: %w", err)
	}
	return nil
}

func (s *Service) download(ctx context.Context, listingDir string, img models.ImageResult) (*models.ImageFile, error) {
	src := img.URLFull
	if src == "" {
		src = img.URL570
	}
	file := &models.ImageFile{ListingImageID: img.ListingImageID, Rank: img.Rank, URL: src}
	if src == "" {
		return file, nil
	}

	data, err := s.remote.Download(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(listingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", listingDir, err)
	}
	dest := filepath.Join(listingDir, imagestore.FileName(img.Rank, img.ListingImageID, extension(src)))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("write image %s: %w", dest, err)
	}
	file.Path = dest
	return file, nil
}

func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".jpg"
}
