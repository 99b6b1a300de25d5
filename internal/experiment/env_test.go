package experiment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"listing-experiments/internal/listingsync"
	"listing-experiments/internal/models"
	"listing-experiments/internal/shopdata"
)

var testNow = time.Date(2024, 1, 8, 15, 30, 0, 0, time.UTC)

// fakeMarketplace is an in-memory remote listing and image API.
type fakeMarketplace struct {
	mu          sync.Mutex
	listings    map[int64]*models.Listing
	images      map[int64][]models.ImageResult
	nextID      int64
	rejectReuse map[int64]bool
	failUpdate  error

	updates []models.ListingUpdate
	uploads []models.ImageUpload
	deleted []int64
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		listings:    make(map[int64]*models.Listing),
		images:      make(map[int64][]models.ImageResult),
		nextID:      100,
		rejectReuse: make(map[int64]bool),
	}
}

func imageURL(id int64) string {
	return fmt.Sprintf("https://img.example.test/il/%d.jpg", id)
}

func (f *fakeMarketplace) ActiveListings(ctx context.Context) ([]*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Listing, 0, len(f.listings))
	for _, l := range f.listings {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

func (f *fakeMarketplace) UpdateListing(ctx context.Context, listingID int64, update models.ListingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	f.updates = append(f.updates, update)

	l, ok := f.listings[listingID]
	if !ok {
		return errors.New("listing not found")
	}
	if update.Title != nil {
		l.Title = *update.Title
	}
	if update.Description != nil {
		l.Description = *update.Description
	}
	if update.Tags != nil {
		l.Tags = append([]string(nil), (*update.Tags)...)
	}
	if len(update.ImageIDs) > 0 {
		rank := make(map[int64]int, len(update.ImageIDs))
		for i, id := range update.ImageIDs {
			rank[id] = i + 1
		}
		imgs := f.images[listingID]
		for i := range imgs {
			if r, ok := rank[imgs[i].ListingImageID]; ok {
				imgs[i].Rank = r
			} else {
				imgs[i].Rank = len(update.ImageIDs) + i + 1
			}
		}
	}
	return nil
}

func (f *fakeMarketplace) ListImages(ctx context.Context, listingID int64) ([]models.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]models.ImageResult(nil), f.images[listingID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (f *fakeMarketplace) GetImage(ctx context.Context, listingID, imageID int64) (*models.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images[listingID] {
		if img.ListingImageID == imageID {
			img := img
			return &img, nil
		}
	}
	return nil, errors.New("image not found")
}

func (f *fakeMarketplace) UploadImage(ctx context.Context, listingID int64, upload models.ImageUpload) (*models.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload)

	id := upload.ImageID
	if id != 0 {
		if f.rejectReuse[id] {
			return nil, fmt.Errorf("listing_image_id %d not found", id)
		}
	} else {
		if upload.Path == "" {
			return nil, errors.New("upload needs an image file or id")
		}
		f.nextID++
		id = f.nextID
	}
	img := models.ImageResult{ListingImageID: id, Rank: upload.Rank, URLFull: imageURL(id)}
	f.putImage(listingID, img)
	return &img, nil
}

func (f *fakeMarketplace) DeleteImage(ctx context.Context, listingID, imageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, imageID)
	f.removeImage(listingID, imageID)
	return nil
}

func (f *fakeMarketplace) Download(ctx context.Context, rawURL string) ([]byte, error) {
	return []byte("image:" + rawURL), nil
}

func (f *fakeMarketplace) putImage(listingID int64, img models.ImageResult) {
	imgs := f.images[listingID]
	for i := range imgs {
		if imgs[i].ListingImageID == img.ListingImageID {
			imgs[i] = img
			return
		}
	}
	f.images[listingID] = append(imgs, img)
}

func (f *fakeMarketplace) removeImage(listingID, imageID int64) {
	imgs := f.images[listingID]
	for i := range imgs {
		if imgs[i].ListingImageID == imageID {
			f.images[listingID] = append(imgs[:i], imgs[i+1:]...)
			return
		}
	}
}

// setImages replaces the remote image set, ranked in the given order.
func (f *fakeMarketplace) setImages(listingID int64, ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	imgs := make([]models.ImageResult, 0, len(ids))
	for i, id := range ids {
		imgs = append(imgs, models.ImageResult{ListingImageID: id, Rank: i + 1, URLFull: imageURL(id)})
	}
	f.images[listingID] = imgs
}

func (f *fakeMarketplace) imageIDs(listingID int64) []int64 {
	imgs, _ := f.ListImages(context.Background(), listingID)
	ids := make([]int64, 0, len(imgs))
	for _, img := range imgs {
		ids = append(ids, img.ListingImageID)
	}
	return ids
}

func (f *fakeMarketplace) listing(listingID int64) *models.Listing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings[listingID].Clone()
}

type testEnv struct {
	shopID   int64
	store    *shopdata.Store
	remote   *fakeMarketplace
	sync     *listingsync.Service
	resolver *Resolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := shopdata.NewStore(t.TempDir(), logger)
	remote := newFakeMarketplace()
	const shopID = 555
	syncer := listingsync.NewService(shopID, remote, store, store, 2, logger)
	return &testEnv{
		shopID: shopID,
		store:  store,
		remote: remote,
		sync:   syncer,
		resolver: NewResolver(shopID, store, remote, syncer, store, logger, Options{
			ConvergenceAttempts: 1,
			Now:                 func() time.Time { return testNow },
		}),
	}
}

func (e *testEnv) recordViews(t *testing.T, date string, views map[int64]int) {
	t.Helper()
	require.NoError(t, e.store.RecordPerformance(context.Background(), e.shopID, date, views))
}

// seedListing publishes a listing remotely and caches its snapshot and
// image files locally.
func (e *testEnv) seedListing(t *testing.T, listing *models.Listing, imageIDs ...int64) {
	t.Helper()
	e.remote.mu.Lock()
	e.remote.listings[listing.ListingID] = listing.Clone()
	e.remote.mu.Unlock()
	e.remote.setImages(listing.ListingID, imageIDs...)

	require.NoError(t, e.store.UpsertListingSnapshot(e.shopID, listing))
	require.NoError(t, e.sync.SyncListingImages(context.Background(), listing.ListingID))
}

func (e *testEnv) manifest(t *testing.T, listingID int64) *models.ImageManifest {
	t.Helper()
	m, err := e.store.GetImagesSnapshot(e.shopID, listingID)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func fileIDs(files []models.ImageFile) []int64 {
	ids := make([]int64, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ListingImageID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
