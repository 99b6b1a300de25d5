package listingsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"listing-experiments/internal/models"
	"listing-experiments/internal/shopdata"
)

const shopID = 555

type fakeRemote struct {
	mu        sync.Mutex
	listings  []*models.Listing
	images    map[int64][]models.ImageResult
	downloads map[string]int
	failURL   string
}

func (f *fakeRemote) ActiveListings(ctx context.Context) ([]*models.Listing, error) {
	return f.listings, nil
}

func (f *fakeRemote) ListImages(ctx context.Context, listingID int64) ([]models.ImageResult, error) {
	return append([]models.ImageResult(nil), f.images[listingID]...), nil
}

func (f *fakeRemote) Download(ctx context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rawURL == f.failURL {
		return nil, errors.New("cdn unavailable")
	}
	f.downloads[rawURL]++
	return []byte(rawURL), nil
}

func img(id int64, rank int) models.ImageResult {
	return models.ImageResult{ListingImageID: id, Rank: rank, URLFull: fmt.Sprintf("https://cdn.test/%d.png", id)}
}

func newService(t *testing.T) (*Service, *fakeRemote, *shopdata.Store) {
	t.Helper()
	store := shopdata.NewStore(t.TempDir(), zaptest.NewLogger(t))
	remote := &fakeRemote{images: map[int64][]models.ImageResult{}, downloads: map[string]int{}}
	svc := NewService(shopID, remote, store, store, 2, zaptest.NewLogger(t))
	svc.now = func() time.Time { return time.Date(2024, 1, 8, 23, 0, 0, 0, time.UTC) }
	return svc, remote, store
}

func TestSyncListingsRecordsViews(t *testing.T) {
	svc, remote, store := newService(t)
	remote.listings = []*models.Listing{
		{ListingID: 42, Title: "Lamp", Views: 130},
		{ListingID: 7, Title: "Mug", Views: 970},
	}

	result, err := svc.SyncListings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Listings: 2, Date: "2024-01-08"}, result)

	listing, err := store.GetListingSnapshot(shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, "Lamp", listing.Title)

	h, err := store.LoadHistory(context.Background(), shopID)
	require.NoError(t, err)
	assert.Equal(t, 1100, h.Total("2024-01-08"))
}

func TestSyncListingImages(t *testing.T) {
	ctx := context.Background()
	svc, remote, store := newService(t)
	remote.images[42] = []models.ImageResult{img(2, 2), img(1, 1), img(3, 3)}

	require.NoError(t, svc.SyncListingImages(ctx, 42))
	m, err := store.GetImagesSnapshot(shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, m.OrderedIDs())
	require.Len(t, m.Files, 3)
	for _, f := range m.Files {
		assert.FileExists(t, f.Path)
	}
	assert.Equal(t, "02_2.png", filepath.Base(m.Files[1].Path))

	// 2 disappears remotely, 4 appears, 3 moves to the front
	remote.images[42] = []models.ImageResult{img(3, 1), img(1, 2), img(4, 3)}
	require.NoError(t, svc.SyncListingImages(ctx, 42))

	m, err = store.GetImagesSnapshot(shopID, 42)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 4}, m.OrderedIDs())
	require.Len(t, m.Archived.Files, 1)
	assert.Equal(t, int64(2), m.Archived.Files[0].ListingImageID)
	assert.FileExists(t, m.Archived.Files[0].Path)
	assert.Equal(t, 1, remote.downloads["https://cdn.test/1.png"], "cached files are not downloaded again")
	assert.Equal(t, 1, remote.downloads["https://cdn.test/4.png"])
}

func TestSyncListingImagesRedownloadsMissingFile(t *testing.T) {
	ctx := context.Background()
	svc, remote, store := newService(t)
	remote.images[42] = []models.ImageResult{img(1, 1)}
	require.NoError(t, svc.SyncListingImages(ctx, 42))

	m, err := store.GetImagesSnapshot(shopID, 42)
	require.NoError(t, err)
	require.NoError(t, os.Remove(m.Files[0].Path))

	require.NoError(t, svc.SyncListingImages(ctx, 42))
	assert.Equal(t, 2, remote.downloads["https://cdn.test/1.png"])
}

func TestSyncListingImagesDownloadFailure(t *testing.T) {
	svc, remote, store := newService(t)
	remote.images[42] = []models.ImageResult{img(1, 1), img(2, 2)}
	remote.failURL = "https://cdn.test/2.png"

	err := svc.SyncListingImages(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing 42")

	m, err := store.GetImagesSnapshot(shopID, 42)
	require.NoError(t, err)
	assert.Nil(t, m, "a failed sync saves nothing")
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".png", extension("https://cdn.test/a/b.png?v=1"))
	assert.Equal(t, ".jpg", extension("https://cdn.test/a/b"))
	assert.Equal(t, ".jpg", extension("::bad"))
}
