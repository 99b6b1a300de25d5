// Package shopdata persists shop state as JSON documents on disk, one
// directory per shop, with an in-process cache per shop.
//
// Layout under the base directory:
//
//	<shop>/current_listings.json
//	<shop>/performance.json
//	<shop>/images/images.json
//	<shop>/images/<listing>/[old/]
//	<shop>/experiments/{proposals,untested_experiments,testing_experiments,tested_experiments,experiment_settings}.json
package shopdata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"listing-experiments/internal/imagestore"
	"listing-experiments/internal/models"
)

var ErrNotFound = errors.New("not found")

type listingsDocument struct {
	Count   int               `json:"count"`
	Results []*models.Listing `json:"results"`
}

type shopCache struct {
	listings    *listingsDocument
	images      map[int64]*models.ImageManifest
	performance map[string]map[string]int
	proposals   map[int64]*models.Proposal
	untested    map[int64]map[string]*models.Experiment
	testing     map[int64]*models.Experiment
	tested      map[int64][]*models.Experiment
	settings    *models.ExperimentSettings
}

// Store is the file-backed shop repository. Construct one per process and
// share it; every method is safe for concurrent use.
type Store struct {
	baseDir string
	layout  imagestore.Layout
	logger  *zap.Logger

	mu    sync.Mutex
	shops map[int64]*shopCache
}

func NewStore(baseDir string, logger *zap.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		layout:  imagestore.Layout{Root: baseDir},
		logger:  logger,
		shops:   make(map[int64]*shopCache),
	}
}

// Layout returns the image directory layout of the store.
func (s *Store) Layout() imagestore.Layout {
	return s.layout
}

// Invalidate drops the cached documents of a shop so the next read goes to disk.
func (s *Store) Invalidate(shopID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shops, shopID)
}

func (s *Store) shop(shopID int64) *shopCache {
	c, ok := s.shops[shopID]
	if !ok {
		c = &shopCache{}
		s.shops[shopID] = c
	}
	return c
}

func (s *Store) shopDir(shopID int64) string {
	return filepath.Join(s.baseDir, strconv.FormatInt(shopID, 10))
}

func (s *Store) listingsPath(shopID int64) string {
	return filepath.Join(s.shopDir(shopID), "current_listings.json")
}

func (s *Store) performancePath(shopID int64) string {
	return filepath.Join(s.shopDir(shopID), "performance.json")
}

func (s *Store) imagesPath(shopID int64) string {
	return filepath.Join(s.layout.ImagesRoot(shopID), "images.json")
}

func (s *Store) experimentsPath(shopID int64, name string) string {
	return filepath.Join(s.shopDir(shopID), "experiments", name+".json")
}

func loadMap[K comparable, V any](path string, cached *map[K]V) (map[K]V, error) {
	if *cached != nil {
		return *cached, nil
	}
	m := make(map[K]V)
	if _, err := readJSON(path, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[K]V)
	}
	*cached = m
	return m, nil
}

// ---------------------------------------------------------------------------
// Listings

func (s *Store) loadListings(shopID int64) (*listingsDocument, error) {
	c := s.shop(shopID)
	if c.listings != nil {
		return c.listings, nil
	}
	doc := &listingsDocument{}
	if _, err := readJSON(s.listingsPath(shopID), doc); err != nil {
		return nil, err
	}
	c.listings = doc
	return doc, nil
}

// SaveListings replaces the cached listings of a shop.
func (s *Store) SaveListings(shopID int64, listings []*models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &listingsDocument{Count: len(listings), Results: make([]*models.Listing, 0, len(listings))}
	for _, l := range listings {
		doc.Results = append(doc.Results, l.Clone())
	}
	if err := writeJSON(s.listingsPath(shopID), doc); err != nil {
		return err
	}
	s.shop(shopID).listings = doc
	return nil
}

func (s *Store) ListListings(shopID int64) ([]*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadListings(shopID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Listing, 0, len(doc.Results))
	for _, l := range doc.Results {
		out = append(out, l.Clone())
	}
	return out, nil
}

func (s *Store) GetListingSnapshot(shopID, listingID int64) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadListings(shopID)
	if err != nil {
		return nil, err
	}
	for _, l := range doc.Results {
		if l.ListingID == listingID {
			return l.Clone(), nil
		}
	}
	return nil, nil
}

// UpsertListingSnapshot replaces the cached listing with the same id, or appends it.
func (s *Store) UpsertListingSnapshot(shopID int64, listing *models.Listing) error {
	if listing == nil {
		return fmt.Errorf("listing snapshot is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadListings(shopID)
	if err != nil {
		return err
	}
	replaced := false
	for i, l := range doc.Results {
		if l.ListingID == listing.ListingID {
			doc.Results[i] = listing.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Results = append(doc.Results, listing.Clone())
	}
	doc.Count = len(doc.Results)
	return writeJSON(s.listingsPath(shopID), doc)
}

// ---------------------------------------------------------------------------
// Image manifests

func (s *Store) loadImages(shopID int64) (map[int64]*models.ImageManifest, error) {
	return loadMap(s.imagesPath(shopID), &s.shop(shopID).images)
}

func (s *Store) GetImagesSnapshot(shopID, listingID int64) (*models.ImageManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	images, err := s.loadImages(shopID)
	if err != nil {
		return nil, err
	}
	return images[listingID].Clone(), nil
}

// SaveImagesManifest stores the manifest of one listing.
func (s *Store) SaveImagesManifest(shopID, listingID int64, manifest *models.ImageManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	images, err := s.loadImages(shopID)
	if err != nil {
		return err
	}
	images[listingID] = manifest.Clone()
	return writeJSON(s.imagesPath(shopID), images)
}

func (s *Store) ArchiveImageEntry(shopID, listingID, imageID int64) (*models.ImageFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	images, err := s.loadImages(shopID)
	if err != nil {
		return nil, err
	}
	manifest, ok := images[listingID]
	if !ok {
		return nil, nil
	}
	entry, err := imagestore.Archive(manifest, s.layout.ArchiveDir(shopID, listingID), imageID)
	if err != nil || entry == nil {
		return entry, err
	}
	if err := writeJSON(s.imagesPath(shopID), images); err != nil {
		return nil, err
	}
	s.logger.Debug("ShopData: image archived",
		zap.Int64("listing_id", listingID),
		zap.Int64("image_id", imageID),
		zap.String("path", entry.Path))
	return entry, nil
}

func (s *Store) RestoreImageEntry(shopID, listingID, imageID int64) (*models.ImageFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	images, err := s.loadImages(shopID)
	if err != nil {
		return nil, err
	}
	manifest, ok := images[listingID]
	if !ok {
		return nil, nil
	}
	entry, err := imagestore.Restore(manifest, s.layout.ListingDir(shopID, listingID), imageID)
	if err != nil || entry == nil {
		return entry, err
	}
	if err := writeJSON(s.imagesPath(shopID), images); err != nil {
		return nil, err
	}
	s.logger.Debug("ShopData: image restored",
		zap.Int64("listing_id", listingID),
		zap.Int64("image_id", imageID),
		zap.String("path", entry.Path))
	return entry, nil
}

// ---------------------------------------------------------------------------
// Performance history

func (s *Store) LoadHistory(ctx context.Context, shopID int64) (models.PerformanceHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := loadMap(s.performancePath(shopID), &s.shop(shopID).performance)
	if err != nil {
		return nil, err
	}
	history := make(models.PerformanceHistory, len(raw))
	for date, snap := range raw {
		copied := make(map[string]int, len(snap))
		for id, v := range snap {
			copied[id] = v
		}
		history[date] = copied
	}
	return history, nil
}

// RecordPerformance stores the views of every listing for date.
func (s *Store) RecordPerformance(ctx context.Context, shopID int64, date string, views map[int64]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := loadMap(s.performancePath(shopID), &s.shop(shopID).performance)
	if err != nil {
		return err
	}
	models.PerformanceHistory(raw).Record(date, views)
	return writeJSON(s.performancePath(shopID), raw)
}

// ---------------------------------------------------------------------------
// Experiment settings

func (s *Store) ExperimentSettings(shopID int64) (models.ExperimentSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.shop(shopID)
	if c.settings == nil {
		settings := models.DefaultExperimentSettings()
		if _, err := readJSON(s.experimentsPath(shopID, "experiment_settings"), &settings); err != nil {
			return models.ExperimentSettings{}, err
		}
		c.settings = &settings
	}
	return *c.settings, nil
}

func (s *Store) SaveExperimentSettings(shopID int64, settings models.ExperimentSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSON(s.experimentsPath(shopID, "experiment_settings"), settings); err != nil {
		return err
	}
	s.shop(shopID).settings = &settings
	return nil
}

// ---------------------------------------------------------------------------
// Proposals

func (s *Store) loadProposals(shopID int64) (map[int64]*models.Proposal, error) {
	return loadMap(s.experimentsPath(shopID, "proposals"), &s.shop(shopID).proposals)
}

func (s *Store) GetProposal(shopID, listingID int64) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposals, err := s.loadProposals(shopID)
	if err != nil {
		return nil, err
	}
	return cloneProposal(proposals[listingID]), nil
}

func (s *Store) ListProposals(shopID int64) ([]*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposals, err := s.loadProposals(shopID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Proposal, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, cloneProposal(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

func (s *Store) SaveProposal(shopID int64, proposal *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposals, err := s.loadProposals(shopID)
	if err != nil {
		return err
	}
	proposals[proposal.ListingID] = cloneProposal(proposal)
	return writeJSON(s.experimentsPath(shopID, "proposals"), proposals)
}

func (s *Store) DeleteProposal(shopID, listingID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposals, err := s.loadProposals(shopID)
	if err != nil {
		return err
	}
	if _, ok := proposals[listingID]; !ok {
		return nil
	}
	delete(proposals, listingID)
	return writeJSON(s.experimentsPath(shopID, "proposals"), proposals)
}

func cloneProposal(p *models.Proposal) *models.Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = make([]*models.Experiment, 0, len(p.Options))
	for _, opt := range p.Options {
		c.Options = append(c.Options, opt.Clone())
	}
	return &c
}

// ---------------------------------------------------------------------------
// Untested backlog

func (s *Store) loadUntested(shopID int64) (map[int64]map[string]*models.Experiment, error) {
	return loadMap(s.experimentsPath(shopID, "untested_experiments"), &s.shop(shopID).untested)
}

func (s *Store) GetUntested(shopID, listingID int64, experimentID string) (*models.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	untested, err := s.loadUntested(shopID)
	if err != nil {
		return nil, err
	}
	return untested[listingID][experimentID].Clone(), nil
}

func (s *Store) ListUntested(shopID int64) (map[int64]map[string]*models.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	untested, err := s.loadUntested(shopID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]map[string]*models.Experiment, len(untested))
	for listingID, exps := range untested {
		copied := make(map[string]*models.Experiment, len(exps))
		for id, exp := range exps {
			copied[id] = exp.Clone()
		}
		out[listingID] = copied
	}
	return out, nil
}

func (s *Store) AddUntested(shopID, listingID int64, exps ...*models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	untested, err := s.loadUntested(shopID)
	if err != nil {
		return err
	}
	bucket, ok := untested[listingID]
	if !ok {
		bucket = make(map[string]*models.Experiment)
		untested[listingID] = bucket
	}
	for _, exp := range exps {
		if exp.ExperimentID == "" {
			return fmt.Errorf("untested experiment for listing %d has no experiment_id", listingID)
		}
		bucket[exp.ExperimentID] = exp.Clone()
	}
	return writeJSON(s.experimentsPath(shopID, "untested_experiments"), untested)
}

func (s *Store) RemoveUntested(shopID, listingID int64, experimentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	untested, err := s.loadUntested(shopID)
	if err != nil {
		return err
	}
	bucket, ok := untested[listingID]
	if !ok {
		return nil
	}
	delete(bucket, experimentID)
	if len(bucket) == 0 {
		delete(untested, listingID)
	}
	return writeJSON(s.experimentsPath(shopID, "untested_experiments"), untested)
}

// ---------------------------------------------------------------------------
// Testing slot

func (s *Store) loadTesting(shopID int64) (map[int64]*models.Experiment, error) {
	return loadMap(s.experimentsPath(shopID, "testing_experiments"), &s.shop(shopID).testing)
}

func (s *Store) GetTesting(shopID, listingID int64) (*models.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	testing, err := s.loadTesting(shopID)
	if err != nil {
		return nil, err
	}
	return testing[listingID].Clone(), nil
}

func (s *Store) ListTesting(shopID int64) (map[int64]*models.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	testing, err := s.loadTesting(shopID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*models.Experiment, len(testing))
	for id, exp := range testing {
		out[id] = exp.Clone()
	}
	return out, nil
}

func (s *Store) SaveTesting(shopID, listingID int64, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	testing, err := s.loadTesting(shopID)
	if err != nil {
		return err
	}
	testing[listingID] = exp.Clone()
	return writeJSON(s.experimentsPath(shopID, "testing_experiments"), testing)
}

func (s *Store) ClearTesting(shopID, listingID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	testing, err := s.loadTesting(shopID)
	if err != nil {
		return err
	}
	if _, ok := testing[listingID]; !ok {
		return nil
	}
	delete(testing, listingID)
	return writeJSON(s.experimentsPath(shopID, "testing_experiments"), testing)
}

// ---------------------------------------------------------------------------
// Tested archive

func (s *Store) loadTested(shopID int64) (map[int64][]*models.Experiment, error) {
	return loadMap(s.experimentsPath(shopID, "tested_experiments"), &s.shop(shopID).tested)
}

func (s *Store) ListTested(shopID int64) (map[int64][]*models.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tested, err := s.loadTested(shopID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]*models.Experiment, len(tested))
	for listingID, exps := range tested {
		copied := make([]*models.Experiment, 0, len(exps))
		for _, exp := range exps {
			copied = append(copied, exp.Clone())
		}
		out[listingID] = copied
	}
	return out, nil
}

func (s *Store) AppendTested(shopID, listingID int64, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tested, err := s.loadTested(shopID)
	if err != nil {
		return err
	}
	tested[listingID] = append(tested[listingID], exp.Clone())
	return writeJSON(s.experimentsPath(shopID, "tested_experiments"), tested)
}

// SaveTested replaces the archived record with the same experiment id.
func (s *Store) SaveTested(shopID, listingID int64, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tested, err := s.loadTested(shopID)
	if err != nil {
		return err
	}
	for i, existing := range tested[listingID] {
		if existing.ExperimentID == exp.ExperimentID {
			tested[listingID][i] = exp.Clone()
			return writeJSON(s.experimentsPath(shopID, "tested_experiments"), tested)
		}
	}
	return fmt.Errorf("tested experiment %s for listing %d: %w", exp.ExperimentID, listingID, ErrNotFound)
}
