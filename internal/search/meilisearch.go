package search

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/meilisearch/meilisearch-go"

	"listing-experiments/internal/models"
)

// ExperimentDocument is the indexed form of an experiment record.
type ExperimentDocument struct {
	ID              string   `json:"id"`
	ShopID          int64    `json:"shop_id"`
	ListingID       int64    `json:"listing_id"`
	ExperimentID    string   `json:"experiment_id"`
	State           string   `json:"state"`
	ChangeKinds     []string `json:"change_kinds"`
	Title           string   `json:"title,omitempty"`
	ProposedTitle   string   `json:"proposed_title,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	StartDate       string   `json:"start_date,omitempty"`
	PlannedEndDate  string   `json:"planned_end_date,omitempty"`
	EndDate         string   `json:"end_date,omitempty"`
	Evaluated       bool     `json:"evaluated"`
	NormalizedDelta float64  `json:"normalized_delta"`
	Confidence      float64  `json:"confidence"`
}

// NewExperimentDocument flattens an experiment for indexing.
func NewExperimentDocument(shopID int64, exp *models.Experiment) ExperimentDocument {
	doc := ExperimentDocument{
		ID:             DocumentID(exp.ListingID, exp.ExperimentID),
		ShopID:         shopID,
		ListingID:      exp.ListingID,
		ExperimentID:   exp.ExperimentID,
		State:          string(exp.State),
		ChangeKinds:    []string{},
		Notes:          exp.Notes,
		StartDate:      exp.StartDate,
		PlannedEndDate: exp.PlannedEndDate,
		EndDate:        exp.EndDate,
	}
	for _, kind := range exp.Changes.Kinds() {
		doc.ChangeKinds = append(doc.ChangeKinds, string(kind))
	}
	for _, c := range exp.Changes {
		switch c := c.(type) {
		case models.TitleChange:
			doc.ProposedTitle = c.NewTitle
		case models.TagChange:
			doc.Tags = append(doc.Tags, c.TagsToAdd...)
		}
	}
	if exp.OriginalListing != nil {
		doc.Title = exp.OriginalListing.Title
	}
	if latest := exp.Performance.Latest; latest != nil {
		doc.Evaluated = true
		doc.NormalizedDelta = latest.NormalizedDelta
		doc.Confidence = latest.Confidence
	}
	return doc
}

// DocumentID builds the primary key. Meilisearch ids only allow
// alphanumerics, '-' and '_'; ids that needed rewriting get a hash of the
// raw experiment id appended so they cannot collide with a clean id.
func DocumentID(listingID int64, experimentID string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(listingID, 10))
	b.WriteByte('_')
	rewritten := false
	for _, r := range experimentID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			rewritten = true
		}
	}
	if rewritten {
		h := fnv.New32a()
		h.Write([]byte(experimentID))
		fmt.Fprintf(&b, "_%08x", h.Sum32())
	}
	return b.String()
}

type SearchClient struct {
	client *meilisearch.Client
	index  string
	shopID int64
}

func NewSearchClient(host, apiKey, index string, shopID int64) *SearchClient {
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:   host,
		APIKey: apiKey,
	})
	if index == "" {
		index = "experiments"
	}

	return &SearchClient{
		client: client,
		index:  index,
		shopID: shopID,
	}
}

// InitIndex initializes the Meilisearch index
func (s *SearchClient) InitIndex() error {
	_, err := s.client.CreateIndex(&meilisearch.IndexConfig{
		Uid:        s.index,
		PrimaryKey: "id",
	})
	// Creation is an async task; an existing index only fails that task.
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", s.index, err)
	}

	index := s.client.Index(s.index)
	if _, err := index.UpdateSearchableAttributes(&[]string{
		"title",
		"proposed_title",
		"tags",
		"notes",
		"experiment_id",
	}); err != nil {
		return err
	}

	if _, err := index.UpdateFilterableAttributes(&[]string{
		"shop_id",
		"listing_id",
		"state",
		"change_kinds",
		"evaluated",
		"normalized_delta",
		"confidence",
	}); err != nil {
		return err
	}

	if _, err := index.UpdateSortableAttributes(&[]string{
		"start_date",
		"planned_end_date",
		"normalized_delta",
		"confidence",
	}); err != nil {
		return err
	}

	return nil
}

// IndexExperiment indexes a single experiment
func (s *SearchClient) IndexExperiment(exp *models.Experiment) error {
	return s.IndexExperiments([]*models.Experiment{exp})
}

// IndexExperiments indexes multiple experiments
func (s *SearchClient) IndexExperiments(exps []*models.Experiment) error {
	if len(exps) == 0 {
		return nil
	}
	docs := make([]ExperimentDocument, 0, len(exps))
	for _, exp := range exps {
		if exp == nil {
			continue
		}
		docs = append(docs, NewExperimentDocument(s.shopID, exp))
	}
	_, err := s.client.Index(s.index).AddDocuments(docs, "id")
	return err
}

// DeleteExperiment removes an experiment from the index
func (s *SearchClient) DeleteExperiment(listingID int64, experimentID string) error {
	_, err := s.client.Index(s.index).DeleteDocument(DocumentID(listingID, experimentID))
	return err
}

// SearchRequest represents search parameters
type SearchRequest struct {
	Query  string
	Limit  int64
	Offset int64
	Filter []string
	Sort   []string
	Facets []string
}

// SearchResult represents search results with facets
type SearchResult struct {
	Hits           []ExperimentDocument `json:"hits"`
	TotalHits      int64                `json:"total_hits"`
	Facets         map[string]any       `json:"facets,omitempty"`
	ProcessingTime int64                `json:"processing_time_ms"`
}

// Search runs a query scoped to this shop
func (s *SearchClient) Search(req SearchRequest) (*SearchResult, error) {
	if req.Limit == 0 {
		req.Limit = 20
	}

	searchReq := &meilisearch.SearchRequest{
		Limit:  req.Limit,
		Offset: req.Offset,
		Filter: strings.Join(append([]string{fmt.Sprintf("shop_id = %d", s.shopID)}, req.Filter...), " AND "),
	}
	if len(req.Sort) > 0 {
		searchReq.Sort = req.Sort
	}
	if len(req.Facets) > 0 {
		searchReq.Facets = req.Facets
	}

	searchRes, err := s.client.Index(s.index).Search(req.Query, searchReq)
	if err != nil {
		return nil, err
	}

	hits := make([]ExperimentDocument, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		doc, err := decodeHit(hit)
		if err != nil {
			continue
		}
		hits = append(hits, doc)
	}

	var facets map[string]any
	if searchRes.FacetDistribution != nil {
		facets, _ = searchRes.FacetDistribution.(map[string]any)
	}

	return &SearchResult{
		Hits:           hits,
		TotalHits:      searchRes.EstimatedTotalHits,
		Facets:         facets,
		ProcessingTime: searchRes.ProcessingTimeMs,
	}, nil
}

// decodeHit converts a hit to a document through its JSON form
func decodeHit(hit any) (ExperimentDocument, error) {
	var doc ExperimentDocument
	raw, err := json.Marshal(hit)
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(raw, &doc)
	return doc, err
}
