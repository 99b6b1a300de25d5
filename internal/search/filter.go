package search

import (
	"fmt"
	"strings"
)

type FilterParams struct {
	Query         string
	States        []string
	ChangeKinds   []string
	ListingID     *int64
	Evaluated     *bool
	MinDelta      *float64
	MinConfidence *float64
	SortBy        string
	Limit         int64
	Offset        int64
}

// Filters builds the Meilisearch filter expressions for params
func (p FilterParams) Filters() []string {
	var filters []string

	if len(p.States) > 0 {
		filters = append(filters, anyOf("state", p.States))
	}
	if len(p.ChangeKinds) > 0 {
		filters = append(filters, anyOf("change_kinds", p.ChangeKinds))
	}
	if p.ListingID != nil {
		filters = append(filters, fmt.Sprintf("listing_id = %d", *p.ListingID))
	}
	if p.Evaluated != nil {
		filters = append(filters, fmt.Sprintf("evaluated = %t", *p.Evaluated))
	}
	if p.MinDelta != nil {
		filters = append(filters, fmt.Sprintf("normalized_delta >= %g", *p.MinDelta))
	}
	if p.MinConfidence != nil {
		filters = append(filters, fmt.Sprintf("confidence >= %g", *p.MinConfidence))
	}
	return filters
}

// FilterSearch performs a search with structured filters
func (s *SearchClient) FilterSearch(params FilterParams) (*SearchResult, error) {
	var sort []string
	if params.SortBy != "" {
		sort = []string{params.SortBy}
	}
	return s.Search(SearchRequest{
		Query:  params.Query,
		Limit:  params.Limit,
		Offset: params.Offset,
		Filter: params.Filters(),
		Sort:   sort,
		Facets: []string{"state", "change_kinds"},
	})
}

func anyOf(field string, values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%s = '%s'", field, strings.ReplaceAll(v, "'", "\\'"))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}
