package search

import "context"

// Result is a single cave search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Snippet    string `json:"snippet"`
	CountyID   string `json:"countyId"`
	CountyName string `json:"countyName"`
	StateName  string `json:"stateName"`
}

// Query describes a search request. AccountID always scopes the search.
type Query struct {
	Text      string
	AccountID string
	CountyID  string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text cave search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CaveRecord is the data we index for a cave.
type CaveRecord struct {
	ID             string   `json:"id"`
	AccountID      string   `json:"accountId"`
	Name           string   `json:"name"`
	AlternateNames []string `json:"alternateNames"`
	CountyID       string   `json:"countyId"`
	CountyName     string   `json:"countyName"`
	StateName      string   `json:"stateName"`
	Narrative      string   `json:"narrative"`
}
