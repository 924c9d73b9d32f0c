package search

import (
	"context"
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func rawJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return encoded
}

func TestHitToResultPrefersHighlightedFields(t *testing.T) {
	hit := meili.Hit{
		"id":         rawJSON(t, "cave-1"),
		"name":       rawJSON(t, "Blue Spring Cave"),
		"narrative":  rawJSON(t, "A long wet crawl"),
		"countyId":   rawJSON(t, "cty-1"),
		"countyName": rawJSON(t, "Grundy"),
		"stateName":  rawJSON(t, "Tennessee"),
		"_formatted": rawJSON(t, map[string]any{
			"name":           "<mark>Blue</mark> Spring Cave",
			"alternateNames": []string{"Blue Hole"},
		}),
	}

	result := hitToResult(hit)

	if result.ID != "cave-1" || result.CountyName != "Grundy" || result.StateName != "Tennessee" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Name != "<mark>Blue</mark> Spring Cave" {
		t.Fatalf("expected highlighted name, got %q", result.Name)
	}
	if result.Snippet != "A long wet crawl" {
		t.Fatalf("expected raw narrative fallback, got %q", result.Snippet)
	}
}

func TestCaveFiltersAlwaysScopeAccount(t *testing.T) {
	filters := caveFilters(Query{AccountID: "acct-1"})
	if len(filters) != 1 || filters[0] != `accountId = "acct-1"` {
		t.Fatalf("filters = %v", filters)
	}

	filters = caveFilters(Query{AccountID: "acct-1", CountyID: "cty-1"})
	if len(filters) != 2 || filters[1] != `countyId = "cty-1"` {
		t.Fatalf("filters = %v", filters)
	}
}

func TestServiceWithoutBackendsReturnsEmptyResults(t *testing.T) {
	svc := NewService(nil, nil)

	resp := svc.Search(context.Background(), Query{Text: "blue", AccountID: "acct-1"})

	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 || resp.Query != "blue" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	svc.IndexCave(context.Background(), CaveRecord{ID: "cave-1"})
	svc.DeleteCave(context.Background(), "cave-1")
	svc.ReindexAllFromPG(context.Background())
}

func TestPgFTSSkipsBlankQueries(t *testing.T) {
	results, total, err := NewPgFTS(nil).Search(context.Background(), Query{Text: "   "})
	if err != nil || total != 0 || results != nil {
		t.Fatalf("Search() = %v, %d, %v", results, total, err)
	}
}
