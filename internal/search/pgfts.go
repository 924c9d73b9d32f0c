package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches live caves in the query's account with plainto_tsquery,
// ranked by ts_rank, with ts_headline snippets from the narrative.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	where := "c.fts @@ " + tsQuery + " AND c.account_id = $2 AND c.archived_at IS NULL"
	args := []any{q.Text, q.AccountID}
	if q.CountyID != "" {
		where += " AND c.county_id = $3"
		args = append(args, q.CountyID)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM caves c WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.name,
			ts_headline('english', coalesce(c.narrative, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			c.county_id, co.name, st.name
		FROM caves c
		JOIN counties co ON co.id = c.county_id
		JOIN states st ON st.id = c.state_id
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC, c.name
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.CountyID, &r.CountyName, &r.StateName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every live cave for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CaveRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.account_id, c.name, c.alternate_names, c.county_id, co.name, st.name,
			coalesce(c.narrative, '')
		FROM caves c
		JOIN counties co ON co.id = c.county_id
		JOIN states st ON st.id = c.state_id
		WHERE c.archived_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load caves: %w", err)
	}
	defer rows.Close()

	records := make([]CaveRecord, 0)
	for rows.Next() {
		var r CaveRecord
		var alternateNames []byte
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Name, &alternateNames, &r.CountyID, &r.CountyName, &r.StateName, &r.Narrative); err != nil {
			return nil, fmt.Errorf("scan cave: %w", err)
		}
		if len(alternateNames) > 0 {
			if err := json.Unmarshal(alternateNames, &r.AlternateNames); err != nil {
				return nil, fmt.Errorf("decode alternate names for %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caves: %w", err)
	}
	return records, nil
}
