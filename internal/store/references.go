package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"planarian/api/internal/cave"
)

// CheckReferences reports every county, state, and tag reference in g that
// the account cannot use. Tags may be account-owned or shared; free-text
// people names are not checked since persisting them creates the tag.
func (s *PostgresStore) CheckReferences(ctx context.Context, accountID string, g *cave.Graph) ([]string, error) {
	var problems []string

	var countyState string
	err := s.db.QueryRowContext(ctx, `SELECT state_id FROM counties WHERE id=$1 AND account_id=$2`, g.CountyID, accountID).Scan(&countyState)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		problems = append(problems, fmt.Sprintf("countyId %q is not a county in this account", g.CountyID))
	case err != nil:
		return nil, fmt.Errorf("check county: %w", err)
	}

	var stateExists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM states WHERE id=$1)`, g.StateID).Scan(&stateExists); err != nil {
		return nil, fmt.Errorf("check state: %w", err)
	}
	switch {
	case !stateExists:
		problems = append(problems, fmt.Sprintf("stateId %q is not a known state", g.StateID))
	case countyState != "" && countyState != g.StateID:
		problems = append(problems, fmt.Sprintf("stateId %q does not match the county's state", g.StateID))
	}

	for _, ref := range tagReferences(g) {
		known, err := s.knownTags(ctx, accountID, ref.kind, ref.ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ref.ids {
			if _, ok := known[id]; !ok {
				problems = append(problems, fmt.Sprintf("%s tag %q is not available in this account", ref.kind, id))
			}
		}
	}
	return problems, nil
}

type tagReference struct {
	kind cave.TagKind
	ids  []string
}

// tagReferences groups the graph's tag IDs by kind in first-seen order.
func tagReferences(g *cave.Graph) []tagReference {
	var refs []tagReference
	index := map[cave.TagKind]int{}
	seen := map[string]struct{}{}
	add := func(kind cave.TagKind, id string) {
		if kind.AcceptsLiterals() || strings.TrimSpace(id) == "" {
			return
		}
		key := string(kind) + "\x00" + id
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		i, ok := index[kind]
		if !ok {
			i = len(refs)
			index[kind] = i
			refs = append(refs, tagReference{kind: kind})
		}
		refs[i].ids = append(refs[i].ids, id)
	}

	for _, collection := range g.TagCollections() {
		for _, id := range *collection.IDs {
			add(collection.Kind, id)
		}
	}
	for i := range g.Entrances {
		entrance := &g.Entrances[i]
		if entrance.LocationQualityTagID != nil {
			add(cave.TagLocationQuality, *entrance.LocationQualityTagID)
		}
		for _, collection := range entrance.TagCollections() {
			for _, id := range *collection.IDs {
				add(collection.Kind, id)
			}
		}
	}
	return refs
}

func (s *PostgresStore) knownTags(ctx context.Context, accountID string, kind cave.TagKind, ids []string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tag_types
		WHERE kind=$1 AND id = ANY($2) AND (account_id=$3 OR account_id IS NULL)
	`, string(kind), ids, accountID)
	if err != nil {
		return nil, fmt.Errorf("check %s tags: %w", kind, err)
	}
	defer rows.Close()
	known := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tag id: %w", err)
		}
		known[id] = struct{}{}
	}
	return known, rows.Err()
}
