package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"planarian/api/internal/cave"
	"planarian/api/internal/util"
)

const selectCaveGraph = `
	SELECT id, account_id, county_id, state_id, name, alternate_names, length_feet, depth_feet,
		max_pit_depth_feet, number_of_pits, narrative, reported_on
	FROM caves
	WHERE id = $1 AND archived_at IS NULL`

// loadCaveGraph reads the authoritative graph. With lock set, the cave row is
// held FOR UPDATE until the surrounding transaction ends.
func loadCaveGraph(ctx context.Context, q querier, caveID string, lock bool) (*cave.Graph, error) {
	query := selectCaveGraph
	if lock {
		query += " FOR UPDATE"
	}

	var g cave.Graph
	var alternateNames []byte
	err := q.QueryRowContext(ctx, query, caveID).Scan(
		&g.ID, &g.AccountID, &g.CountyID, &g.StateID, &g.Name, &alternateNames,
		&g.LengthFeet, &g.DepthFeet, &g.MaxPitDepthFeet, &g.NumberOfPits, &g.Narrative, &g.ReportedOn,
	)
	if err != nil {
		return nil, err
	}
	if len(alternateNames) > 0 {
		if err := json.Unmarshal(alternateNames, &g.AlternateNames); err != nil {
			return nil, fmt.Errorf("decode alternate names: %w", err)
		}
	}

	if err := loadEntrances(ctx, q, &g); err != nil {
		return nil, err
	}
	if err := loadCaveTags(ctx, q, &g); err != nil {
		return nil, err
	}
	if err := loadEntranceTags(ctx, q, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func loadEntrances(ctx context.Context, q querier, g *cave.Graph) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, description, is_primary, pit_depth_feet, reported_on,
			location_quality_tag_id, latitude, longitude, elevation_feet
		FROM entrances
		WHERE cave_id = $1
		ORDER BY sort_order, id
	`, g.ID)
	if err != nil {
		return fmt.Errorf("list entrances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e cave.Entrance
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.IsPrimary, &e.PitDepthFeet, &e.ReportedOn,
			&e.LocationQualityTagID, &e.Latitude, &e.Longitude, &e.ElevationFeet); err != nil {
			return fmt.Errorf("scan entrance: %w", err)
		}
		g.Entrances = append(g.Entrances, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entrances: %w", err)
	}
	return nil
}

func loadCaveTags(ctx context.Context, q querier, g *cave.Graph) error {
	rows, err := q.QueryContext(ctx, `
		SELECT kind, tag_type_id
		FROM cave_tags
		WHERE cave_id = $1
		ORDER BY kind, sort_order
	`, g.ID)
	if err != nil {
		return fmt.Errorf("list cave tags: %w", err)
	}
	defer rows.Close()

	collections := collectionsByKind(g.TagCollections())
	for rows.Next() {
		var kind, tagID string
		if err := rows.Scan(&kind, &tagID); err != nil {
			return fmt.Errorf("scan cave tag: %w", err)
		}
		if ids, ok := collections[cave.TagKind(kind)]; ok {
			*ids = append(*ids, tagID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate cave tags: %w", err)
	}
	return nil
}

func loadEntranceTags(ctx context.Context, q querier, g *cave.Graph) error {
	if len(g.Entrances) == 0 {
		return nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT et.entrance_id, et.kind, et.tag_type_id
		FROM entrance_tags et
		JOIN entrances e ON e.id = et.entrance_id
		WHERE e.cave_id = $1
		ORDER BY et.entrance_id, et.kind, et.sort_order
	`, g.ID)
	if err != nil {
		return fmt.Errorf("list entrance tags: %w", err)
	}
	defer rows.Close()

	byEntrance := map[string]map[cave.TagKind]*[]string{}
	for i := range g.Entrances {
		byEntrance[g.Entrances[i].ID] = collectionsByKind(g.Entrances[i].TagCollections())
	}
	for rows.Next() {
		var entranceID, kind, tagID string
		if err := rows.Scan(&entranceID, &kind, &tagID); err != nil {
			return fmt.Errorf("scan entrance tag: %w", err)
		}
		if ids, ok := byEntrance[entranceID][cave.TagKind(kind)]; ok {
			*ids = append(*ids, tagID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entrance tags: %w", err)
	}
	return nil
}

func collectionsByKind(collections []cave.TagCollection) map[cave.TagKind]*[]string {
	out := make(map[cave.TagKind]*[]string, len(collections))
	for _, collection := range collections {
		out[collection.Kind] = collection.IDs
	}
	return out
}

// persistCaveGraph upserts the cave, its entrances, and every tag collection.
// Tag collections are cleared and rebuilt from the submitted lists. The
// caller's graph is not modified; generated IDs come back in the result.
func persistCaveGraph(ctx context.Context, q querier, submitted *cave.Graph) (PersistResult, error) {
	g := submitted.Clone()
	tags := &tagResolver{q: q, accountID: g.AccountID, cache: map[string]ResolvedTag{}}

	for _, collection := range g.TagCollections() {
		resolved, err := tags.resolve(ctx, collection.Kind, *collection.IDs)
		if err != nil {
			return PersistResult{}, err
		}
		*collection.IDs = resolved
	}
	for i := range g.Entrances {
		entrance := &g.Entrances[i]
		if entrance.LocationQualityTagID != nil && strings.TrimSpace(*entrance.LocationQualityTagID) != "" {
			resolved, err := tags.resolve(ctx, cave.TagLocationQuality, []string{*entrance.LocationQualityTagID})
			if err != nil {
				return PersistResult{}, err
			}
			entrance.LocationQualityTagID = &resolved[0]
		} else {
			entrance.LocationQualityTagID = nil
		}
		for _, collection := range entrance.TagCollections() {
			resolved, err := tags.resolve(ctx, collection.Kind, *collection.IDs)
			if err != nil {
				return PersistResult{}, err
			}
			*collection.IDs = resolved
		}
	}

	if err := upsertCave(ctx, q, g); err != nil {
		return PersistResult{}, err
	}
	entranceIDs, err := upsertEntrances(ctx, q, g)
	if err != nil {
		return PersistResult{}, err
	}
	if err := replaceCaveTags(ctx, q, g); err != nil {
		return PersistResult{}, err
	}
	if err := replaceEntranceTags(ctx, q, g); err != nil {
		return PersistResult{}, err
	}

	return PersistResult{CaveID: g.ID, EntranceIDs: entranceIDs, Tags: tags.resolvedLiterals()}, nil
}

func upsertCave(ctx context.Context, q querier, g *cave.Graph) error {
	alternateNames := g.AlternateNames
	if alternateNames == nil {
		alternateNames = []string{}
	}
	encodedNames, err := json.Marshal(alternateNames)
	if err != nil {
		return fmt.Errorf("encode alternate names: %w", err)
	}

	if g.ID == "" {
		g.ID = util.NewID("cave")
		_, err := q.ExecContext(ctx, `
			INSERT INTO caves (id, account_id, county_id, state_id, name, alternate_names, length_feet,
				depth_feet, max_pit_depth_feet, number_of_pits, narrative, reported_on)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12)
		`, g.ID, g.AccountID, g.CountyID, g.StateID, g.Name, string(encodedNames), g.LengthFeet,
			g.DepthFeet, g.MaxPitDepthFeet, g.NumberOfPits, g.Narrative, g.ReportedOn)
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert cave: %w", ErrUnknownReference)
		}
		if err != nil {
			return fmt.Errorf("insert cave: %w", err)
		}
		return nil
	}

	result, err := q.ExecContext(ctx, `
		UPDATE caves
		SET county_id=$2, state_id=$3, name=$4, alternate_names=$5::jsonb, length_feet=$6,
			depth_feet=$7, max_pit_depth_feet=$8, number_of_pits=$9, narrative=$10, reported_on=$11,
			updated_at=NOW()
		WHERE id=$1 AND archived_at IS NULL
	`, g.ID, g.CountyID, g.StateID, g.Name, string(encodedNames), g.LengthFeet,
		g.DepthFeet, g.MaxPitDepthFeet, g.NumberOfPits, g.Narrative, g.ReportedOn)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("update cave %s: %w", g.ID, ErrUnknownReference)
	}
	if err != nil {
		return fmt.Errorf("update cave: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update cave: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update cave %s: %w", g.ID, sql.ErrNoRows)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func upsertEntrances(ctx context.Context, q querier, g *cave.Graph) ([]string, error) {
	existing := map[string]struct{}{}
	rows, err := q.QueryContext(ctx, `SELECT id FROM entrances WHERE cave_id=$1`, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list entrance ids: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entrance id: %w", err)
		}
		existing[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entrance ids: %w", err)
	}

	ids := make([]string, len(g.Entrances))
	for i := range g.Entrances {
		e := &g.Entrances[i]
		if e.ID == "" {
			e.ID = util.NewID("ent")
			_, err := q.ExecContext(ctx, `
				INSERT INTO entrances (id, cave_id, sort_order, name, description, is_primary, pit_depth_feet,
					reported_on, location_quality_tag_id, latitude, longitude, elevation_feet)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			`, e.ID, g.ID, i, e.Name, e.Description, e.IsPrimary, e.PitDepthFeet,
				e.ReportedOn, e.LocationQualityTagID, e.Latitude, e.Longitude, e.ElevationFeet)
			if err != nil {
				return nil, fmt.Errorf("insert entrance: %w", err)
			}
		} else {
			if _, ok := existing[e.ID]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownEntrance, e.ID)
			}
			_, err := q.ExecContext(ctx, `
				UPDATE entrances
				SET sort_order=$3, name=$4, description=$5, is_primary=$6, pit_depth_feet=$7, reported_on=$8,
					location_quality_tag_id=$9, latitude=$10, longitude=$11, elevation_feet=$12, updated_at=NOW()
				WHERE id=$1 AND cave_id=$2
			`, e.ID, g.ID, i, e.Name, e.Description, e.IsPrimary, e.PitDepthFeet,
				e.ReportedOn, e.LocationQualityTagID, e.Latitude, e.Longitude, e.ElevationFeet)
			if err != nil {
				return nil, fmt.Errorf("update entrance: %w", err)
			}
		}
		ids[i] = e.ID
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM entrances WHERE cave_id=$1 AND NOT (id = ANY($2))`, g.ID, ids); err != nil {
		return nil, fmt.Errorf("delete removed entrances: %w", err)
	}
	return ids, nil
}

func replaceCaveTags(ctx context.Context, q querier, g *cave.Graph) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM cave_tags WHERE cave_id=$1`, g.ID); err != nil {
		return fmt.Errorf("clear cave tags: %w", err)
	}
	for _, collection := range g.TagCollections() {
		for order, tagID := range dedupe(*collection.IDs) {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO cave_tags (cave_id, kind, tag_type_id, sort_order)
				VALUES ($1, $2, $3, $4)
			`, g.ID, string(collection.Kind), tagID, order); err != nil {
				return fmt.Errorf("insert cave tag: %w", err)
			}
		}
	}
	return nil
}

func replaceEntranceTags(ctx context.Context, q querier, g *cave.Graph) error {
	for i := range g.Entrances {
		e := &g.Entrances[i]
		if _, err := q.ExecContext(ctx, `DELETE FROM entrance_tags WHERE entrance_id=$1`, e.ID); err != nil {
			return fmt.Errorf("clear entrance tags: %w", err)
		}
		for _, collection := range e.TagCollections() {
			for order, tagID := range dedupe(*collection.IDs) {
				if _, err := q.ExecContext(ctx, `
					INSERT INTO entrance_tags (entrance_id, kind, tag_type_id, sort_order)
					VALUES ($1, $2, $3, $4)
				`, e.ID, string(collection.Kind), tagID, order); err != nil {
					return fmt.Errorf("insert entrance tag: %w", err)
				}
			}
		}
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// tagResolver checks tag IDs against tag_types and turns free-text people
// names into tag rows, reusing a row when the name already exists.
type tagResolver struct {
	q         querier
	accountID string
	cache     map[string]ResolvedTag
	order     []string
}

func (r *tagResolver) resolve(ctx context.Context, kind cave.TagKind, values []string) ([]string, error) {
	var wanted []string
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			wanted = append(wanted, value)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	known := map[string]struct{}{}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id FROM tag_types
		WHERE kind=$1 AND id = ANY($2) AND (account_id=$3 OR account_id IS NULL)
	`, string(kind), wanted, r.accountID)
	if err != nil {
		return nil, fmt.Errorf("check %s tags: %w", kind, err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tag id: %w", err)
		}
		known[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag ids: %w", err)
	}

	out := make([]string, 0, len(wanted))
	for _, value := range wanted {
		if _, ok := known[value]; ok {
			out = append(out, value)
			continue
		}
		if !kind.AcceptsLiterals() {
			return nil, fmt.Errorf("%w: %s %q", ErrUnknownTag, kind, value)
		}
		tag, err := r.literal(ctx, kind, value)
		if err != nil {
			return nil, err
		}
		out = append(out, tag.ID)
	}
	return out, nil
}

func (r *tagResolver) literal(ctx context.Context, kind cave.TagKind, value string) (ResolvedTag, error) {
	key := string(kind) + "\x00" + value
	if tag, ok := r.cache[key]; ok {
		return tag, nil
	}

	name := strings.TrimSpace(value)
	tag := ResolvedTag{Kind: kind, Literal: value, Name: name}
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name FROM tag_types
		WHERE kind=$1 AND LOWER(name)=LOWER($2) AND (account_id=$3 OR account_id IS NULL)
		ORDER BY created_at
		LIMIT 1
	`, string(kind), name, r.accountID).Scan(&tag.ID, &tag.Name)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		tag.ID = util.NewID("tag")
		tag.Created = true
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO tag_types (id, account_id, kind, name) VALUES ($1, $2, $3, $4)
		`, tag.ID, r.accountID, string(kind), name); err != nil {
			return ResolvedTag{}, fmt.Errorf("insert %s tag: %w", kind, err)
		}
	default:
		return ResolvedTag{}, fmt.Errorf("find %s tag by name: %w", kind, err)
	}

	r.cache[key] = tag
	r.order = append(r.order, key)
	return tag, nil
}

func (r *tagResolver) resolvedLiterals() []ResolvedTag {
	out := make([]ResolvedTag, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.cache[key])
	}
	return out
}

// Apply writes the generated IDs back onto g so a diff against the persisted
// state references real cave, entrance, and tag IDs.
func (r PersistResult) Apply(g *cave.Graph) {
	if g == nil {
		return
	}
	g.ID = r.CaveID
	for i := range g.Entrances {
		if i < len(r.EntranceIDs) {
			g.Entrances[i].ID = r.EntranceIDs[i]
		}
	}
	if len(r.Tags) == 0 {
		return
	}
	literals := map[cave.TagKind]map[string]string{}
	for _, tag := range r.Tags {
		if literals[tag.Kind] == nil {
			literals[tag.Kind] = map[string]string{}
		}
		literals[tag.Kind][tag.Literal] = tag.ID
	}
	rewrite := func(collections []cave.TagCollection) {
		for _, collection := range collections {
			byLiteral, ok := literals[collection.Kind]
			if !ok {
				continue
			}
			for i, value := range *collection.IDs {
				if id, ok := byLiteral[value]; ok {
					(*collection.IDs)[i] = id
				}
			}
		}
	}
	rewrite(g.TagCollections())
	for i := range g.Entrances {
		rewrite(g.Entrances[i].TagCollections())
	}
}
