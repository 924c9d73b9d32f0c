package store

import (
	"context"
	"database/sql"
	"fmt"

	"planarian/api/internal/cave"
	"planarian/api/internal/changelog"
)

// Tx is the review transaction handed to WithTx callbacks.
type Tx struct {
	tx *sql.Tx
}

// LockChangeRequest reads a request and holds its row until the transaction
// ends, so a concurrent review waits and then sees the terminal status.
func (t *Tx) LockChangeRequest(ctx context.Context, requestID string) (ChangeRequest, error) {
	row := t.tx.QueryRowContext(ctx, selectChangeRequest+` WHERE cr.id=$1 FOR UPDATE OF cr`, requestID)
	return scanChangeRequest(row)
}

func (t *Tx) UpdateChangeRequestReview(ctx context.Context, review Review) error {
	var caveID any
	if review.CaveID != "" {
		caveID = review.CaveID
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE change_requests
		SET status=$2, reviewed_by_user_id=$3, reviewed_on=$4, notes=$5,
			cave_id=COALESCE($6, cave_id), updated_on=NOW()
		WHERE id=$1 AND status='Pending'
	`, review.RequestID, string(review.Status), review.ReviewedByUserID, review.ReviewedOn, review.Notes, caveID)
	if err != nil {
		return fmt.Errorf("update change request review: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update change request review: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

func (t *Tx) LoadCaveGraph(ctx context.Context, caveID string) (*cave.Graph, error) {
	return loadCaveGraph(ctx, t.tx, caveID, true)
}

func (t *Tx) PersistCaveGraph(ctx context.Context, graph *cave.Graph) (PersistResult, error) {
	return persistCaveGraph(ctx, t.tx, graph)
}

func (t *Tx) ArchiveCave(ctx context.Context, caveID string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE caves SET archived_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND archived_at IS NULL
	`, caveID)
	if err != nil {
		return fmt.Errorf("archive cave: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive cave: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("archive cave %s: %w", caveID, sql.ErrNoRows)
	}
	return nil
}

// AppendHistory inserts entries in slice order. Row IDs are sequential, so
// reads ordered by id return the same order.
func (t *Tx) AppendHistory(ctx context.Context, entries []changelog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO cave_change_history (
			account_id, cave_id, entrance_id, change_request_id, changed_by_user_id, approved_by_user_id,
			property_name, property_id, change_type, change_value_type,
			value_string, value_int, value_double, value_bool, value_date_time,
			original_value_string, original_value_int, original_value_double, original_value_bool, original_value_date_time,
			created_on
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for i, entry := range entries {
		value := changelog.Flatten(entry.Value)
		original := changelog.Flatten(entry.Original)
		_, err := stmt.ExecContext(ctx,
			entry.AccountID, entry.CaveID, nullString(entry.EntranceID), entry.ChangeRequestID,
			entry.ChangedByUserID, entry.ApprovedByUserID,
			string(entry.Property), nullString(entry.PropertyID), string(entry.ChangeType), string(entry.ValueType()),
			value.String, value.Int, value.Double, value.Bool, value.DateTime,
			original.String, original.Int, original.Double, original.Bool, original.DateTime,
			entry.CreatedOn,
		)
		if err != nil {
			return fmt.Errorf("append history entry %d (%s): %w", i, entry.Property, err)
		}
	}
	return nil
}

// RecordedNames returns, per referenced county, state, and location-quality
// tag, the name most recently written to the cave's audit log.
func (t *Tx) RecordedNames(ctx context.Context, caveID string) ([]RecordedName, error) {
	properties := changelog.NamedReferences()
	names := make([]string, len(properties))
	for i, p := range properties {
		names[i] = string(p)
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT ON (property_name, property_id) property_name, property_id, value_string
		FROM cave_change_history
		WHERE cave_id=$1 AND property_name = ANY($2)
			AND property_id IS NOT NULL AND value_string IS NOT NULL
		ORDER BY property_name, property_id, id DESC
	`, caveID, names)
	if err != nil {
		return nil, fmt.Errorf("load recorded names: %w", err)
	}
	defer rows.Close()

	var out []RecordedName
	for rows.Next() {
		var property, id, name string
		if err := rows.Scan(&property, &id, &name); err != nil {
			return nil, fmt.Errorf("scan recorded name: %w", err)
		}
		kind, ok := changelog.Property(property).LookupKind()
		if !ok {
			continue
		}
		out = append(out, RecordedName{Kind: kind, ID: id, Name: name})
	}
	return out, rows.Err()
}

func nullString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
