package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"planarian/api/internal/cave"
	"planarian/api/internal/changelog"
	"planarian/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, display_name, email FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.AccountID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetCredentials looks a user up by email, case-insensitively, and returns
// the stored password hash alongside.
func (s *PostgresStore) GetCredentials(ctx context.Context, email string) (User, string, error) {
	var user User
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, display_name, email, password_hash FROM users WHERE lower(email)=lower($1)
	`, email).Scan(&user.ID, &user.AccountID, &user.DisplayName, &user.Email, &hash)
	if err != nil {
		return User{}, "", err
	}
	return user, hash, nil
}

func (s *PostgresStore) GetPasswordHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id=$1`, userID).Scan(&hash)
	return hash, err
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, accountID, userID string) ([]rbac.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, county_id, cave_id
		FROM user_permissions
		WHERE account_id=$1 AND user_id=$2
	`, accountID, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []rbac.Grant
	for rows.Next() {
		var role string
		var grant rbac.Grant
		if err := rows.Scan(&role, &grant.CountyID, &grant.CaveID); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grant.Role = rbac.Normalize(role)
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

const selectChangeRequest = `
	SELECT cr.id, cr.account_id, cr.cave_id, cr.type, cr.submitted_graph, cr.status,
		cr.submitted_by_user_id, submitter.display_name, cr.submitted_on,
		cr.reviewed_by_user_id, COALESCE(reviewer.display_name, ''), cr.reviewed_on,
		cr.notes, cr.updated_on
	FROM change_requests cr
	JOIN users submitter ON submitter.id = cr.submitted_by_user_id
	LEFT JOIN users reviewer ON reviewer.id = cr.reviewed_by_user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeRequest(row rowScanner) (ChangeRequest, error) {
	var req ChangeRequest
	var requestType, status string
	var graph []byte
	if err := row.Scan(
		&req.ID, &req.AccountID, &req.CaveID, &requestType, &graph, &status,
		&req.SubmittedByUserID, &req.SubmittedByName, &req.SubmittedOn,
		&req.ReviewedByUserID, &req.ReviewedByName, &req.ReviewedOn,
		&req.Notes, &req.UpdatedOn,
	); err != nil {
		return ChangeRequest{}, err
	}
	req.Type = ChangeRequestType(requestType)
	req.Status = ChangeRequestStatus(status)
	if err := json.Unmarshal(graph, &req.Graph); err != nil {
		return ChangeRequest{}, fmt.Errorf("decode submitted graph for %s: %w", req.ID, err)
	}
	return req, nil
}

func (s *PostgresStore) CreateChangeRequest(ctx context.Context, req ChangeRequest) error {
	graph, err := json.Marshal(req.Graph)
	if err != nil {
		return fmt.Errorf("encode submitted graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO change_requests (id, account_id, cave_id, type, submitted_graph, status,
			submitted_by_user_id, submitted_on, notes, updated_on)
		VALUES ($1, $2, $3, $4, $5::jsonb, 'Pending', $6, $7, $8, $7)
	`, req.ID, req.AccountID, req.CaveID, string(req.Type), string(graph), req.SubmittedByUserID, req.SubmittedOn, req.Notes)
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

// FindOpenChangeRequest returns the caller's pending request of the given type
// for an existing cave, or nil when there is none.
func (s *PostgresStore) FindOpenChangeRequest(ctx context.Context, userID, caveID string, requestType ChangeRequestType) (*ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx, selectChangeRequest+`
		WHERE cr.submitted_by_user_id=$1 AND cr.cave_id=$2 AND cr.type=$3 AND cr.status='Pending'
	`, userID, caveID, string(requestType))
	req, err := scanChangeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open change request: %w", err)
	}
	return &req, nil
}

func (s *PostgresStore) UpdatePendingChangeRequest(ctx context.Context, requestID string, graph cave.Graph, notes *string, submittedOn time.Time) error {
	encoded, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("encode submitted graph: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET submitted_graph=$2::jsonb, notes=$3, submitted_on=$4, updated_on=$4
		WHERE id=$1 AND status='Pending'
	`, requestID, string(encoded), notes, submittedOn)
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) GetChangeRequest(ctx context.Context, requestID string) (ChangeRequest, error) {
	return scanChangeRequest(s.db.QueryRowContext(ctx, selectChangeRequest+` WHERE cr.id=$1`, requestID))
}

// ListChangeRequests lists an account's requests, newest submission first.
// An empty status lists every status.
func (s *PostgresStore) ListChangeRequests(ctx context.Context, accountID string, status ChangeRequestStatus) ([]ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectChangeRequest+`
		WHERE cr.account_id=$1 AND ($2 = '' OR cr.status=$2)
		ORDER BY cr.submitted_on DESC, cr.id
	`, accountID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()

	var out []ChangeRequest
	for rows.Next() {
		req, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCaveGraph(ctx context.Context, caveID string) (*cave.Graph, error) {
	return loadCaveGraph(ctx, s.db, caveID, false)
}

// ListHistory returns the approved requests for a cave, newest review first,
// each with its audit rows in append order.
func (s *PostgresStore) ListHistory(ctx context.Context, caveID string) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectChangeRequest+`
		WHERE cr.cave_id=$1 AND cr.status='Approved'
		ORDER BY cr.reviewed_on DESC, cr.id
	`, caveID)
	if err != nil {
		return nil, fmt.Errorf("list reviewed requests: %w", err)
	}
	var records []HistoryRecord
	index := map[string]int{}
	for rows.Next() {
		req, err := scanChangeRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		index[req.ID] = len(records)
		records = append(records, HistoryRecord{Request: req})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewed requests: %w", err)
	}
	if len(records) == 0 {
		return records, nil
	}

	entryRows, err := s.db.QueryContext(ctx, `
		SELECT account_id, cave_id, COALESCE(entrance_id, ''), change_request_id, changed_by_user_id,
			approved_by_user_id, property_name, COALESCE(property_id, ''), change_type, change_value_type,
			value_string, value_int, value_double, value_bool, value_date_time,
			original_value_string, original_value_int, original_value_double, original_value_bool,
			original_value_date_time, created_on
		FROM cave_change_history
		WHERE cave_id=$1
		ORDER BY id
	`, caveID)
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	defer entryRows.Close()

	for entryRows.Next() {
		var entry changelog.Entry
		var property, changeType, valueType string
		var value, original changelog.Slots
		if err := entryRows.Scan(
			&entry.AccountID, &entry.CaveID, &entry.EntranceID, &entry.ChangeRequestID, &entry.ChangedByUserID,
			&entry.ApprovedByUserID, &property, &entry.PropertyID, &changeType, &valueType,
			&value.String, &value.Int, &value.Double, &value.Bool, &value.DateTime,
			&original.String, &original.Int, &original.Double, &original.Bool, &original.DateTime,
			&entry.CreatedOn,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.Property = changelog.Property(property)
		entry.ChangeType = changelog.ChangeType(changeType)
		entry.Value, entry.Original = changelog.Restore(changelog.ValueType(valueType), entry.ChangeType, value, original)

		i, ok := index[entry.ChangeRequestID]
		if !ok {
			continue
		}
		records[i].Entries = append(records[i].Entries, entry)
	}
	if err := entryRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}
	return records, nil
}

// LookupNames resolves display names for one lookup kind. Unknown IDs are
// left out of the result.
func (s *PostgresStore) LookupNames(ctx context.Context, kind cave.LookupKind, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var query string
	switch kind {
	case cave.LookupCounty:
		query = `SELECT id, name FROM counties WHERE id = ANY($1)`
	case cave.LookupState:
		query = `SELECT id, name FROM states WHERE id = ANY($1)`
	case cave.LookupTag:
		query = `SELECT id, name FROM tag_types WHERE id = ANY($1)`
	default:
		return nil, fmt.Errorf("unknown lookup kind %q", kind)
	}

	rows, err := s.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup %s names: %w", kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan %s name: %w", kind, err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

const selectCaveSummary = `
	SELECT c.id, c.account_id, c.name, c.alternate_names, c.county_id, co.name, c.state_id, st.name,
		COALESCE(c.narrative, ''), c.updated_at
	FROM caves c
	JOIN counties co ON co.id = c.county_id
	JOIN states st ON st.id = c.state_id`

func scanCaveSummary(row rowScanner) (CaveSummary, error) {
	var summary CaveSummary
	var alternateNames []byte
	if err := row.Scan(&summary.ID, &summary.AccountID, &summary.Name, &alternateNames, &summary.CountyID,
		&summary.CountyName, &summary.StateID, &summary.StateName, &summary.Narrative, &summary.UpdatedAt); err != nil {
		return CaveSummary{}, err
	}
	if len(alternateNames) > 0 {
		if err := json.Unmarshal(alternateNames, &summary.AlternateNames); err != nil {
			return CaveSummary{}, fmt.Errorf("decode alternate names: %w", err)
		}
	}
	return summary, nil
}

func (s *PostgresStore) GetCaveSummary(ctx context.Context, caveID string) (CaveSummary, error) {
	return scanCaveSummary(s.db.QueryRowContext(ctx, selectCaveSummary+` WHERE c.id=$1 AND c.archived_at IS NULL`, caveID))
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
