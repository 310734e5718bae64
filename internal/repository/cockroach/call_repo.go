package cockroach

import (
	"context"
	"fmt"

	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
)

// CallRepository stores call history records in CockroachDB.
type CallRepository struct {
	db *database.CockroachDB
}

// NewCallRepository creates a CockroachDB-backed call history store.
func NewCallRepository(db *database.CockroachDB) *CallRepository {
	return &CallRepository{db: db}
}

// EnsureSchema creates the call_records table when missing.
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS call_records (
			session_id STRING PRIMARY KEY,
			caller_id  STRING NOT NULL,
			callee_id  STRING NOT NULL,
			kind       STRING NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at   TIMESTAMPTZ NOT NULL,
			outcome    STRING NOT NULL,
			INDEX idx_call_records_caller (caller_id, ended_at DESC),
			INDEX idx_call_records_callee (callee_id, ended_at DESC)
		)`
	if _, err := r.db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure call_records schema: %w", err)
	}
	return nil
}

// Save upserts a record. Both sides of a call emit one on teardown; the
// upsert makes the second write overwrite rather than conflict, and the
// caller's outcome wins only by arrival order, which is fine because both
// sides agree on outcome for every path except races that resolve within
// the same second.
func (r *CallRepository) Save(ctx context.Context, rec *domain.CallRecord) error {
	const q = `
		UPSERT INTO call_records (session_id, caller_id, callee_id, kind, started_at, ended_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Pool.Exec(ctx, q,
		rec.SessionID, rec.CallerID, rec.CalleeID, string(rec.Kind),
		rec.StartedAt, rec.EndedAt, string(rec.Outcome))
	if err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}
	return nil
}

// UserCalls returns a user's call history, newest first.
func (r *CallRepository) UserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	const q = `
		SELECT session_id, caller_id, callee_id, kind, started_at, ended_at, outcome
		FROM call_records
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY ended_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	records := make([]*domain.CallRecord, 0, limit)
	for rows.Next() {
		var rec domain.CallRecord
		var kind, outcome string
		if err := rows.Scan(&rec.SessionID, &rec.CallerID, &rec.CalleeID,
			&kind, &rec.StartedAt, &rec.EndedAt, &outcome); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		rec.Kind = domain.CallKind(kind)
		rec.Outcome = domain.CallOutcome(outcome)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call records: %w", err)
	}
	return records, nil
}
