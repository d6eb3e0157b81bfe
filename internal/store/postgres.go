package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"salescoach/api/internal/content"
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

const recordColumns = `id, team_id, kind, payload, updated_at, active`

func (s *PostgresStore) ListActive(ctx context.Context, teamID string) ([]content.Record, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("begin full sync tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM content_records
		WHERE team_id = $1 AND active = TRUE
		ORDER BY updated_at, id
	`, teamID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("list active records: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, time.Time{}, err
	}

	highWater, err := teamHighWater(ctx, tx, teamID)
	if err != nil {
		return nil, time.Time{}, err
	}
	return records, highWater, tx.Commit()
}

func (s *PostgresStore) ListSince(ctx context.Context, teamID string, since time.Time, limit int) ([]content.Record, bool, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, false, time.Time{}, fmt.Errorf("begin incremental sync tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + recordColumns + `
		FROM content_records
		WHERE team_id = $1 AND updated_at > $2
		ORDER BY updated_at, id
	`
	args := []any{teamID, since.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit+1)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, time.Time{}, fmt.Errorf("list records since: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, false, time.Time{}, err
	}

	hasMore := false
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		hasMore = true
	}

	highWater, err := teamHighWater(ctx, tx, teamID)
	if err != nil {
		return nil, false, time.Time{}, err
	}
	return records, hasMore, highWater, tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, teamID, id string) (content.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM content_records WHERE team_id=$1 AND id=$2`, teamID, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return content.Record{}, ErrNotFound
	}
	return record, err
}

// Put upserts a record. The per-team advisory lock serializes writers so
// updated_at is strictly increasing in commit order.
func (s *PostgresStore) Put(ctx context.Context, teamID string, kind content.Kind, id string, payload json.RawMessage) (content.Record, content.Action, error) {
	if !validPayload(payload) {
		return content.Record{}, "", ErrBadPayload
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return content.Record{}, "", fmt.Errorf("begin put tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockTeam(ctx, tx, teamID); err != nil {
		return content.Record{}, "", err
	}

	action := content.ActionCreated
	var existingKind string
	var existingActive bool
	err = tx.QueryRowContext(ctx, `SELECT kind, active FROM content_records WHERE team_id=$1 AND id=$2`, teamID, id).Scan(&existingKind, &existingActive)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return content.Record{}, "", fmt.Errorf("lookup record: %w", err)
	case content.Kind(existingKind) != kind:
		return content.Record{}, "", ErrKindConflict
	case existingActive:
		action = content.ActionUpdated
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO content_records (team_id, id, kind, payload, active, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, TRUE, `+nextUpdatedAt+`)
		ON CONFLICT (team_id, id) DO UPDATE
			SET payload = EXCLUDED.payload, active = TRUE, updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns, teamID, id, string(kind), string(payload))
	record, err := scanRecord(row)
	if err != nil {
		return content.Record{}, "", fmt.Errorf("upsert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return content.Record{}, "", fmt.Errorf("commit put: %w", err)
	}
	return record, action, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, teamID string, kind content.Kind, id string) (content.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return content.Record{}, false, fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockTeam(ctx, tx, teamID); err != nil {
		return content.Record{}, false, err
	}

	existing, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM content_records WHERE team_id=$1 AND id=$2`, teamID, id))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && existing.Kind != kind) {
		return content.Record{}, false, ErrNotFound
	}
	if err != nil {
		return content.Record{}, false, fmt.Errorf("lookup record: %w", err)
	}
	if !existing.Active {
		return existing, false, nil
	}

	record, err := scanRecord(tx.QueryRowContext(ctx, `
		UPDATE content_records
		SET active = FALSE, updated_at = `+nextUpdatedAt+`
		WHERE team_id = $1 AND id = $2
		RETURNING `+recordColumns, teamID, id))
	if err != nil {
		return content.Record{}, false, fmt.Errorf("tombstone record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return content.Record{}, false, fmt.Errorf("commit delete: %w", err)
	}
	return record, true, nil
}

func (s *PostgresStore) Search(ctx context.Context, teamID, query string, limit int) ([]content.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM content_records
		WHERE team_id = $1 AND active = TRUE
			AND to_tsvector('english', payload::text) @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(to_tsvector('english', payload::text), plainto_tsquery('english', $2)) DESC, id
		LIMIT $3
	`, teamID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// nextUpdatedAt is the SQL expression for a team's next mutation time; it
// expects the team id as $1.
const nextUpdatedAt = `GREATEST(
	date_trunc('microseconds', clock_timestamp()),
	(SELECT COALESCE(MAX(updated_at), 'epoch'::timestamptz) FROM content_records WHERE team_id = $1) + interval '1 microsecond'
)`

func lockTeam(ctx context.Context, tx *sql.Tx, teamID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, teamID); err != nil {
		return fmt.Errorf("lock team %s: %w", teamID, err)
	}
	return nil
}

func teamHighWater(ctx context.Context, tx *sql.Tx, teamID string) (time.Time, error) {
	var highWater sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM content_records WHERE team_id=$1`, teamID).Scan(&highWater); err != nil {
		return time.Time{}, fmt.Errorf("read high water: %w", err)
	}
	if !highWater.Valid {
		return time.Time{}, nil
	}
	return highWater.Time.UTC(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (content.Record, error) {
	var record content.Record
	var kind string
	var payload []byte
	if err := row.Scan(&record.ID, &record.TeamID, &kind, &payload, &record.UpdatedAt, &record.Active); err != nil {
		return content.Record{}, err
	}
	record.Kind = content.Kind(kind)
	record.Payload = json.RawMessage(payload)
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func scanRecords(rows *sql.Rows) ([]content.Record, error) {
	defer rows.Close()
	records := make([]content.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
