package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

type RecordRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewRecordRepository(db *sql.DB, logger *slog.Logger) *RecordRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordRepository{db: db, log: logger}
}

// Save insert/update record
func (r *RecordRepository) Save(ctx context.Context, rec *domain.Record) error {
	const q = `
INSERT INTO analysis_records (id, owner_session_id, status, created_at, payload)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
 status = EXCLUDED.status,
 payload = EXCLUDED.payload,
 updated_at = now();`

	payload, err := domain.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q, string(rec.ID), rec.OwnerSessionID, string(rec.Status), rec.CreatedAt, string(payload))
	return err
}

// Load by ID
func (r *RecordRepository) Load(ctx context.Context, id domain.ID) (*domain.Record, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM analysis_records WHERE id = $1`, string(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return domain.Unmarshal(payload)
}

func (r *RecordRepository) Delete(ctx context.Context, id domain.ID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM analysis_records WHERE id = $1`, string(id))
	return err
}

// Scan oldest first; bad payloads are logged and skipped.
func (r *RecordRepository) Scan(ctx context.Context, fn func(*domain.Record) error) error {
	rows, err := r.db.QueryContext(ctx, `SELECT id, payload FROM analysis_records ORDER BY created_at ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		rec, err := domain.Unmarshal(payload)
		if err != nil {
			r.log.Warn("skipping undecodable record", "analysis_id", id, "err", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *RecordRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *RecordRepository) Close() error { return r.db.Close() }
