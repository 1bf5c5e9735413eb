package mysql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

// RecordRepository keeps each record as a JSON payload row in analysis_records.
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
VALUES (?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 status=VALUES(status),
 payload=VALUES(payload);
`
	payload, err := domain.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q, rec.ID, rec.OwnerSessionID, rec.Status, rec.CreatedAt.UTC(), string(payload))
	return err
}

// Load by ID
func (r *RecordRepository) Load(ctx context.Context, id domain.ID) (*domain.Record, error) {
	const q = `SELECT payload FROM analysis_records WHERE id=? LIMIT 1;`
	var payload string
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return domain.Unmarshal([]byte(payload))
}

func (r *RecordRepository) Delete(ctx context.Context, id domain.ID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM analysis_records WHERE id=?;`, id)
	return err
}

// Scan oldest first
func (r *RecordRepository) Scan(ctx context.Context, fn func(*domain.Record) error) error {
	rows, err := r.db.QueryContext(ctx, `SELECT id, payload FROM analysis_records ORDER BY created_at ASC;`)
	if err != nil {
		return err
	}
	return eachPayload(rows, r.log, fn)
}

func (r *RecordRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *RecordRepository) Close() error { return r.db.Close() }
