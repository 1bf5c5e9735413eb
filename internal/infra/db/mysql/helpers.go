package mysql

import (
	"database/sql"
	"log/slog"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// eachPayload decodes the payload column of every row. Bad rows are logged and skipped.
func eachPayload(rows *sql.Rows, log *slog.Logger, fn func(*domain.Record) error) error {
	defer rows.Close()
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		rec, err := domain.Unmarshal([]byte(payload))
		if err != nil {
			log.Warn("skipping undecodable record", "analysis_id", id, "err", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
