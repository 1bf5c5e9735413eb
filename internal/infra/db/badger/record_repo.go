package badger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

const recordPrefix = "analysis/"

func recordKey(id domain.ID) []byte {
	return []byte(recordPrefix + string(id))
}

// RecordRepository stores one JSON document per analysis id.
type RecordRepository struct {
	db  *DB
	log *slog.Logger
}

func NewRecordRepository(db *DB, logger *slog.Logger) *RecordRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordRepository{db: db, log: logger}
}

// Save upserts the record.
func (r *RecordRepository) Save(ctx context.Context, rec *domain.Record) error {
	raw, err := domain.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.ID), raw)
	})
}

// Load returns domain.ErrNotFound for an unknown id.
func (r *RecordRepository) Load(ctx context.Context, id domain.ID) (*domain.Record, error) {
	var rec *domain.Record
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = domain.Unmarshal(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RecordRepository) Delete(ctx context.Context, id domain.ID) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
}

// Scan walks every stored record. Undecodable entries are logged and skipped.
func (r *RecordRepository) Scan(ctx context.Context, fn func(*domain.Record) error) error {
	return r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec *domain.Record
			if err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = domain.Unmarshal(val)
				return err
			}); err != nil {
				r.log.Warn("skipping undecodable record", "key", string(it.Item().Key()), "err", err)
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *RecordRepository) Ping(ctx context.Context) error {
	if r.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return ctx.Err()
}

func (r *RecordRepository) Close() error {
	return r.db.Close()
}
