// Package badger is the embedded durable tier: a BadgerDB instance with value-log
// GC, and a record repository on top of it.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type Config struct {
	Path       string
	InMemory   bool // tests
	SyncWrites bool
	Logger     *slog.Logger // nil silences badger's own logging

	// GCInterval of 0 disables value-log GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// DB owns the badger handle and the value-log GC loop.
type DB struct {
	db *badger.DB

	stopGC context.CancelFunc
	gcDone sync.WaitGroup
	log    *slog.Logger
}

// Open opens (creating the directory if needed) and starts GC when configured.
func Open(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{db: raw, stopGC: func() {}, log: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		ctx, cancel := context.WithCancel(context.Background())
		d.stopGC = cancel
		d.gcDone.Add(1)
		go d.collect(ctx, cfg.GCInterval, ratio)
	}
	return d, nil
}

// OpenInMemory opens a throwaway database for tests.
func OpenInMemory() (*DB, error) {
	return Open(Config{InMemory: true})
}

func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return opts, errors.New("badger: path is required for a persistent database")
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	// satu versi per key, history tidak dipakai
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{cfg.Logger})
	}
	return opts, nil
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	d.stopGC()
	d.gcDone.Wait()
	return d.db.Close()
}

func (d *DB) IsClosed() bool {
	return d.db.IsClosed()
}

// WithTxn runs fn in a read-write transaction and commits when fn returns nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// collect rewrites value-log files on every tick. One RunValueLogGC call reclaims
// at most one file, so it repeats until badger reports nothing left to rewrite.
func (d *DB) collect(ctx context.Context, every time.Duration, ratio float64) {
	defer d.gcDone.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for ctx.Err() == nil {
			err := d.db.RunValueLogGC(ratio)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) && d.log != nil {
				d.log.Warn("value log GC failed", "err", err)
			}
			break
		}
	}
}

// slogAdapter satisfies badger.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Errorf(f string, v ...any)   { a.l.Error(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Warningf(f string, v ...any) { a.l.Warn(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Infof(f string, v ...any)    { a.l.Info(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Debugf(f string, v ...any)   { a.l.Debug(fmt.Sprintf(f, v...)) }
