// Package store is the dual-tier record store: an in-memory index in front of a
// swappable durable backend.
//
// Writes are write-through. The memory tier is updated before a call returns and the
// durable write is queued on a background persister; durable failures are logged and
// never surface to callers. Reads that miss memory fall back to the durable tier and
// repopulate memory.
//
// Locking: every record has its own mutex for read-modify-write sequences. The
// structural lock only guards the id map, the client index and tombstones, and is
// never held while a record mutex is held.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/metrics"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Stats is the aggregate view used by the eviction manager and the stats endpoint.
type Stats struct {
	Count      int                     `json:"count"`
	TotalBytes int64                   `json:"total_bytes"`
	PerStatus  map[analysis.Status]int `json:"per_status_counts"`
}

type entry struct {
	owner   string // immutable copies of the identity fields
	created time.Time

	mu      sync.Mutex
	rec     *analysis.Record
	size    int64
	deleted bool
}

// Store implements the record store. Construct once with New and share the pointer.
type Store struct {
	backend analysis.Backend
	log     *slog.Logger

	mu         sync.RWMutex
	entries    map[analysis.ID]*entry
	index      map[string][]analysis.ID
	tombstones map[analysis.ID]struct{}

	totalBytes atomic.Int64
	flight     singleflight.Group
	persist    *persister
}

// New creates a store. backend may be nil for memory-only operation.
func New(backend analysis.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:    backend,
		log:        logger,
		entries:    make(map[analysis.ID]*entry),
		index:      make(map[string][]analysis.ID),
		tombstones: make(map[analysis.ID]struct{}),
	}
	s.persist = newPersister(s)
	if backend != nil {
		go s.persist.run()
	}
	return s
}

// Durable reports whether a durable backend is attached.
func (s *Store) Durable() bool { return s.backend != nil }

// Put inserts or replaces a record. Owner fields and created_at of an existing
// record are never overwritten.
func (s *Store) Put(ctx context.Context, r *analysis.Record) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: record without analysis_id", analysis.ErrValidation)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", analysis.ErrValidation, r.Status)
	}
	rec := r.Clone()
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = analysis.SchemaVersion
	}

	s.mu.Lock()
	if _, exists := s.entries[rec.ID]; exists {
		s.mu.Unlock()
		_, err := s.Update(ctx, rec.ID, func(cur *analysis.Record) error {
			*cur = *rec
			return nil
		})
		return err
	}
	e := &entry{owner: rec.OwnerSessionID, created: rec.CreatedAt, rec: rec, size: analysis.Size(rec)}
	s.entries[rec.ID] = e
	s.index[e.owner] = append(s.index[e.owner], rec.ID)
	delete(s.tombstones, rec.ID)
	s.mu.Unlock()

	s.totalBytes.Add(e.size)
	s.persist.mark(rec.ID)
	return nil
}

// Get returns a copy of the record, loading it from the durable tier on a memory miss.
func (s *Store) Get(ctx context.Context, id analysis.ID) (*analysis.Record, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, analysis.ErrNotFound
	}
	return e.rec.Clone(), nil
}

// Update runs fn on a copy of the record under the record's own lock and stores the
// result when fn returns nil. Identity fields are preserved whatever fn does.
func (s *Store) Update(ctx context.Context, id analysis.ID, fn func(*analysis.Record) error) (*analysis.Record, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, analysis.ErrNotFound
	}
	work := e.rec.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.ID = e.rec.ID
	work.OwnerSessionID = e.rec.OwnerSessionID
	work.OwnerIP = e.rec.OwnerIP
	work.CreatedAt = e.rec.CreatedAt

	size := analysis.Size(work)
	s.totalBytes.Add(size - e.size)
	e.rec = work
	e.size = size
	s.persist.mark(id)
	return work.Clone(), nil
}

// Delete removes the record from both tiers. It reports whether anything was removed.
func (s *Store) Delete(ctx context.Context, id analysis.ID) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		s.index[e.owner] = removeID(s.index[e.owner], id)
		if len(s.index[e.owner]) == 0 {
			delete(s.index, e.owner)
		}
	}
	if s.backend != nil {
		s.tombstones[id] = struct{}{}
	}
	s.mu.Unlock()

	if !ok {
		if s.backend == nil {
			return false, nil
		}
		// record might exist only in the durable tier (cold start)
		if _, err := s.backend.Load(ctx, id); err != nil {
			if !errors.Is(err, analysis.ErrNotFound) {
				s.persistFailed("load", id, err)
			}
			s.mu.Lock()
			delete(s.tombstones, id)
			s.mu.Unlock()
			return false, nil
		}
		s.persist.mark(id)
		return true, nil
	}

	e.mu.Lock()
	e.deleted = true
	s.totalBytes.Add(-e.size)
	e.mu.Unlock()

	s.persist.mark(id)
	return true, nil
}

// List returns the owner's records newest first, plus the owner's total record count.
func (s *Store) List(ctx context.Context, ownerSessionID string, limit, offset int) ([]*analysis.Record, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	ids := append([]analysis.ID(nil), s.index[ownerSessionID]...)
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = s.entries[id]
	}
	s.mu.RUnlock()

	out := make([]*analysis.Record, 0, limit)
	skipped := 0
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		if e == nil {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	return out, len(ids)
}

// Stats returns count, approximate total bytes and per-status counts.
func (s *Store) Stats() Stats {
	st := Stats{PerStatus: make(map[analysis.Status]int, len(analysis.AllStatuses))}
	for _, status := range analysis.AllStatuses {
		st.PerStatus[status] = 0
	}
	for _, e := range s.liveEntries() {
		e.mu.Lock()
		if !e.deleted {
			st.Count++
			st.PerStatus[e.rec.Status]++
		}
		e.mu.Unlock()
	}
	st.TotalBytes = s.totalBytes.Load()
	metrics.StoreRecords.Set(float64(st.Count))
	metrics.StoreBytes.Set(float64(st.TotalBytes))
	return st
}

// Snapshot returns copies of every in-memory record, oldest first.
func (s *Store) Snapshot() []*analysis.Record {
	var out []*analysis.Record
	for _, e := range s.liveEntries() {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	sortOldestFirst(out)
	return out
}

// Recompute recalculates the aggregate size from scratch and verifies the client
// index against the record map, rebuilding the index when they disagree.
func (s *Store) Recompute() (int64, bool) {
	var total int64
	for _, e := range s.liveEntries() {
		e.mu.Lock()
		if !e.deleted {
			e.size = analysis.Size(e.rec)
			total += e.size
		}
		e.mu.Unlock()
	}
	s.totalBytes.Store(total)
	metrics.StoreBytes.Set(float64(total))

	rebuilt := false
	if !s.indexConsistent() {
		s.rebuildIndex()
		rebuilt = true
		s.log.Warn("client index disagreed with records, rebuilt")
	}
	return total, rebuilt
}

// Load warms the memory tier from the durable tier. Used on cold start.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	var loaded []*analysis.Record
	err := s.backend.Scan(ctx, func(r *analysis.Record) error {
		loaded = append(loaded, r)
		return nil
	})
	if err != nil {
		s.persistFailed("scan", "", err)
		return 0, fmt.Errorf("%w: %w", analysis.ErrPersistence, err)
	}
	sortOldestFirst(loaded)
	n := 0
	for _, r := range loaded {
		if s.insertLoaded(r) != nil {
			n++
		}
	}
	return n, nil
}

// Flush writes every pending change to the durable tier before returning.
func (s *Store) Flush(ctx context.Context) {
	s.persist.drain(ctx)
}

// Close flushes pending writes and stops the persister. The backend is owned by the caller.
func (s *Store) Close(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	return s.persist.close(ctx)
}

// Ping checks the durable tier.
func (s *Store) Ping(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Ping(ctx)
}

func (s *Store) lookup(ctx context.Context, id analysis.ID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}
	return s.loadEntry(ctx, id)
}

func (s *Store) loadEntry(ctx context.Context, id analysis.ID) (*entry, error) {
	if s.backend == nil {
		return nil, analysis.ErrNotFound
	}
	v, err, _ := s.flight.Do(string(id), func() (any, error) {
		s.mu.RLock()
		_, dead := s.tombstones[id]
		s.mu.RUnlock()
		if dead {
			return nil, analysis.ErrNotFound
		}
		rec, err := s.backend.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, analysis.ErrNotFound) {
				// degrade: treat as a miss
				s.persistFailed("load", id, err)
			}
			return nil, analysis.ErrNotFound
		}
		e := s.insertLoaded(rec)
		if e == nil {
			return nil, analysis.ErrNotFound
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// insertLoaded adds a record read from the durable tier unless memory already has it
// or it was deleted meanwhile. Returns the live entry for the id, or nil.
func (s *Store) insertLoaded(r *analysis.Record) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.tombstones[r.ID]; dead {
		return nil
	}
	if e, ok := s.entries[r.ID]; ok {
		return e
	}
	e := &entry{owner: r.OwnerSessionID, created: r.CreatedAt, rec: r.Clone(), size: analysis.Size(r)}
	s.entries[r.ID] = e
	s.index[e.owner] = insertByCreated(s.index[e.owner], s.entries, r.ID, e)
	s.totalBytes.Add(e.size)
	return e
}

// current returns a copy of the in-memory record without touching the durable tier.
func (s *Store) current(id analysis.ID) *analysis.Record {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil
	}
	return e.rec.Clone()
}

func (s *Store) liveEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Store) indexConsistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := 0
	for owner, ids := range s.index {
		uniq := make(map[analysis.ID]struct{}, len(ids))
		for _, id := range ids {
			e, ok := s.entries[id]
			if !ok || e.owner != owner {
				return false
			}
			if _, dup := uniq[id]; dup {
				return false
			}
			uniq[id] = struct{}{}
		}
		seen += len(ids)
	}
	return seen == len(s.entries)
}

func (s *Store) rebuildIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	type item struct {
		id      analysis.ID
		owner   string
		created int64
	}
	items := make([]item, 0, len(s.entries))
	for id, e := range s.entries {
		items = append(items, item{id: id, owner: e.owner, created: e.created.UnixNano()})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].created == items[j].created {
			return items[i].id < items[j].id
		}
		return items[i].created < items[j].created
	})
	s.index = make(map[string][]analysis.ID)
	for _, it := range items {
		s.index[it.owner] = append(s.index[it.owner], it.id)
	}
}

func (s *Store) clearTombstone(id analysis.ID) {
	s.mu.Lock()
	if _, live := s.entries[id]; !live {
		delete(s.tombstones, id)
	}
	s.mu.Unlock()
}

func (s *Store) persistFailed(op string, id analysis.ID, err error) {
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	s.log.Error("durable tier operation failed",
		"op", op,
		"analysis_id", id,
		"error", fmt.Errorf("%w: %w", analysis.ErrPersistence, err),
	)
}

func removeID(ids []analysis.ID, id analysis.ID) []analysis.ID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// insertByCreated keeps the per-owner index ordered by created_at when records arrive
// out of order from the durable tier. Caller holds s.mu.
func insertByCreated(ids []analysis.ID, entries map[analysis.ID]*entry, id analysis.ID, e *entry) []analysis.ID {
	pos := len(ids)
	for pos > 0 {
		prev, ok := entries[ids[pos-1]]
		if !ok || !prev.created.After(e.created) {
			break
		}
		pos--
	}
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	return ids
}

func sortOldestFirst(recs []*analysis.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
