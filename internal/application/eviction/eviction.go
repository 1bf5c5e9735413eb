// Package eviction runs the periodic sweep that keeps the record store bounded.
package eviction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bryanwahyu/automaton-review/internal/application"
	"github.com/bryanwahyu/automaton-review/internal/application/store"
	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/metrics"
)

// Eviction reasons, also used as metric labels.
const (
	ReasonTTL          = "ttl"
	ReasonRetrievalCap = "retrieval_cap"
	ReasonSize         = "size"
)

type Config struct {
	Interval      time.Duration
	MaxTotalBytes int64 // 0 disables the size pass
}

// Store is what a sweep needs from the record store.
type Store interface {
	Snapshot() []*analysis.Record
	Update(ctx context.Context, id analysis.ID, fn func(*analysis.Record) error) (*analysis.Record, error)
	Delete(ctx context.Context, id analysis.ID) (bool, error)
	Recompute() (int64, bool)
	Stats() store.Stats
}

// Report summarises one sweep.
type Report struct {
	Expired       int           `json:"expired"`
	OverRetrieval int           `json:"retrieval_cap"`
	OverSize      int           `json:"size"`
	IndexRebuilt  bool          `json:"index_rebuilt"`
	TotalBytes    int64         `json:"total_bytes"`
	Remaining     int           `json:"remaining"`
	Took          time.Duration `json:"took_ns"`
}

// Evicted is the total number of records removed.
func (r Report) Evicted() int { return r.Expired + r.OverRetrieval + r.OverSize }

type Manager struct {
	cfg   Config
	store Store
	clock application.Clock
	log   *slog.Logger

	// OnEvict is called after each removal, with the record as it was last seen.
	// The registry uses it to drop the job, the hub to tell subscribers.
	OnEvict func(rec *analysis.Record, reason string)

	mu sync.Mutex // one sweep at a time
}

func NewManager(cfg Config, st Store, clock application.Clock, logger *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if clock == nil {
		clock = application.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, store: st, clock: clock, log: logger.With("component", "eviction")}
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs the TTL, retrieval-cap and size passes in that order. Running it twice
// without new records changes nothing the second time.
func (m *Manager) Sweep(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	began := time.Now()
	now := m.clock.Now()
	var rep Report

	// 1. TTL, any status
	for _, rec := range m.store.Snapshot() {
		if !rec.Expired(now) {
			continue
		}
		if !rec.Status.Terminal() {
			if upd, err := m.store.Update(ctx, rec.ID, func(cur *analysis.Record) error {
				return cur.Transition(analysis.StatusExpired, now, "", nil)
			}); err == nil {
				rec = upd
			}
		}
		if m.evict(ctx, rec, ReasonTTL) {
			rep.Expired++
		}
	}

	// 2. retrieval cap
	for _, rec := range m.store.Snapshot() {
		if rec.RetrievalsExhausted() && m.evict(ctx, rec, ReasonRetrievalCap) {
			rep.OverRetrieval++
		}
	}

	// 3. size, oldest first
	total, rebuilt := m.store.Recompute()
	rep.IndexRebuilt = rebuilt
	if rebuilt {
		m.log.Warn("client index disagreed with records, rebuilt")
	}
	if m.cfg.MaxTotalBytes > 0 && total > m.cfg.MaxTotalBytes {
		for _, rec := range m.store.Snapshot() {
			if total <= m.cfg.MaxTotalBytes {
				break
			}
			size := analysis.Size(rec)
			if m.evict(ctx, rec, ReasonSize) {
				rep.OverSize++
				total -= size
			}
		}
	}

	st := m.store.Stats()
	rep.TotalBytes = st.TotalBytes
	rep.Remaining = st.Count
	rep.Took = time.Since(began)
	if rep.Evicted() > 0 {
		m.log.Info("sweep finished", "expired", rep.Expired, "retrieval_cap", rep.OverRetrieval,
			"size", rep.OverSize, "remaining", rep.Remaining, "total_bytes", rep.TotalBytes)
	}
	return rep
}

func (m *Manager) evict(ctx context.Context, rec *analysis.Record, reason string) bool {
	ok, err := m.store.Delete(ctx, rec.ID)
	if err != nil {
		m.log.Error("eviction failed", "analysis_id", rec.ID, "reason", reason, "err", err)
		return false
	}
	if !ok {
		return false
	}
	metrics.Evictions.WithLabelValues(reason).Inc()
	m.log.Info("record evicted", "analysis_id", rec.ID, "reason", reason, "status", rec.Status)
	if m.OnEvict != nil {
		m.OnEvict(rec, reason)
	}
	return true
}
