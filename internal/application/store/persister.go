package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

const persistTimeout = 10 * time.Second

// persister writes dirty ids to the durable tier in the background. Marks are
// coalesced per id and every flush writes the latest in-memory state (or a delete
// when the record is gone), so out-of-order writes cannot persist a stale version.
type persister struct {
	s *Store

	mu    sync.Mutex
	dirty map[analysis.ID]struct{}

	drainMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newPersister(s *Store) *persister {
	return &persister{
		s:     s,
		dirty: make(map[analysis.ID]struct{}),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// mark never blocks the caller.
func (p *persister) mark(id analysis.ID) {
	if p.s.backend == nil {
		return
	}
	p.mu.Lock()
	p.dirty[id] = struct{}{}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.drain(context.Background())
			return
		case <-p.wake:
			p.drain(context.Background())
		}
	}
}

func (p *persister) drain(ctx context.Context) {
	if p.s.backend == nil {
		return
	}
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	for {
		p.mu.Lock()
		batch := p.dirty
		p.dirty = make(map[analysis.ID]struct{})
		p.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for id := range batch {
			p.flushOne(ctx, id)
		}
	}
}

func (p *persister) flushOne(ctx context.Context, id analysis.ID) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if rec := p.s.current(id); rec != nil {
		if err := p.s.backend.Save(ctx, rec); err != nil {
			p.s.persistFailed("save", id, err)
		}
		return
	}
	err := p.s.backend.Delete(ctx, id)
	if err != nil && !errors.Is(err, analysis.ErrNotFound) {
		// tombstone stays so a cold load cannot bring the record back
		p.s.persistFailed("delete", id, err)
		return
	}
	p.s.clearTombstone(id)
}

func (p *persister) close(ctx context.Context) error {
	p.once.Do(func() { close(p.stop) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
