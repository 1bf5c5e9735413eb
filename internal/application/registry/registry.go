// Package registry owns the analysis state machine and the bounded worker pool that
// runs the inference engine.
//
// Jobs are admitted FIFO. A job holds one worker slot from dispatch until it is
// released, and release happens exactly once whether the job completed, failed,
// timed out, was cancelled or was evicted. Cancellation is cooperative: the engine
// sees ctx.Done() at its own checkpoints and a result that arrives after the record
// went terminal is discarded.
package registry

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/automaton-review/internal/application"
	aiapp "github.com/bryanwahyu/automaton-review/internal/application/ai"
	"github.com/bryanwahyu/automaton-review/internal/domain/ai"
	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/metrics"
)

// Records is the part of the store the registry writes to.
type Records interface {
	Put(ctx context.Context, r *analysis.Record) error
	Get(ctx context.Context, id analysis.ID) (*analysis.Record, error)
	Update(ctx context.Context, id analysis.ID, fn func(*analysis.Record) error) (*analysis.Record, error)
}

// Notifier receives every status change and progress payload. Implementations must
// not block.
type Notifier interface {
	StatusChanged(rec *analysis.Record)
	Progress(sessionID string, id analysis.ID, payload any)
}

type nopNotifier struct{}

func (nopNotifier) StatusChanged(*analysis.Record)    {}
func (nopNotifier) Progress(string, analysis.ID, any) {}

type Config struct {
	Workers              int           // worker slots, default 2
	MaxQueueDepth        int           // 0 = unbounded
	Watchdog             time.Duration // no progress within this window fails the job; 0 disables
	DefaultTTL           time.Duration
	DefaultMaxRetrievals int
	MaxCodeBytes         int // 0 = unlimited
}

// StartParams is an admitted start request.
type StartParams struct {
	SessionID     string
	IP            string
	Code          string
	Language      string
	Options       map[string]string
	TTLSeconds    int64 // 0 = default
	MaxRetrievals int   // 0 = default
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

type job struct {
	id      analysis.ID
	session string
	req     ai.Request

	elem     *list.Element // set while queued
	running  bool
	cancel   context.CancelFunc
	released atomic.Bool
}

type Registry struct {
	cfg      Config
	records  Records
	engine   *aiapp.Service
	notifier Notifier
	clock    application.Clock
	log      *slog.Logger

	mu     sync.Mutex
	queue  *list.List
	jobs   map[analysis.ID]*job
	busy   int
	closed bool

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a registry. notifier and clock may be nil.
func New(cfg Config, records Records, analyzer ai.Analyzer, notifier Notifier, clock application.Clock, logger *slog.Logger) *Registry {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = application.SystemClock{}
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		records:  records,
		engine:   aiapp.NewService(analyzer, logger),
		notifier: notifier,
		clock:    clock,
		log:      logger.With("component", "registry"),
		queue:    list.New(),
		jobs:     make(map[analysis.ID]*job),
		base:     base,
		stopBase: stop,
	}
}

// SetNotifier swaps the notifier. Call before the first Start.
func (r *Registry) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	r.notifier = n
}

// Start validates the request, creates a queued record and hands the job to the pool.
// It never waits for a slot; with a full queue it fails with analysis.ErrCapacity and
// no record is created.
func (r *Registry) Start(ctx context.Context, p StartParams) (*analysis.Record, error) {
	if err := r.validate(p); err != nil {
		metrics.AnalysesRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	ttl := p.TTLSeconds
	if ttl == 0 {
		ttl = int64(r.cfg.DefaultTTL / time.Second)
	}
	maxGets := p.MaxRetrievals
	if maxGets == 0 {
		maxGets = r.cfg.DefaultMaxRetrievals
	}
	rec := &analysis.Record{
		ID:             analysis.ID(uuid.NewString()),
		OwnerSessionID: p.SessionID,
		OwnerIP:        p.IP,
		CodeHash:       analysis.HashCode(p.Code),
		Language:       p.Language,
		Status:         analysis.StatusQueued,
		CreatedAt:      r.clock.Now(),
		TTLSeconds:     ttl,
		MaxRetrievals:  maxGets,
		SchemaVersion:  analysis.SchemaVersion,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		metrics.AnalysesRejected.WithLabelValues("shutdown").Inc()
		return nil, fmt.Errorf("%w: registry is shutting down", analysis.ErrCapacity)
	}
	if r.cfg.MaxQueueDepth > 0 && r.busy >= r.cfg.Workers && r.queue.Len() >= r.cfg.MaxQueueDepth {
		metrics.AnalysesRejected.WithLabelValues("capacity").Inc()
		return nil, fmt.Errorf("%w: %d waiting", analysis.ErrCapacity, r.queue.Len())
	}
	if err := r.records.Put(ctx, rec); err != nil {
		return nil, err
	}

	j := &job{
		id:      rec.ID,
		session: p.SessionID,
		req: ai.Request{
			AnalysisID: string(rec.ID),
			Code:       p.Code,
			Language:   p.Language,
			Options:    p.Options,
		},
	}
	j.elem = r.queue.PushBack(j)
	r.jobs[rec.ID] = j
	metrics.AnalysesStarted.Inc()
	r.log.Info("analysis queued", "analysis_id", rec.ID, "session_id", p.SessionID, "language", p.Language)

	r.dispatchLocked()
	return rec.Clone(), nil
}

func (r *Registry) validate(p StartParams) error {
	switch {
	case strings.TrimSpace(p.SessionID) == "":
		return fmt.Errorf("%w: session id required", analysis.ErrValidation)
	case strings.TrimSpace(p.Code) == "":
		return fmt.Errorf("%w: code required", analysis.ErrValidation)
	case r.cfg.MaxCodeBytes > 0 && len(p.Code) > r.cfg.MaxCodeBytes:
		return fmt.Errorf("%w: code exceeds %d bytes", analysis.ErrValidation, r.cfg.MaxCodeBytes)
	case p.TTLSeconds < 0:
		return fmt.Errorf("%w: ttl_seconds must not be negative", analysis.ErrValidation)
	case p.MaxRetrievals < 0:
		return fmt.Errorf("%w: max_retrievals must not be negative", analysis.ErrValidation)
	}
	return nil
}

// Cancel moves a queued or running analysis to cancelled. A queued job is never
// dispatched; a running one has its context cancelled and its slot released at once.
func (r *Registry) Cancel(ctx context.Context, id analysis.ID) (*analysis.Record, error) {
	// warm the record outside the registry lock
	if _, err := r.records.Get(ctx, id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	rec, err := r.records.Update(ctx, id, func(cur *analysis.Record) error {
		return cur.Transition(analysis.StatusCancelled, r.clock.Now(), "", nil)
	})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if j, ok := r.jobs[id]; ok {
		r.releaseLocked(j)
	}
	r.mu.Unlock()

	metrics.AnalysesFinished.WithLabelValues(string(analysis.StatusCancelled)).Inc()
	r.log.Info("analysis cancelled", "analysis_id", id)
	r.notifier.StatusChanged(rec)
	return rec, nil
}

// Forget drops a job whose record was expired or deleted elsewhere. A running job
// only gets its context cancelled; the engine call is not killed.
func (r *Registry) Forget(id analysis.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		r.releaseLocked(j)
	}
}

// Stats reports pool usage.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Workers: r.cfg.Workers, Busy: r.busy, Queued: r.queue.Len()}
}

// Shutdown stops admission and dispatch, cancels running jobs and waits for their
// workers to return. Queued records stay queued; there is no replay on restart.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, j := range r.jobs {
		r.releaseLocked(j)
	}
	r.mu.Unlock()
	r.stopBase()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) dispatchLocked() {
	for !r.closed && r.busy < r.cfg.Workers && r.queue.Len() > 0 {
		j := r.queue.Remove(r.queue.Front()).(*job)
		j.elem = nil
		j.running = true
		r.busy++

		ctx, cancel := context.WithCancel(r.base)
		j.cancel = cancel
		r.wg.Add(1)
		go r.run(ctx, j)
	}
	r.gaugesLocked()
}

// releaseLocked frees the job's slot or queue position exactly once.
func (r *Registry) releaseLocked(j *job) {
	if !j.released.CompareAndSwap(false, true) {
		return
	}
	delete(r.jobs, j.id)
	if j.running {
		r.busy--
	} else if j.elem != nil {
		r.queue.Remove(j.elem)
		j.elem = nil
	}
	if j.cancel != nil {
		j.cancel()
	}
	r.dispatchLocked()
}

func (r *Registry) release(j *job) {
	r.mu.Lock()
	r.releaseLocked(j)
	r.mu.Unlock()
}

func (r *Registry) gaugesLocked() {
	metrics.AnalysesRunning.Set(float64(r.busy))
	metrics.AnalysesQueued.Set(float64(r.queue.Len()))
}

type outcome struct {
	result string
	err    error
}

// run executes one job on its slot.
func (r *Registry) run(ctx context.Context, j *job) {
	defer r.wg.Done()

	rec, err := r.records.Update(ctx, j.id, func(cur *analysis.Record) error {
		return cur.Transition(analysis.StatusRunning, r.clock.Now(), "", nil)
	})
	if err != nil {
		// cancelled, expired or deleted before the slot was taken
		r.log.Debug("job dropped before start", "analysis_id", j.id, "err", err)
		r.release(j)
		return
	}
	r.log.Info("analysis running", "analysis_id", j.id)
	r.notifier.StatusChanged(rec)

	beat := make(chan struct{}, 1)
	progress := func(payload any) {
		if j.released.Load() {
			return
		}
		select {
		case beat <- struct{}{}:
		default:
		}
		r.notifier.Progress(j.session, j.id, payload)
	}

	// buffered so a late engine never blocks after we stop listening
	done := make(chan outcome, 1)
	go func() {
		out, err := r.engine.Analyze(ctx, j.req, progress)
		done <- outcome{result: out, err: err}
	}()

	var watchdog <-chan time.Time
	if r.cfg.Watchdog > 0 {
		timer := time.NewTimer(r.cfg.Watchdog)
		defer timer.Stop()
		watchdog = timer.C
		for {
			select {
			case o := <-done:
				r.finish(ctx, j, o)
				return
			case <-beat:
				timer.Reset(r.cfg.Watchdog)
			case <-watchdog:
				r.timedOut(j)
				return
			case <-ctx.Done():
				r.release(j)
				return
			}
		}
	}

	for {
		select {
		case o := <-done:
			r.finish(ctx, j, o)
			return
		case <-beat:
		case <-ctx.Done():
			r.release(j)
			return
		}
	}
}

func (r *Registry) finish(ctx context.Context, j *job, o outcome) {
	if ctx.Err() != nil {
		// whoever cancelled the job owns the record's terminal state
		r.release(j)
		return
	}

	to := analysis.StatusCompleted
	var failure *analysis.Failure
	if o.err != nil {
		to = analysis.StatusFailed
		err := o.err
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", analysis.ErrTimeout, err)
		}
		failure = aiapp.FailureFor(err)
	}
	r.settle(j, to, o.result, failure)
}

func (r *Registry) timedOut(j *job) {
	r.settle(j, analysis.StatusFailed, "", &analysis.Failure{
		Kind:    analysis.FailureTimeout,
		Message: fmt.Sprintf("%s: no progress within %s", analysis.ErrTimeout, r.cfg.Watchdog),
	})
}

// settle writes the terminal status unless the record is already terminal, then
// frees the slot.
func (r *Registry) settle(j *job, to analysis.Status, result string, failure *analysis.Failure) {
	rec, err := r.records.Update(context.Background(), j.id, func(cur *analysis.Record) error {
		return cur.Transition(to, r.clock.Now(), result, failure)
	})
	r.release(j)
	if err != nil {
		r.log.Info("late outcome discarded", "analysis_id", j.id, "status", to, "err", err)
		return
	}

	metrics.AnalysesFinished.WithLabelValues(string(to)).Inc()
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		metrics.AnalysisDuration.Observe(rec.CompletedAt.Sub(*rec.StartedAt).Seconds())
	}
	if failure != nil {
		r.log.Warn("analysis failed", "analysis_id", j.id, "kind", failure.Kind, "err", failure.Message)
	} else {
		r.log.Info("analysis completed", "analysis_id", j.id, "result_bytes", len(result))
	}
	r.notifier.StatusChanged(rec)
}
