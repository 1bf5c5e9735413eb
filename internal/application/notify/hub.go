// Package notify pushes analysis progress and outcomes to connected clients.
//
// Subscriptions belong to a session id, not to a physical connection, so a client
// that reconnects with the same session id keeps them. The record store stays the
// source of truth: whenever a subscription is created or a session reconnects the
// current status is read back from the store and a terminal outcome missed while
// offline is delivered then.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanwahyu/automaton-review/internal/application/access"
	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/metrics"
)

// Conn is one physical connection. Send must be safe for concurrent use.
type Conn interface {
	Send(ev Event) error
}

type Records interface {
	Get(ctx context.Context, id analysis.ID) (*analysis.Record, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, id analysis.ID, claim access.Claim) (*analysis.Record, error)
}

// Timeouts are the two tiers a subscription waits through. Crossing Initial while
// still queued re-reads the store and sends a keep-alive; crossing Total reports a
// timeout and ends the subscription. Neither stops the job.
type Timeouts struct {
	Initial time.Duration
	Total   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Initial: 10 * time.Second, Total: 5 * time.Minute}
}

type subscription struct {
	id      analysis.ID
	session string
	cancel  context.CancelFunc
	done    atomic.Bool // terminal event delivered or subscription ended

	// mu orders the sends of one subscription; sent is the last status it reported
	mu   sync.Mutex
	sent analysis.Status
}

type Hub struct {
	records  Records
	auth     Authorizer
	timeouts Timeouts
	log      *slog.Logger

	mu     sync.Mutex
	conns  map[string]map[Conn]struct{}
	subs   map[analysis.ID]map[string]*subscription
	closed bool
}

func NewHub(records Records, auth Authorizer, timeouts Timeouts, logger *slog.Logger) *Hub {
	def := DefaultTimeouts()
	if timeouts.Initial <= 0 {
		timeouts.Initial = def.Initial
	}
	if timeouts.Total <= 0 {
		timeouts.Total = def.Total
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		records:  records,
		auth:     auth,
		timeouts: timeouts,
		log:      logger.With("component", "notify"),
		conns:    make(map[string]map[Conn]struct{}),
		subs:     make(map[analysis.ID]map[string]*subscription),
	}
}

// Attach registers a connection for the session and replays terminal outcomes of
// the session's subscriptions that finished while it had no connection.
func (h *Hub) Attach(ctx context.Context, sessionID string, c Conn) {
	h.mu.Lock()
	set, ok := h.conns[sessionID]
	if !ok {
		set = make(map[Conn]struct{})
		h.conns[sessionID] = set
	}
	set[c] = struct{}{}
	pending := h.sessionSubsLocked(sessionID)
	h.mu.Unlock()

	metrics.Connections.Inc()
	h.log.Debug("connection attached", "session_id", sessionID, "subscriptions", len(pending))
	for _, sub := range pending {
		rec, err := h.records.Get(ctx, sub.id)
		if err != nil {
			continue
		}
		if rec.Status.Terminal() {
			h.deliverTerminal(sub, rec)
		}
	}
}

// Detach forgets a connection. The session's subscriptions survive it.
func (h *Hub) Detach(sessionID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[sessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, sessionID)
	}
	metrics.Connections.Dec()
}

// Subscribe makes the session follow the analysis and returns its current record.
// A record that is already terminal is delivered right away. The caller must have
// authorized the session; Resubscribe does that for reconnecting clients.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, id analysis.ID) (*analysis.Record, error) {
	_, rec, err := h.subscribe(ctx, sessionID, id)
	return rec, err
}

func (h *Hub) subscribe(ctx context.Context, sessionID string, id analysis.ID) (*subscription, *analysis.Record, error) {
	// register before reading so a transition in between is not lost
	sub, err := h.add(sessionID, id)
	if err != nil {
		return nil, nil, err
	}
	rec, err := h.records.Get(ctx, id)
	if err != nil {
		h.end(sub)
		return nil, nil, err
	}
	if rec.Status.Terminal() {
		h.deliverTerminal(sub, rec)
	}
	return sub, rec, nil
}

// Resubscribe is Subscribe for a reconnecting client: ownership is checked again and
// a non-terminal status is echoed so the client can resume its wait.
func (h *Hub) Resubscribe(ctx context.Context, claim access.Claim, id analysis.ID) (*analysis.Record, error) {
	if _, err := h.auth.Authorize(ctx, id, claim); err != nil {
		return nil, err
	}
	sub, rec, err := h.subscribe(ctx, claim.SessionID, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Terminal() {
		h.sendStatus(sub, rec)
	}
	return rec, nil
}

// Acknowledge reports rec's status to the session through its subscription, so the
// reply to a start never lands after a later transition of the same analysis. Nothing
// is sent when the subscription already delivered the outcome.
func (h *Hub) Acknowledge(sessionID string, rec *analysis.Record) {
	h.mu.Lock()
	sub := h.subs[rec.ID][sessionID]
	h.mu.Unlock()
	if sub != nil {
		h.sendStatus(sub, rec)
	}
}

// Unsubscribe stops following the analysis.
func (h *Hub) Unsubscribe(sessionID string, id analysis.ID) {
	h.mu.Lock()
	sub := h.subs[id][sessionID]
	h.mu.Unlock()
	if sub != nil {
		h.end(sub)
	}
}

// Subscriptions lists the analyses the session follows.
func (h *Hub) Subscriptions(sessionID string) []analysis.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []analysis.ID
	for _, sub := range h.sessionSubsLocked(sessionID) {
		ids = append(ids, sub.id)
	}
	return ids
}

// Progress forwards an engine progress payload to every session following id.
func (h *Hub) Progress(_ string, id analysis.ID, payload any) {
	for _, sub := range h.followers(id) {
		sub.mu.Lock()
		if !sub.done.Load() {
			h.sendTo(sub.session, Event{Type: EventProgress, AnalysisID: id, Payload: payload})
		}
		sub.mu.Unlock()
	}
}

// StatusChanged is called by the registry and the eviction sweep on every transition.
func (h *Hub) StatusChanged(rec *analysis.Record) {
	for _, sub := range h.followers(rec.ID) {
		if rec.Status.Terminal() {
			h.deliverTerminal(sub, rec)
			continue
		}
		h.sendStatus(sub, rec)
	}
}

// Send pushes an event to every connection of the session.
func (h *Hub) Send(sessionID string, ev Event) int {
	return h.sendTo(sessionID, ev)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*subscription
	for _, bySession := range h.subs {
		for _, sub := range bySession {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range all {
		h.end(sub)
	}
}

var errHubClosed = errors.New("notification hub closed")

func (h *Hub) add(sessionID string, id analysis.ID) (*subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{id: id, session: sessionID, cancel: cancel}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, errHubClosed
	}
	bySession, ok := h.subs[id]
	if !ok {
		bySession = make(map[string]*subscription)
		h.subs[id] = bySession
	}
	old := bySession[sessionID]
	bySession[sessionID] = sub
	h.mu.Unlock()

	if old != nil {
		old.done.Store(true)
		old.cancel()
	}
	go h.watch(ctx, sub)
	return sub, nil
}

// end removes the subscription and stops its watcher. Safe to call twice.
func (h *Hub) end(sub *subscription) {
	sub.done.Store(true)
	sub.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	if bySession, ok := h.subs[sub.id]; ok && bySession[sub.session] == sub {
		delete(bySession, sub.session)
		if len(bySession) == 0 {
			delete(h.subs, sub.id)
		}
	}
}

// deliverTerminal sends the terminal event at most once per subscription. With no
// connection attached the subscription stays open so a reconnect can replay it.
func (h *Hub) deliverTerminal(sub *subscription, rec *analysis.Record) {
	h.mu.Lock()
	online := len(h.conns[sub.session]) > 0
	h.mu.Unlock()
	if !online {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.done.CompareAndSwap(false, true) {
		return
	}
	sub.sent = rec.Status
	h.sendTo(sub.session, TerminalEvent(rec))
	h.end(sub)
}

// sendStatus pushes a non-terminal status unless the subscription is done or already
// reported a later stage.
func (h *Hub) sendStatus(sub *subscription, rec *analysis.Record) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done.Load() || stage(rec.Status) < stage(sub.sent) {
		return
	}
	sub.sent = rec.Status
	h.sendTo(sub.session, StatusEvent(rec))
}

func stage(s analysis.Status) int {
	switch {
	case s.Terminal():
		return 2
	case s == analysis.StatusRunning:
		return 1
	default:
		return 0
	}
}

// watch runs the two timeout tiers of one subscription.
func (h *Hub) watch(ctx context.Context, sub *subscription) {
	initial := time.NewTimer(h.timeouts.Initial)
	defer initial.Stop()
	total := time.NewTimer(h.timeouts.Total)
	defer total.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			rec, err := h.records.Get(ctx, sub.id)
			if errors.Is(err, analysis.ErrNotFound) {
				sub.mu.Lock()
				if sub.done.CompareAndSwap(false, true) {
					h.sendTo(sub.session, ErrorEvent(sub.id, err))
					h.end(sub)
				}
				sub.mu.Unlock()
				return
			}
			if err != nil {
				initial.Reset(h.timeouts.Initial)
				continue
			}
			switch {
			case rec.Status.Terminal():
				h.deliverTerminal(sub, rec)
				if sub.done.Load() {
					return
				}
			case rec.Status == analysis.StatusQueued:
				// keep-alive, the job is still waiting for a worker
				h.sendStatus(sub, rec)
			}
			initial.Reset(h.timeouts.Initial)
		case <-total.C:
			sub.mu.Lock()
			if !sub.done.CompareAndSwap(false, true) {
				sub.mu.Unlock()
				return
			}
			ev := Event{Type: EventTimeout, AnalysisID: sub.id, Message: analysis.ErrTimeout.Error()}
			if rec, err := h.records.Get(ctx, sub.id); err == nil {
				ev.Status = rec.Status
			}
			h.sendTo(sub.session, ev)
			h.end(sub)
			sub.mu.Unlock()
			h.log.Info("subscription timed out", "analysis_id", sub.id, "session_id", sub.session)
			return
		}
	}
}

func (h *Hub) followers(id analysis.ID) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscription, 0, len(h.subs[id]))
	for _, sub := range h.subs[id] {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) sessionSubsLocked(sessionID string) []*subscription {
	var out []*subscription
	for _, bySession := range h.subs {
		if sub, ok := bySession[sessionID]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// sendTo writes outside the hub lock and returns how many connections took the event.
func (h *Hub) sendTo(sessionID string, ev Event) int {
	h.mu.Lock()
	targets := make([]Conn, 0, len(h.conns[sessionID]))
	for c := range h.conns[sessionID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			h.log.Debug("send failed", "session_id", sessionID, "type", ev.Type, "err", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		metrics.Notifications.WithLabelValues(ev.Type).Add(float64(sent))
	}
	return sent
}
