package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bryanwahyu/automaton-review/internal/application/access"
	"github.com/bryanwahyu/automaton-review/internal/application/eviction"
	"github.com/bryanwahyu/automaton-review/internal/application/notify"
	"github.com/bryanwahyu/automaton-review/internal/application/registry"
	"github.com/bryanwahyu/automaton-review/internal/application/store"
	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

// Service implements use-cases untuk Analysis. Every read and delete goes through
// Access; the transports (HTTP and websocket) only talk to this type.
type Service struct {
	Store    *store.Store
	Registry *registry.Registry
	Access   *access.Checker
	Eviction *eviction.Manager
	Hub      *notify.Hub // optional
	Log      *slog.Logger
}

//
// ==== USE CASES ====
//

// StartCommand untuk submit code
type StartCommand struct {
	SessionID     string
	IP            string
	Code          string
	Language      string
	Options       map[string]string
	TTLSeconds    int64
	MaxRetrievals int
}

// StatusView is a record without its result, for polling.
type StatusView struct {
	ID             domain.ID       `json:"analysis_id"`
	Status         domain.Status   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          *domain.Failure `json:"error,omitempty"`
	RetrievalCount int             `json:"retrieval_count"`
	MaxRetrievals  int             `json:"max_retrievals"`
}

// HistoryPage is one page of a session's records, newest first.
type HistoryPage struct {
	Records []*domain.Record `json:"records"`
	Count   int              `json:"count"`
	Total   int              `json:"total"`
}

// StoreStats is the store aggregate plus worker pool usage.
type StoreStats struct {
	store.Stats
	Pool registry.Stats `json:"pool"`
}

// Start admits a new analysis and subscribes the caller's session to it.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*domain.Record, error) {
	rec, err := s.Registry.Start(ctx, registry.StartParams{
		SessionID:     cmd.SessionID,
		IP:            cmd.IP,
		Code:          cmd.Code,
		Language:      cmd.Language,
		Options:       cmd.Options,
		TTLSeconds:    cmd.TTLSeconds,
		MaxRetrievals: cmd.MaxRetrievals,
	})
	if err != nil {
		return nil, err
	}
	if s.Hub != nil {
		if _, err := s.Hub.Subscribe(ctx, cmd.SessionID, rec.ID); err != nil {
			s.logger().Warn("implicit subscribe failed", "analysis_id", rec.ID, "err", err)
		}
	}
	return rec, nil
}

// Cancel stops an analysis the caller owns.
func (s *Service) Cancel(ctx context.Context, id domain.ID, claim access.Claim) (*domain.Record, error) {
	if _, err := s.Access.Authorize(ctx, id, claim); err != nil {
		return nil, err
	}
	return s.Registry.Cancel(ctx, id)
}

// Get returns the full record and counts the retrieval. Once max_retrievals reads
// happened the record answers domain.ErrRetrievalLimit until a sweep removes it.
func (s *Service) Get(ctx context.Context, id domain.ID, claim access.Claim) (*domain.Record, error) {
	if _, err := s.Access.Authorize(ctx, id, claim); err != nil {
		return nil, err
	}
	return s.Store.Update(ctx, id, func(r *domain.Record) error {
		if r.RetrievalsExhausted() {
			return fmt.Errorf("%w: %d of %d used", domain.ErrRetrievalLimit, r.RetrievalCount, r.MaxRetrievals)
		}
		r.RetrievalCount++
		return nil
	})
}

// Status returns the current state without counting a retrieval.
func (s *Service) Status(ctx context.Context, id domain.ID, claim access.Claim) (StatusView, error) {
	rec, err := s.Access.Authorize(ctx, id, claim)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(rec), nil
}

func NewStatusView(rec *domain.Record) StatusView {
	return StatusView{
		ID:             rec.ID,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
		StartedAt:      rec.StartedAt,
		CompletedAt:    rec.CompletedAt,
		Error:          rec.Error,
		RetrievalCount: rec.RetrievalCount,
		MaxRetrievals:  rec.MaxRetrievals,
	}
}

// History lists the caller's own session, newest first.
func (s *Service) History(ctx context.Context, claim access.Claim, sessionID string, limit, offset int) (HistoryPage, error) {
	if sessionID == "" {
		sessionID = claim.SessionID
	}
	if err := s.Access.AuthorizeHistory(claim, sessionID); err != nil {
		return HistoryPage{}, err
	}
	if limit < 0 || offset < 0 {
		return HistoryPage{}, fmt.Errorf("%w: negative limit or offset", domain.ErrValidation)
	}
	recs, total := s.Store.List(ctx, sessionID, limit, offset)
	return HistoryPage{Records: recs, Count: len(recs), Total: total}, nil
}

// Delete removes an analysis the caller owns. A job still queued or running is
// dropped from the pool.
func (s *Service) Delete(ctx context.Context, id domain.ID, claim access.Claim) error {
	if _, err := s.Access.Authorize(ctx, id, claim); err != nil {
		return err
	}
	ok, err := s.Store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	s.Registry.Forget(id)
	if s.Hub != nil {
		s.Hub.Unsubscribe(claim.SessionID, id)
	}
	s.logger().Info("analysis deleted", "analysis_id", id, "session_id", claim.SessionID)
	return nil
}

// Stats reports store totals and pool usage.
func (s *Service) Stats() StoreStats {
	return StoreStats{Stats: s.Store.Stats(), Pool: s.Registry.Stats()}
}

// TriggerCleanup runs one eviction sweep synchronously.
func (s *Service) TriggerCleanup(ctx context.Context) eviction.Report {
	return s.Eviction.Sweep(ctx)
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
