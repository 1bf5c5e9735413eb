// Package access decides whether a caller may touch an analysis record.
package access

import (
	"context"
	"fmt"

	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

// RecordSource is the read side of the record store.
type RecordSource interface {
	Get(ctx context.Context, id analysis.ID) (*analysis.Record, error)
}

// Claim is who the caller says they are.
type Claim struct {
	SessionID string
	IP        string
}

type Checker struct {
	Records RecordSource
}

func NewChecker(records RecordSource) *Checker {
	return &Checker{Records: records}
}

// Authorize returns the record when the claim owns it. The session id wins; the IP
// is a fallback for a client that lost its session id. Absent records give
// analysis.ErrNotFound, never ErrAccessDenied.
func (c *Checker) Authorize(ctx context.Context, id analysis.ID, claim Claim) (*analysis.Record, error) {
	rec, err := c.Records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if Allowed(rec, claim) {
		return rec, nil
	}
	return nil, fmt.Errorf("%w: analysis %s", analysis.ErrAccessDenied, id)
}

// Allowed is the ownership rule without the lookup.
func Allowed(rec *analysis.Record, claim Claim) bool {
	if claim.SessionID != "" && claim.SessionID == rec.OwnerSessionID {
		return true
	}
	return claim.IP != "" && claim.IP == rec.OwnerIP
}

// AuthorizeHistory only lets a caller list its own session.
func (c *Checker) AuthorizeHistory(claim Claim, requested string) error {
	if requested == "" {
		return fmt.Errorf("%w: session id required", analysis.ErrValidation)
	}
	if claim.SessionID == "" || claim.SessionID != requested {
		return fmt.Errorf("%w: history of another session", analysis.ErrAccessDenied)
	}
	return nil
}
