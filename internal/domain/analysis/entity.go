package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ID tipe untuk Analysis
type ID string

// Status enum
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired,
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// transitions is the whole state machine. Expired is only entered by the eviction sweep.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusExpired},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure kinds stored on failed records
const (
	FailureInference = "inference"
	FailureQuota     = "quota"
	FailureTimeout   = "timeout"
	FailurePanic     = "panic"
)

// Failure is the opaque error attached to a failed record.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SchemaVersion of the persisted record representation.
const SchemaVersion = 1

// Aggregate Root: Record
type Record struct {
	ID             ID         `json:"analysis_id"`
	OwnerSessionID string     `json:"owner_session_id"`
	OwnerIP        string     `json:"owner_ip"`
	CodeHash       string     `json:"code_hash"`
	Language       string     `json:"language,omitempty"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          *Failure   `json:"error,omitempty"`
	TTLSeconds     int64      `json:"ttl_seconds"`
	RetrievalCount int        `json:"retrieval_count"`
	MaxRetrievals  int        `json:"max_retrievals"`
	SchemaVersion  int        `json:"schema_version"`
}

// HashCode returns the fingerprint stored in CodeHash.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy so callers never share pointers with the store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Error != nil {
		f := *r.Error
		c.Error = &f
	}
	return &c
}

// Expired reports whether the record outlived its TTL at now.
func (r *Record) Expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) > time.Duration(r.TTLSeconds)*time.Second
}

// RetrievalsExhausted reports whether the retrieval cap has been reached.
func (r *Record) RetrievalsExhausted() bool {
	return r.MaxRetrievals > 0 && r.RetrievalCount >= r.MaxRetrievals
}

// Transition moves the record to the given status, stamping timestamps. Result and
// failure are written only here, on entry into completed/failed.
func (r *Record) Transition(to Status, now time.Time, result string, failure *Failure) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	switch to {
	case StatusRunning:
		t := now
		r.StartedAt = &t
		return nil
	case StatusCompleted:
		r.Result = result
	case StatusFailed:
		if failure == nil {
			failure = &Failure{Kind: FailureInference}
		}
		f := *failure
		r.Error = &f
	}
	t := now
	r.CompletedAt = &t
	return nil
}
