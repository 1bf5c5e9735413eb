package analysis

import "errors"

var (
	// ErrValidation indicates a malformed start/cancel/get request.
	ErrValidation = errors.New("invalid request")
	// ErrCapacity indicates the admission queue is full; no record was created.
	ErrCapacity = errors.New("analysis queue is full")
	// ErrAccessDenied indicates an ownership mismatch.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound indicates an unknown or evicted analysis id.
	ErrNotFound = errors.New("analysis not found")
	// ErrTimeout indicates a watchdog or wait timeout. It does not imply the job stopped.
	ErrTimeout = errors.New("analysis timed out")
	// ErrInference wraps failures returned by the inference collaborator.
	ErrInference = errors.New("inference failed")
	// ErrPersistence wraps durable-tier failures. Never returned to API callers.
	ErrPersistence = errors.New("persistence failed")
	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetrievalLimit indicates the record reached max_retrievals.
	ErrRetrievalLimit = errors.New("retrieval limit reached")
)
