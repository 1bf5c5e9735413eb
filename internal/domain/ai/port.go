package ai

import "context"

// Request is what the inference engine receives. The code itself is never persisted.
type Request struct {
	AnalysisID string
	Code       string
	Language   string
	Options    map[string]string
}

// ProgressFunc lets an engine report progress. Every call also resets the
// registry watchdog, so long-running engines should call it periodically.
type ProgressFunc func(payload any)

// Analyzer port (interface untuk inference engine). Engines must treat ctx.Done()
// as a cooperative cancellation checkpoint; nothing forces them to stop.
type Analyzer interface {
	Analyze(ctx context.Context, req Request, progress ProgressFunc) (string, error)
}
