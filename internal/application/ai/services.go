package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/ai"
	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

// PanicError is returned when the engine panicked instead of returning.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("analyzer panic: %v", e.Value) }

// Service guards the inference engine: panics are recovered, failures are wrapped
// with analysis.ErrInference, and a blank result counts as a failure.
type Service struct {
	client domain.Analyzer
	log    *slog.Logger
}

func NewService(client domain.Analyzer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: client, log: logger}
}

// Analyze runs the engine once. It never panics.
func (s *Service) Analyze(ctx context.Context, req domain.Request, progress domain.ProgressFunc) (result string, err error) {
	if progress == nil {
		progress = func(any) {}
	}
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("analyzer panic recovered", "analysis_id", req.AnalysisID, "panic", v)
			result = ""
			err = fmt.Errorf("%w: %w", analysis.ErrInference, &PanicError{Value: v, Stack: string(debug.Stack())})
		}
	}()

	// checkpoint sebelum panggil engine
	if err := ctx.Err(); err != nil {
		return "", err
	}

	out, err := s.client.Analyze(ctx, req, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", analysis.ErrInference, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: %w", analysis.ErrInference, domain.ErrEmptyResponse)
	}
	return out, nil
}

// FailureFor converts an engine error into the failure stored on the record.
func FailureFor(err error) *analysis.Failure {
	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		return &analysis.Failure{Kind: analysis.FailurePanic, Message: pe.Error()}
	case errors.Is(err, domain.ErrQuotaExceeded):
		return &analysis.Failure{Kind: analysis.FailureQuota, Message: err.Error()}
	case errors.Is(err, analysis.ErrTimeout):
		return &analysis.Failure{Kind: analysis.FailureTimeout, Message: err.Error()}
	default:
		return &analysis.Failure{Kind: analysis.FailureInference, Message: err.Error()}
	}
}
