package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/ai"
	"github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

type engineFunc func(ctx context.Context, req domain.Request, progress domain.ProgressFunc) (string, error)

func (f engineFunc) Analyze(ctx context.Context, req domain.Request, progress domain.ProgressFunc) (string, error) {
	return f(ctx, req, progress)
}

func TestService_PassesResultAndProgress(t *testing.T) {
	var beats int
	svc := NewService(engineFunc(func(_ context.Context, req domain.Request, progress domain.ProgressFunc) (string, error) {
		progress("half")
		return "ok:" + req.Language, nil
	}), nil)

	out, err := svc.Analyze(context.Background(), domain.Request{Language: "go"}, func(any) { beats++ })
	require.NoError(t, err)
	assert.Equal(t, "ok:go", out)
	assert.Equal(t, 1, beats)

	// nil progress is tolerated
	_, err = svc.Analyze(context.Background(), domain.Request{}, nil)
	assert.NoError(t, err)
}

func TestService_RecoversPanic(t *testing.T) {
	svc := NewService(engineFunc(func(context.Context, domain.Request, domain.ProgressFunc) (string, error) {
		panic("boom")
	}), nil)

	out, err := svc.Analyze(context.Background(), domain.Request{AnalysisID: "a"}, nil)
	assert.Empty(t, out)
	require.ErrorIs(t, err, analysis.ErrInference)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, analysis.FailurePanic, FailureFor(err).Kind)
}

func TestService_WrapsFailures(t *testing.T) {
	quota := NewService(engineFunc(func(context.Context, domain.Request, domain.ProgressFunc) (string, error) {
		return "", fmt.Errorf("provider: %w", domain.ErrQuotaExceeded)
	}), nil)
	_, err := quota.Analyze(context.Background(), domain.Request{}, nil)
	assert.ErrorIs(t, err, analysis.ErrInference)
	assert.Equal(t, analysis.FailureQuota, FailureFor(err).Kind)

	blank := NewService(engineFunc(func(context.Context, domain.Request, domain.ProgressFunc) (string, error) {
		return "  \n", nil
	}), nil)
	_, err = blank.Analyze(context.Background(), domain.Request{}, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyResponse)
	assert.Equal(t, analysis.FailureInference, FailureFor(err).Kind)

	assert.Equal(t, analysis.FailureTimeout, FailureFor(fmt.Errorf("watchdog: %w", analysis.ErrTimeout)).Kind)
}

func TestService_CancellationIsNotAFailure(t *testing.T) {
	called := false
	svc := NewService(engineFunc(func(ctx context.Context, _ domain.Request, _ domain.ProgressFunc) (string, error) {
		called = true
		<-ctx.Done()
		return "", ctx.Err()
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Analyze(ctx, domain.Request{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, analysis.ErrInference))
	// checkpoint before the engine call
	assert.False(t, called)
}
