package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

func TestKeyLayout(t *testing.T) {
	s := &Store{prefix: cleanPrefix("/reviews/records/")}
	assert.Equal(t, "reviews/records/a1.json", s.key("a1"))
	assert.Equal(t, "analyses", cleanPrefix(""))
}

func TestMapNotFound(t *testing.T) {
	err := mapNotFound(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	other := errors.New("connection refused")
	assert.Equal(t, other, mapNotFound(other))
}

// Runs against a real endpoint when MINIO_TEST_ENDPOINT is set.
func TestStore_Integration(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{
		Endpoint:   endpoint,
		BucketName: "review-it",
		AccessKey:  os.Getenv("MINIO_TEST_ACCESS_KEY"),
		SecretKey:  os.Getenv("MINIO_TEST_SECRET_KEY"),
		Prefix:     "it-" + time.Now().Format("150405"),
	}, nil)
	require.NoError(t, err)

	rec := &domain.Record{ID: "a1", OwnerSessionID: "S1", Status: domain.StatusCompleted, CreatedAt: time.Now().UTC(), Result: "ok"}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Result)

	n := 0
	require.NoError(t, s.Scan(ctx, func(*domain.Record) error { n++; return nil }))
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, "a1"))
	_, err = s.Load(ctx, "a1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
