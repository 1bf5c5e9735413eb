package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-review/internal/config"
	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/infra/ai/openai"
	"github.com/bryanwahyu/automaton-review/internal/infra/ai/rules"
	dockerrunner "github.com/bryanwahyu/automaton-review/internal/infra/executor/docker"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func badgerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.Backend = config.BackendBadger
	cfg.Store.Badger.Path = filepath.Join(t.TempDir(), "badger")
	cfg.Store.Badger.GCInterval = 0
	return cfg
}

func seed(t *testing.T, cfg *config.Config, recs ...*domain.Record) {
	t.Helper()
	ctx := context.Background()
	a, err := build(ctx, cfg, quiet)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, a.store.Put(ctx, r))
	}
	a.close(ctx, quiet)
}

func record(id, session string, created time.Time, ttl int64) *domain.Record {
	return &domain.Record{
		ID:             domain.ID(id),
		OwnerSessionID: session,
		OwnerIP:        "10.0.0.1",
		CodeHash:       domain.HashCode(id),
		Status:         domain.StatusCompleted,
		CreatedAt:      created,
		Result:         `{"findings":[]}`,
		TTLSeconds:     ttl,
		MaxRetrievals:  10,
		SchemaVersion:  domain.SchemaVersion,
	}
}

func TestSweepAndStats_AgainstBadger(t *testing.T) {
	cfg := badgerConfig(t)
	now := time.Now().UTC()
	seed(t, cfg,
		record("0b6c3a52-8a53-4a6b-9a40-6f4f1e6a0001", "S1", now.Add(-2*time.Hour), 60),
		record("0b6c3a52-8a53-4a6b-9a40-6f4f1e6a0002", "S1", now, 3600),
	)

	var out bytes.Buffer
	require.NoError(t, sweepOnce(context.Background(), cfg, quiet, &out))
	var sweep struct {
		Evicted int `json:"evicted"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &sweep))
	assert.Equal(t, 1, sweep.Evicted)

	// the eviction reached the durable tier
	out.Reset()
	require.NoError(t, printStats(context.Background(), cfg, quiet, &out))
	var stats struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	assert.Equal(t, 1, stats.Count)
}

func TestMaintenance_NeedsBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Backend = config.BackendNone
	assert.ErrorIs(t, sweepOnce(context.Background(), cfg, quiet, io.Discard), errNoBackend)
	assert.ErrorIs(t, printStats(context.Background(), cfg, quiet, io.Discard), errNoBackend)
}

func TestBuild_MemoryOnly(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Backend = config.BackendNone
	a, err := build(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer a.close(context.Background(), quiet)

	assert.Nil(t, a.backend)
	assert.False(t, a.store.Durable())
	assert.Equal(t, cfg.Registry.Workers, a.svc.Stats().Pool.Workers)
}

func TestNewAnalyzer(t *testing.T) {
	cfg := config.Defaults()

	an, err := newAnalyzer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &rules.Analyzer{}, an)

	cfg.Analyzer.Engine = config.EngineOpenAI
	cfg.Analyzer.OpenAI.APIKey = "sk-test"
	an, err = newAnalyzer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &openai.Client{}, an)

	cfg.Analyzer.Engine = config.EngineDocker
	an, err = newAnalyzer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &dockerrunner.Runner{}, an)

	cfg.Analyzer.Engine = "magic"
	_, err = newAnalyzer(cfg)
	assert.Error(t, err)
}

func TestLoadConfig_PathResolution(t *testing.T) {
	dir := t.TempDir()
	fromEnv := filepath.Join(dir, "env.yaml")
	fromFlag := filepath.Join(dir, "flag.yaml")
	require.NoError(t, os.WriteFile(fromEnv, []byte("server:\n  port: 9001\n"), 0o600))
	require.NoError(t, os.WriteFile(fromFlag, []byte("server:\n  port: 9002\n"), 0o600))
	t.Setenv("CONFIG_PATH", fromEnv)

	configPath = ""
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)

	configPath = fromFlag
	t.Cleanup(func() { configPath = "" })
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9002, cfg.Server.Port)
}
