package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bryanwahyu/automaton-review/internal/config"
	"github.com/bryanwahyu/automaton-review/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/infra/ai/openai"
	"github.com/bryanwahyu/automaton-review/internal/infra/ai/rules"
	badgerdb "github.com/bryanwahyu/automaton-review/internal/infra/db/badger"
	mysqlp "github.com/bryanwahyu/automaton-review/internal/infra/db/mysql"
	"github.com/bryanwahyu/automaton-review/internal/infra/db/postgres"
	dockerrunner "github.com/bryanwahyu/automaton-review/internal/infra/executor/docker"
	minioStore "github.com/bryanwahyu/automaton-review/internal/infra/storage"
)

// openBackend connects the configured durable tier. nil means memory only.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Backend, error) {
	sc := cfg.Store
	switch sc.Backend {
	case config.BackendNone:
		return nil, nil

	case config.BackendBadger:
		db, err := badgerdb.Open(badgerdb.Config{
			Path:           sc.Badger.Path,
			SyncWrites:     sc.Badger.SyncWrites,
			GCInterval:     sc.Badger.GCInterval,
			GCDiscardRatio: sc.Badger.GCDiscardRatio,
			Logger:         logger.With("component", "badger"),
		})
		if err != nil {
			return nil, err
		}
		return badgerdb.NewRecordRepository(db, logger), nil

	case config.BackendMySQL:
		db, err := mysqlp.Connect(ctx, mysqlp.Config{
			Host:     sc.Database.Host,
			Port:     sc.Database.Port,
			User:     sc.Database.User,
			Password: sc.Database.Password,
			Name:     sc.Database.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		return mysqlp.NewRecordRepository(db, logger), nil

	case config.BackendPostgres:
		db, err := postgres.Connect(ctx, postgres.Config{
			URL:      sc.Postgres.URL,
			Host:     sc.Postgres.Host,
			Port:     sc.Postgres.Port,
			User:     sc.Postgres.User,
			Password: sc.Postgres.Password,
			Name:     sc.Postgres.Name,
			SSLMode:  sc.Postgres.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return postgres.NewRecordRepository(db, logger), nil

	case config.BackendMinio:
		st, err := minioStore.New(ctx, minioStore.Config{
			Endpoint:   sc.Minio.Endpoint,
			Region:     sc.Minio.Region,
			BucketName: sc.Minio.BucketName,
			AccessKey:  sc.Minio.AccessKey,
			SecretKey:  sc.Minio.SecretKey,
			UseSSL:     sc.Minio.UseSSL,
			Prefix:     sc.Minio.Prefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("minio init: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}

func newAnalyzer(cfg *config.Config) (ai.Analyzer, error) {
	ac := cfg.Analyzer
	switch ac.Engine {
	case config.EngineRules:
		return rules.New(), nil
	case config.EngineOpenAI:
		if ac.OpenAI.BaseURL != "" {
			return openai.NewClientWithBaseURL(ac.OpenAI.APIKey, ac.OpenAI.Model, ac.OpenAI.BaseURL), nil
		}
		return openai.NewClient(ac.OpenAI.APIKey, ac.OpenAI.Model), nil
	case config.EngineDocker:
		return dockerrunner.NewRunner(dockerrunner.Config{
			Binary:          ac.Docker.Binary,
			Image:           ac.Docker.Image,
			RulesDir:        ac.Docker.RulesDir,
			Ruleset:         ac.Docker.Ruleset,
			AllowedRulesets: ac.Docker.AllowedRulesets,
			TempDir:         ac.Docker.TempDir,
			Heartbeat:       ac.Docker.Heartbeat,
		}), nil
	}
	return nil, fmt.Errorf("unknown analyzer engine %q", ac.Engine)
}
