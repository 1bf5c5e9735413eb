package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

type Config struct {
	Endpoint   string
	Region     string
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Prefix     string // default "analyses"
}

// Store keeps one JSON object per analysis at <prefix>/<id>.json.
type Store struct {
	client     *minio.Client
	bucketName string
	prefix     string
	log        *slog.Logger
}

// New buat koneksi MinIO
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: cli, bucketName: cfg.BucketName, prefix: cleanPrefix(cfg.Prefix), log: logger}, nil
}

func cleanPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "analyses"
	}
	return p
}

func (s *Store) key(id domain.ID) string {
	return path.Join(s.prefix, string(id)+".json")
}

func (s *Store) Save(ctx context.Context, rec *domain.Record) error {
	raw, err := domain.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucketName, s.key(rec.ID), bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *Store) Load(ctx context.Context, id domain.ID) (*domain.Record, error) {
	return s.read(ctx, s.key(id))
}

func (s *Store) read(ctx context.Context, key string) (*domain.Record, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapNotFound(err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return domain.Unmarshal(raw)
}

func mapNotFound(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return domain.ErrNotFound
	}
	return err
}

// Delete is a no-op for a missing object.
func (s *Store) Delete(ctx context.Context, id domain.ID) error {
	return s.client.RemoveObject(ctx, s.bucketName, s.key(id), minio.RemoveObjectOptions{})
}

// Scan lists the prefix and decodes every object; bad objects are logged and skipped.
func (s *Store) Scan(ctx context.Context, fn func(*domain.Record) error) error {
	for info := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    s.prefix + "/",
		Recursive: true,
	}) {
		if info.Err != nil {
			return info.Err
		}
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		rec, err := s.read(ctx, info.Key)
		if err != nil {
			s.log.Warn("skipping unreadable record object", "key", info.Key, "err", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// Close is a no-op; the client holds no long-lived connections.
func (s *Store) Close() error { return nil }
