package analysis

import "context"

// Backend port (interface untuk durable tier). One self-contained record per id.
// Implementations: badger, mysql, postgres, minio.
type Backend interface {
	Save(ctx context.Context, r *Record) error
	// Load returns ErrNotFound when the id is not stored.
	Load(ctx context.Context, id ID) (*Record, error)
	Delete(ctx context.Context, id ID) error
	// Scan calls fn for every stored record, in no particular order.
	Scan(ctx context.Context, fn func(*Record) error) error
	Ping(ctx context.Context) error
	Close() error
}
