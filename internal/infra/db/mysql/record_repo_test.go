package mysql

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
)

func TestConfig_DSN(t *testing.T) {
	dsn := Config{Host: "db", Port: 3307, User: "review", Password: "p@ss", Name: "reviews"}.DSN()

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "review", parsed.User)
	assert.Equal(t, "p@ss", parsed.Passwd)
	assert.Equal(t, "db:3307", parsed.Addr)
	assert.Equal(t, "reviews", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, time.UTC, parsed.Loc)
}

// Runs against a real server when MYSQL_TEST_DSN is set.
func TestRecordRepository_Integration(t *testing.T) {
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	host, port := splitAddr(t, parsed.Addr)

	ctx := context.Background()
	db, err := Connect(ctx, Config{Host: host, Port: port, User: parsed.User, Password: parsed.Passwd, Name: parsed.DBName})
	require.NoError(t, err)
	repo := NewRecordRepository(db, nil)
	defer repo.Close()

	id := domain.ID("it-" + time.Now().Format("150405.000000"))
	rec := &domain.Record{ID: id, OwnerSessionID: "S1", Status: domain.StatusQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Save(ctx, rec))
	rec.Status = domain.StatusRunning
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.Load(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
