//go:build integration

package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/cache/postgresql"
	"github.com/dukex/lazypipe/pkg/cache/sqlbase"
	"github.com/dukex/lazypipe/pkg/testutil"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"cache_outputs", "cache_entries", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Store, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("lazypipe_test"),
			postgres.WithUsername("lazypipe"),
			postgres.WithPassword("lazypipe"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewStore(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close(ctx))
		dropDb(ctx, t, databaseURL)
		cancel()
	})

	return store, ctx, databaseURL
}

func TestStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) cache.Store {
		t.Helper()

		store, _, _ := setupTestDB(t)

		return store
	})
}

func TestNewStore_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	manager := sqlbase.NewMigrationManager(slog.Default(), db, nil)

	version, err := manager.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	for _, table := range []string{"cache_entries", "cache_outputs"} {
		var exists bool

		err = db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}
}

func TestStore_CorruptEntry(t *testing.T) {
	store, ctx, databaseURL := setupTestDB(t)
	entry := testutil.NewEntry("corrupt", []byte("a"), []byte("b"))

	require.NoError(t, store.Put(ctx, entry))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, "DELETE FROM cache_outputs WHERE key = $1 AND position = 0", string(entry.Key))
	require.NoError(t, err)

	_, err = store.Get(ctx, entry.Key)
	assert.True(t, cache.IsCorrupt(err))
}
