// Package postgresql provides a PostgreSQL cache store.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/cache/sqlbase"
	_ "github.com/lib/pq"
)

const storeName = "postgresql"

// Store implements cache.Store with one row per entry in cache_entries and
// one row per output in cache_outputs, written in a single transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to databaseURL and brings the schema up to date.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:     database,
		logger: logger.With("module", "postgresql_cache"),
	}, nil
}

func (s *Store) Exists(ctx context.Context, key cache.Key) (bool, error) {
	var exists bool

	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM cache_entries WHERE key = $1)", string(key)).Scan(&exists)
	if err != nil {
		return false, cache.NewStoreError(storeName, "Exists", key, err)
	}

	return exists, nil
}

func (s *Store) Get(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	var meta cache.Meta

	query := `SELECT key, node, codec, outputs, created_at FROM cache_entries WHERE key = $1`

	var storedKey string

	err := s.db.QueryRowContext(ctx, query, string(key)).Scan(&storedKey, &meta.Node, &meta.Codec, &meta.Outputs, &meta.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cache.NewStoreError(storeName, "Get", key, cache.ErrEntryNotFound)
		}

		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	meta.Key = cache.Key(storedKey)

	rows, err := s.db.QueryContext(ctx, `SELECT position, data FROM cache_outputs WHERE key = $1 ORDER BY position`, string(key))
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	defer func() { _ = rows.Close() }()

	outputs := make([][]byte, 0, meta.Outputs)

	for rows.Next() {
		var (
			position int
			data     []byte
		)

		err = rows.Scan(&position, &data)
		if err != nil {
			return nil, cache.NewStoreError(storeName, "Get", key, err)
		}

		if position != len(outputs) {
			return nil, cache.NewStoreError(storeName, "Get", key, fmt.Errorf("%w: missing output %d", cache.ErrCorruptEntry, len(outputs)))
		}

		outputs = append(outputs, data)
	}

	err = rows.Err()
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	entry, err := meta.Entry(outputs)
	if err != nil {
		return nil, cache.NewStoreError(storeName, "Get", key, err)
	}

	return entry, nil
}

func (s *Store) Put(ctx context.Context, entry *cache.Entry) error {
	err := entry.Validate()
	if err != nil {
		return cache.NewStoreError(storeName, "Put", "", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (key, node, codec, outputs, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING`,
		string(entry.Key), entry.Node, entry.Codec, len(entry.Outputs), entry.CreatedAt)
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, err)
	}

	if inserted == 0 {
		s.logger.DebugContext(ctx, "Cache entry already stored", "key", entry.Key.Short())

		return nil
	}

	for i, out := range entry.Outputs {
		if out == nil {
			out = []byte{}
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO cache_outputs (key, position, data) VALUES ($1, $2, $3)`, string(entry.Key), i, out)
		if err != nil {
			return cache.NewStoreError(storeName, "Put", entry.Key, fmt.Errorf("writing output %d: %w", i, err))
		}
	}

	err = tx.Commit()
	if err != nil {
		return cache.NewStoreError(storeName, "Put", entry.Key, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return cache.NewStoreError(storeName, "HealthCheck", "", fmt.Errorf("failed to ping database: %w", err))
	}

	return nil
}
