// Package sqlitestore provides a tokenstore.Medium backed by an embedded
// SQLite database, for CLIs and daemons that want durable local sessions
// without a separate server.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/aussiebroadwan/authclient/pkg/tokenstore/sqlitestore/migrations"
)

// Medium stores items in a single key/value table.
type Medium struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at dsn and applies pending
// migrations. A dsn of ":memory:" is rejected since every pooled connection
// would see its own empty database; use a file path instead.
func Open(dsn string) (*Medium, error) {
	if dsn == "" || dsn == ":memory:" {
		return nil, errors.New("sqlitestore: a file-backed DSN is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Medium{db: db, now: time.Now}
	if err := m.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return m, nil
}

// ApplyMigrations applies any pending migrations from the embedded files.
func (m *Medium) ApplyMigrations() error {
	driver, err := sqlite.WithInstance(m.db, &sqlite.Config{})
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (m *Medium) Close() error { return m.db.Close() }

// Ping verifies the database connection is still alive.
func (m *Medium) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *Medium) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM items WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (m *Medium) SetItem(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO items (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, m.now().UnixMilli(),
	)
	return err
}

func (m *Medium) RemoveItem(ctx context.Context, key string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM items WHERE key = ?`, key)
	return err
}

// Keys lists the keys starting with prefix, in order.
func (m *Medium) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key FROM items WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdatedAt returns when key was last written.
func (m *Medium) UpdatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := m.db.QueryRowContext(ctx, `SELECT updated_at FROM items WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
