package remote

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/semmy-space/credkeep/internal/credential"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB provides dual reader/writer connections with WAL mode enabled.
// The writer is limited to a single connection to avoid "database is locked" errors.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
	path   string
}

// NewDB opens path with WAL, a busy timeout and synchronous NORMAL.
func NewDB(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		dbPath,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &DB{Writer: writer, Reader: reader, path: dbPath}, nil
}

// Close closes both connections. Returns the first error encountered.
func (db *DB) Close() error {
	var firstErr error

	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}
	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}

	return firstErr
}

// RunMigrations applies pending schema migrations embedded in the binary.
// Already-applied migrations are skipped.
func RunMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Compile-time interface satisfaction check.
var _ Backend = (*SQLite)(nil)

// SQLite is a Backend for a single host or a shared volume.
type SQLite struct {
	db *DB
}

// OpenSQLite opens the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLite(db), nil
}

// NewSQLite wraps an already migrated DB.
func NewSQLite(db *DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	const query = `SELECT key, account_id, ciphertext, status, last_used_at, updated_at
		FROM credentials WHERE key = ?`

	var (
		rec              Record
		status           string
		lastUsed, update int64
	)
	err := s.db.Reader.QueryRowContext(ctx, query, key).
		Scan(&rec.Key, &rec.AccountID, &rec.Ciphertext, &status, &lastUsed, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get credential %q: %w", key, err)
	}

	rec.Status = credential.Status(status)
	rec.LastUsedAt = fromUnixMillis(lastUsed)
	rec.UpdatedAt = fromUnixMillis(update)
	return rec, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	const query = `INSERT INTO credentials (key, account_id, ciphertext, status, last_used_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			account_id = excluded.account_id,
			ciphertext = excluded.ciphertext,
			status = excluded.status,
			last_used_at = excluded.last_used_at,
			updated_at = excluded.updated_at`

	_, err := s.db.Writer.ExecContext(ctx, query,
		rec.Key, rec.AccountID, rec.Ciphertext, string(rec.Status),
		toUnixMillis(rec.LastUsedAt), toUnixMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put credential %q: %w", rec.Key, err)
	}
	return nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, key, accountID string, status credential.Status, at time.Time) error {
	const query = `INSERT INTO credentials (key, account_id, ciphertext, status, last_used_at, updated_at)
		VALUES (?, ?, '', ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			last_used_at = excluded.last_used_at,
			updated_at = excluded.updated_at`

	ms := toUnixMillis(at)
	if _, err := s.db.Writer.ExecContext(ctx, query, key, accountID, string(status), ms, ms); err != nil {
		return fmt.Errorf("update status %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Writer.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete credential %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	const query = `SELECT key, account_id, ciphertext, status, last_used_at, updated_at
		FROM credentials ORDER BY account_id`

	rows, err := s.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			status           string
			lastUsed, update int64
		)
		if err := rows.Scan(&rec.Key, &rec.AccountID, &rec.Ciphertext, &status, &lastUsed, &update); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		rec.Status = credential.Status(status)
		rec.LastUsedAt = fromUnixMillis(lastUsed)
		rec.UpdatedAt = fromUnixMillis(update)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}
