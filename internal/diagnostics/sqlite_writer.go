package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const dumpsSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS dumps (
	id TEXT PRIMARY KEY,
	rank INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dumps_rank_created ON dumps(rank, created_at);
INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (1, CURRENT_TIMESTAMP);
`

// StoredDump is one dump row.
type StoredDump struct {
	ID        string
	Rank      int
	CreatedAt time.Time
	Payload   []byte
}

// SQLiteWriter keeps every dump of a rank as a row, so successive dumps of
// a long-running job are not overwritten.
type SQLiteWriter struct {
	path string
	rank int
	db   *sql.DB
	now  func() time.Time
}

// NewSQLiteWriter opens (creating if needed) the dump database at path.
func NewSQLiteWriter(path string, rank int) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating dump database directory: %w", err)
	}

	// WAL lets inspectors read while a rank is writing.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening dump database: %w", err)
	}
	w := &SQLiteWriter{path: path, rank: rank, db: db, now: time.Now}

	if err := w.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return w, nil
}

func (w *SQLiteWriter) migrate() error {
	var version int
	err := w.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet.
		version = 0
	}
	if version < 1 {
		if _, err := w.db.Exec(dumpsSchemaV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Write implements Writer.
func (w *SQLiteWriter) Write(ctx context.Context, dump []byte) error {
	_, err := w.db.ExecContext(ctx,
		"INSERT INTO dumps (id, rank, created_at, payload) VALUES (?, ?, ?, ?)",
		uuid.NewString(), w.rank, w.now().UTC(), dump,
	)
	if err != nil {
		return fmt.Errorf("storing dump for rank %d: %w", w.rank, err)
	}
	return nil
}

// Target implements Writer.
func (w *SQLiteWriter) Target() string {
	return fmt.Sprintf("sqlite://%s?rank=%d", w.path, w.rank)
}

// List returns the dumps of rank, newest first. A negative rank lists all.
func (w *SQLiteWriter) List(ctx context.Context, rank int) ([]StoredDump, error) {
	query := "SELECT id, rank, created_at, payload FROM dumps"
	var args []any
	if rank >= 0 {
		query += " WHERE rank = ?"
		args = append(args, rank)
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing dumps: %w", err)
	}
	defer rows.Close()

	var out []StoredDump
	for rows.Next() {
		var d StoredDump
		if err := rows.Scan(&d.ID, &d.Rank, &d.CreatedAt, &d.Payload); err != nil {
			return nil, fmt.Errorf("scanning dump: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Latest returns the newest dump of rank.
func (w *SQLiteWriter) Latest(ctx context.Context, rank int) (StoredDump, bool, error) {
	dumps, err := w.List(ctx, rank)
	if err != nil || len(dumps) == 0 {
		return StoredDump{}, false, err
	}
	return dumps[0], true, nil
}

// Close closes the database connection.
func (w *SQLiteWriter) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}
