package attachment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// schemaVersion is the current expected index schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once.
var migrations = []migration{
	{
		Version:     1,
		Description: "attachments table",
		SQL: `
		CREATE TABLE IF NOT EXISTS attachments (
			id           TEXT PRIMARY KEY,
			message_id   TEXT DEFAULT '',
			filename     TEXT NOT NULL,
			content_type TEXT DEFAULT '',
			size         INTEGER DEFAULT 0,
			path         TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_created ON attachments(created_at);
		`,
	},
	{
		Version:     2,
		Description: "platform source id for dedupe",
		SQL: `
		ALTER TABLE attachments ADD COLUMN source_id TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_attachments_source ON attachments(source_id);
		`,
	},
}

// Record is one row of the index.
type Record struct {
	Attachment domain.Attachment
	SourceID   string
}

// Index persists stored attachments in SQLite so they survive restarts.
type Index struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create index directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open attachment index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("attachment index migration failed: %w", err)
	}
	return &Index{db: db, path: path, logger: logger}, nil
}

func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := indexSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying index migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				if strings.Contains(err.Error(), "duplicate column") {
					continue
				}
				tx.Rollback()
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func indexSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func splitStatements(sql string) []string {
	var out []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Put inserts or replaces a record.
func (x *Index) Put(ctx context.Context, rec Record) error {
	a := rec.Attachment
	_, err := x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attachments (id, message_id, filename, content_type, size, path, created_at, source_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.Filename, a.ContentType, a.Size, a.Path, a.CreatedAt.UnixNano(), rec.SourceID,
	)
	return err
}

// Delete removes a record. Deleting an unknown id is not an error.
func (x *Index) Delete(ctx context.Context, id string) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	return err
}

// Load returns every record, oldest first.
func (x *Index) Load(ctx context.Context) ([]Record, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT id, message_id, filename, content_type, size, path, created_at, source_id
		 FROM attachments ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			created int64
		)
		a := &rec.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &a.Size, &a.Path, &created, &rec.SourceID); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(0, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (x *Index) Path() string { return x.path }

func (x *Index) Close() error {
	return x.db.Close()
}
