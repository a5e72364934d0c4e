package relay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/relaychat/internal/chat"
)

// SQLiteHistory stores messages in a single SQLite table.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLiteHistory opens or creates the database at path.
func OpenSQLiteHistory(path string) (*SQLiteHistory, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			origin     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			audio      TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Add(ctx context.Context, m chat.Message) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, origin, created_at, text, audio) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Origin, m.CreatedAt.UTC().Format(time.RFC3339Nano), m.Text, m.AudioRef)
	return err
}

func (h *SQLiteHistory) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, origin, created_at, text, audio FROM (
			SELECT seq, id, origin, created_at, text, audio
			FROM messages ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m       chat.Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.Origin, &created, &m.Text, &m.AudioRef); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (h *SQLiteHistory) Close() error { return h.db.Close() }
