// Package history archives resolved conversation turns in SQLite for later
// inspection. It never restores a session.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/comigor/kolamchat/internal/analysis"
	"github.com/comigor/kolamchat/internal/conversation"
	"github.com/comigor/kolamchat/internal/logger"
)

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_messages",
			Up: []string{`CREATE TABLE messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				message_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				sender TEXT NOT NULL,
				status TEXT NOT NULL,
				text TEXT NOT NULL DEFAULT '',
				error_kind TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			);`,
				`CREATE INDEX messages_session ON messages (session_id, seq);`,
			},
			Down: []string{`DROP TABLE messages;`},
		},
		{
			Id: "0002_analysis",
			Up: []string{
				`ALTER TABLE messages ADD COLUMN has_attachment INTEGER NOT NULL DEFAULT 0;`,
				`ALTER TABLE messages ADD COLUMN analysis TEXT;`,
			},
		},
	},
}

// Store is the SQLite transcript archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	set := migrate.MigrationSet{TableName: "history_migrations"}
	n, err := set.Exec(db, "sqlite3", migrations, migrate.Up)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating history db: %w", err)
	}
	logger.L.Info("sqlite history DB initialized", "path", path, "migrations", n)
	return &Store{db: db}, nil
}

// Entry is one archived message.
type Entry struct {
	ID            int64            `json:"id"`
	SessionID     string           `json:"session_id"`
	MessageID     string           `json:"message_id"`
	Seq           uint64           `json:"seq"`
	Sender        string           `json:"sender"`
	Status        string           `json:"status"`
	Text          string           `json:"text"`
	ErrorKind     string           `json:"error_kind,omitempty"`
	HasAttachment bool             `json:"has_attachment"`
	Analysis      *analysis.Record `json:"analysis,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Record archives m under sessionID. Pending messages are not archived.
func (s *Store) Record(ctx context.Context, sessionID string, m conversation.Message) error {
	if m.Status == conversation.StatusPending {
		return nil
	}
	var rec any
	if m.Analysis != nil {
		raw, err := json.Marshal(m.Analysis)
		if err != nil {
			return fmt.Errorf("encoding analysis: %w", err)
		}
		rec = string(raw)
	}

	q := `INSERT INTO messages (session_id, message_id, seq, sender, status, text, error_kind, has_attachment, analysis, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		sessionID, m.ID, m.Seq, string(m.Sender), string(m.Status), m.Text, string(m.ErrorKind),
		m.Attachment != nil, rec, m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// List returns the archived messages of a session in display order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Entry, error) {
	q := `SELECT id, session_id, message_id, seq, sender, status, text, error_kind, has_attachment, analysis, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			rec     sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &e.Seq, &e.Sender, &e.Status,
			&e.Text, &e.ErrorKind, &e.HasAttachment, &rec, &created); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if rec.Valid {
			e.Analysis = &analysis.Record{}
			if err := json.Unmarshal([]byte(rec.String), e.Analysis); err != nil {
				return nil, fmt.Errorf("decoding analysis of %s: %w", e.MessageID, err)
			}
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parsing created_at of %s: %w", e.MessageID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sessions lists archived session ids, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM messages GROUP BY session_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
