package sessionlog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// auditRingCap bounds how many rows AuditStore keeps per workspace; Record
// trims older rows past this cap on every insert, the same "bounded history,
// no unbounded growth" discipline as the paste-buffer store's 50-entry cap.
const auditRingCap = 500

// AuditEntry is one recorded command/response pair, as surfaced by Recent
// for display-message's "#{command_log}" diagnostic variable.
type AuditEntry struct {
	Verb       string
	StartedAt  time.Time
	Duration   time.Duration
	OK         bool
	Detail     string
}

// AuditStore is a durable, per-workspace ring buffer of guarded command/
// response pairs (verb, duration, exit kind), backed by SQLite. It exists
// for post-mortem debugging of a CC connection: "what did this session run
// and how long did each command take."
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (creating if absent) a SQLite database at path and
// ensures its schema exists. An empty path disables persistence by
// returning a store backed by an in-memory database, matching the id
// map's "empty cache dir disables persistence" convention.
func NewAuditStore(path string) (*AuditStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open audit store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	const schema = `
CREATE TABLE IF NOT EXISTS command_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace   TEXT NOT NULL,
	verb        TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	ok          INTEGER NOT NULL,
	detail      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS command_log_workspace_idx ON command_log(workspace, id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionlog: create schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Record inserts one command/response pair for workspace, then trims rows
// beyond auditRingCap for that workspace. Record never returns an error to
// its caller in practice (ccserver logs and swallows failures) since an
// audit write must never block or fail a live command.
func (a *AuditStore) Record(workspace, verb string, startedAt time.Time, dur time.Duration, ok bool, detail string) error {
	if a == nil || a.db == nil {
		return nil
	}
	_, err := a.db.Exec(
		`INSERT INTO command_log (workspace, verb, started_at, duration_ms, ok, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		workspace, verb, startedAt.Unix(), dur.Milliseconds(), boolToInt(ok), detail,
	)
	if err != nil {
		return fmt.Errorf("sessionlog: record: %w", err)
	}
	_, err = a.db.Exec(
		`DELETE FROM command_log WHERE workspace = ? AND id NOT IN (
			SELECT id FROM command_log WHERE workspace = ? ORDER BY id DESC LIMIT ?
		)`,
		workspace, workspace, auditRingCap,
	)
	if err != nil {
		return fmt.Errorf("sessionlog: trim: %w", err)
	}
	return nil
}

// Recent returns up to limit most-recent entries for workspace, newest
// first — the data behind display-message's "#{command_log}" variable.
func (a *AuditStore) Recent(workspace string, limit int) ([]AuditEntry, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	rows, err := a.db.Query(
		`SELECT verb, started_at, duration_ms, ok, detail FROM command_log
		 WHERE workspace = ? ORDER BY id DESC LIMIT ?`,
		workspace, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: recent: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			verb       string
			startedUnix int64
			durMs      int64
			okInt      int
			detail     string
		)
		if err := rows.Scan(&verb, &startedUnix, &durMs, &okInt, &detail); err != nil {
			return nil, fmt.Errorf("sessionlog: scan: %w", err)
		}
		out = append(out, AuditEntry{
			Verb:      verb,
			StartedAt: time.Unix(startedUnix, 0),
			Duration:  time.Duration(durMs) * time.Millisecond,
			OK:        okInt != 0,
			Detail:    detail,
		})
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (a *AuditStore) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
