// Package audit keeps an append-only journal of every project, task, and
// worker state transition in a sqlite database next to the project registry.
// The journal is advisory: a failed write is logged and dropped, it never
// blocks or fails the transition itself.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dragonsden/den/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TEXT NOT NULL,
	entity     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	actor      TEXT NOT NULL,
	detail     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity, entity_id);
`

// Entry is one recorded transition.
type Entry struct {
	ID       int64
	Time     time.Time
	Entity   string
	EntityID string
	From     string
	To       string
	Actor    string
	Detail   string
}

// Journal writes transitions to sqlite. Satisfies store.Journal.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// modernc sqlite serialises writes itself; one connection avoids
	// SQLITE_BUSY under concurrent supervisors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise audit schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one transition. Failures are logged and swallowed.
func (j *Journal) Record(entity, entityID, from, to, actor, detail string) {
	_, err := j.db.Exec(
		`INSERT INTO transitions (ts, entity, entity_id, from_state, to_state, actor, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), entity, entityID, from, to, actor, detail,
	)
	if err != nil {
		logger.WarnCF("audit", "journal write failed", map[string]any{
			"entity": entity,
			"id":     entityID,
			"error":  err.Error(),
		})
	}
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT id, ts, entity, entity_id, from_state, to_state, actor, detail FROM transitions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ForEntity returns all transitions of one entity, oldest first.
func (j *Journal) ForEntity(entity, entityID string) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, ts, entity, entity_id, from_state, to_state, actor, detail FROM transitions WHERE entity = ? AND entity_id = ? ORDER BY id ASC`,
		entity, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Entity, &e.EntityID, &e.From, &e.To, &e.Actor, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Time = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
