package maildrop

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// PersistenceError wraps a failed durable write of tracker state. Losing
// dedup state silently risks duplicate build triggers, so the watch cycle
// treats this as fatal and retries rather than proceeding to emission.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("maildrop: tracker %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Tracker is the durable processed-set: it remembers which maildir entries
// have already been surfaced to the scheduler so restarts never re-emit old
// changes. Backed by a SQLite file private to one maildir.
//
// The tracker favors false negatives: a crash after emitting but before
// marking yields a duplicate on restart, never a silent loss.
type Tracker struct {
	db *sql.DB
}

// OpenTracker opens (creating if needed) the tracker database at path.
// synchronous=FULL makes a committed mark durable before MarkProcessed
// returns, which is what lets "mark before move" carry the at-most-once
// guarantee across crashes.
func OpenTracker(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	// Single-writer discipline: the consume loop is the only writer.
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS processed (
		id      TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "init schema", Err: err}
	}
	return &Tracker{db: db}, nil
}

// HasProcessed reports whether id was already marked processed.
func (t *Tracker) HasProcessed(id string) (bool, error) {
	var n int
	err := t.db.QueryRow(`SELECT COUNT(*) FROM processed WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, &PersistenceError{Op: "lookup", Err: err}
	}
	return n > 0, nil
}

// MarkProcessed durably records id as processed. Idempotent: marking an
// already-marked id is not an error.
func (t *Tracker) MarkProcessed(id string) error {
	_, err := t.db.Exec(`INSERT OR IGNORE INTO processed (id, seen_at) VALUES (?, ?)`,
		id, time.Now().Unix())
	if err != nil {
		return &PersistenceError{Op: "mark", Err: err}
	}
	return nil
}

// Prune drops tracked ids whose backing file no longer exists in the
// maildir. Membership only matters for entries still physically present,
// so this bounds tracker growth.
func (t *Tracker) Prune(present map[string]struct{}) error {
	rows, err := t.db.Query(`SELECT id FROM processed`)
	if err != nil {
		return &PersistenceError{Op: "prune scan", Err: err}
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return &PersistenceError{Op: "prune scan", Err: err}
		}
		if _, ok := present[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return &PersistenceError{Op: "prune scan", Err: err}
	}
	rows.Close()

	for _, id := range stale {
		if _, err := t.db.Exec(`DELETE FROM processed WHERE id = ?`, id); err != nil {
			return &PersistenceError{Op: "prune", Err: err}
		}
	}
	return nil
}

// Count returns the number of tracked entries. Used by doctor-style
// inspection and tests.
func (t *Tracker) Count() (int, error) {
	var n int
	if err := t.db.QueryRow(`SELECT COUNT(*) FROM processed`).Scan(&n); err != nil {
		return 0, &PersistenceError{Op: "count", Err: err}
	}
	return n, nil
}

// Close flushes and closes the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}
