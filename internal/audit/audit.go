// Package audit provides a tamper-evident trail of marketplace transitions.
// Each entry carries the hash of the previous entry, so any rewrite of
// history is detectable by walking the chain.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("audit")

var ErrChainBroken = errors.New("audit chain integrity violation")

const (
	// TrailDBFile is the database file name under the base path.
	TrailDBFile = "audit.db"

	// genesisHash seeds the chain before the first entry.
	genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Entry is a single recorded transition.
type Entry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	Actor        string    `json:"actor"`
	Target       string    `json:"target"`
	Description  string    `json:"description"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// Trail is the hash-linked transition log.
type Trail struct {
	db       *sql.DB
	lastHash string
	mu       sync.Mutex
}

// NewTrail opens (or creates) the audit trail under basePath.
func NewTrail(basePath string) (*Trail, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	dbPath := filepath.Join(basePath, TrailDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	t := &Trail{db: db, lastHash: genesisHash}
	if err := t.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit database: %w", err)
	}
	if err := t.loadLastHash(); err != nil {
		log.Warnf("Failed to load last hash: %v", err)
	}

	return t, nil
}

func (t *Trail) initDB() error {
	_, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_trail (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT NOT NULL,
			target TEXT NOT NULL,
			description TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_trail(event_type);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_trail(target);
	`)
	return err
}

func (t *Trail) loadLastHash() error {
	var hash string
	err := t.db.QueryRow(`SELECT entry_hash FROM audit_trail ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		t.lastHash = genesisHash
		return nil
	}
	if err != nil {
		return err
	}
	t.lastHash = hash
	return nil
}

// Record appends a transition to the trail. Failures are logged, not
// propagated: the transition itself has already committed, and the engine
// does not roll back on a trail write error.
func (t *Trail) Record(eventType, actor, target, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Actor:        actor,
		Target:       target,
		Description:  description,
		PreviousHash: t.lastHash,
	}
	e.EntryHash = computeEntryHash(e)

	_, err := t.db.Exec(`
		INSERT INTO audit_trail (timestamp, event_type, actor, target, description, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.Unix(), e.EventType, e.Actor, e.Target, e.Description, e.PreviousHash, e.EntryHash)
	if err != nil {
		log.Errorf("Failed to write audit entry: %v", err)
		return
	}

	t.lastHash = e.EntryHash
	log.Debugf("Audit: [%s] %s %s - %s", e.EventType, e.Actor, e.Target, e.Description)
}

func computeEntryHash(e Entry) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		e.Timestamp.Unix(), e.EventType, e.Actor, e.Target, e.Description, e.PreviousHash)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Verify walks the whole chain and reports the first break, if any.
func (t *Trail) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`
		SELECT id, timestamp, event_type, actor, target, description, previous_hash, entry_hash
		FROM audit_trail ORDER BY id ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	expectedPrev := genesisHash
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Actor, &e.Target,
			&e.Description, &e.PreviousHash, &e.EntryHash); err != nil {
			return fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()

		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, e.ID, e.PreviousHash, expectedPrev)
		}
		if computeEntryHash(e) != e.EntryHash {
			return fmt.Errorf("%w: entry %d content does not match its hash", ErrChainBroken, e.ID)
		}
		expectedPrev = e.EntryHash
	}
	return rows.Err()
}

// Recent returns the most recent entries, newest first.
func (t *Trail) Recent(limit int) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.Query(`
		SELECT id, timestamp, event_type, actor, target, description, previous_hash, entry_hash
		FROM audit_trail ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Actor, &e.Target,
			&e.Description, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (t *Trail) Close() error {
	return t.db.Close()
}
