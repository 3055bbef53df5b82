// Package journal keeps an append-only record of every event the engines
// publish, for audit and postmortem queries. It deliberately sits on
// database/sql rather than Gorm: the table is insert-heavy, schema-stable
// and queried with two fixed indexes.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"galata/internal/events"
	"galata/internal/logger"
)

// Store is the SQLite-backed event journal.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
}

// Entry is one journaled event as served to the query API.
type Entry struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Timestamp int64           `json:"ts"`
	AccountID string          `json:"account_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Query filters Recent. Zero values mean "no filter".
type Query struct {
	AccountID string
	Type      string
	Limit     int
}

// NewStore opens (creating if needed) the journal database at path.
func NewStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, ownsDB: true}, nil
}

// UseExternalDB reuses an already-open SQLite connection (for example the
// one behind the Gorm store) to avoid cross-connection lock contention.
func (s *Store) UseExternalDB(db *sql.DB) error {
	if s == nil {
		return fmt.Errorf("journal store not initialized")
	}
	if db == nil {
		return fmt.Errorf("external db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsDB && s.db != nil && s.db != db {
		_ = s.db.Close()
	}
	s.db = db
	s.ownsDB = false
	return nil
}

// Close closes the underlying DB if this store owns it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT UNIQUE,
			ts INTEGER NOT NULL,
			account_id TEXT,
			type TEXT NOT NULL,
			payload_json TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_journal_account_ts ON event_journal(account_id, ts DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_event_journal_type_ts ON event_journal(type, ts DESC, id DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
	}
	return nil
}

// Append writes one event. The UNIQUE event_id makes re-delivery harmless.
func (s *Store) Append(ctx context.Context, evt events.Event) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("journal store not initialized")
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("journal payload: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_journal (event_id, ts, account_id, type, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.At.UnixMilli(), evt.AccountID, string(evt.Type), string(payload), time.Now().UnixMilli())
	return err
}

// Attach subscribes the journal to the bus. Failed writes are logged and
// dropped; the journal is an audit trail, not the source of truth.
func (s *Store) Attach(bus *events.Bus) {
	bus.Subscribe("journal", 512, func(evt events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Append(ctx, evt); err != nil {
			logger.Warnf("journal: append %s failed: %v", evt.Type, err)
		}
	})
}

// Recent returns the newest matching entries, newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("journal store not initialized")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		conds []string
		args  []any
	)
	if q.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, q.AccountID)
	}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.Type)
	}
	query := "SELECT id, event_id, ts, account_id, type, payload_json FROM event_journal"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload sql.NullString
		var account sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.Timestamp, &account, &e.Type, &payload); err != nil {
			return nil, err
		}
		e.AccountID = account.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
