package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore is the durable single-node backend: every record is one JSON
// document row, so sessions survive a daemon restart. Change notifications
// are in-process only; there is no cross-process feed, which is fine for
// the one-device deployment this backend targets.
type SQLiteStore struct {
	conn     *sql.DB
	logger   *logrus.Logger
	notifier *notifier

	// Serializes read-merge-write cycles. The sql.DB below is safe for
	// concurrent use, but a partial update spans two statements.
	mu sync.Mutex

	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

// NewSQLiteStore opens (or creates) the record database at the given path
// and ensures the schema exists. Caller should Close() it when finished.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}

	// SQLite works better with fewer connections
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS records (
		key        TEXT PRIMARY KEY,
		doc        TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}

	s := &SQLiteStore{
		conn:     conn,
		logger:   logger,
		notifier: newNotifier(),
	}
	if err := s.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	if s.getStmt, err = s.conn.Prepare(`SELECT doc FROM records WHERE key = ?`); err != nil {
		return err
	}
	if s.upsertStmt, err = s.conn.Prepare(`INSERT INTO records (key, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`); err != nil {
		return err
	}
	if s.deleteStmt, err = s.conn.Prepare(`DELETE FROM records WHERE key = ?`); err != nil {
		return err
	}
	return nil
}

// loadRecord reads and decodes one record document. Caller holds s.mu when
// the read is part of a merge cycle.
func (s *SQLiteStore) loadRecord(ctx context.Context, key string) (interface{}, bool, error) {
	var raw string
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load record %s: %w", key, err)
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		// A corrupt row degrades to "absent" rather than poisoning reads.
		s.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable record")
		return nil, false, nil
	}
	return doc, true, nil
}

func (s *SQLiteStore) storeRecord(ctx context.Context, key string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}
	if _, err := s.upsertStmt.ExecContext(ctx, key, string(raw), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to store record %s: %w", key, err)
	}
	return nil
}

// mutate runs one read-merge-write cycle on a record and notifies watchers.
// apply returns the new document; returning nil deletes the record.
func (s *SQLiteStore) mutate(ctx context.Context, key string, apply func(old interface{}) interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, _, err := s.loadRecord(ctx, key)
	if err != nil {
		return err
	}
	updated := apply(cloneValue(old))
	if updated == nil {
		if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", key, err)
		}
	} else if err := s.storeRecord(ctx, key, updated); err != nil {
		return err
	}

	s.notifier.notify(key, old, updated)
	return nil
}

// Get reads the value at path.
func (s *SQLiteStore) Get(ctx context.Context, path string) (interface{}, bool, error) {
	key, fields, err := recordPath(path)
	if err != nil {
		return nil, false, err
	}
	record, ok, err := s.loadRecord(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, ok := getField(record, fields)
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

// Set replaces the value at path.
func (s *SQLiteStore) Set(ctx context.Context, path string, value interface{}) error {
	key, fields, err := recordPath(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, key, func(old interface{}) interface{} {
		return setField(old, fields, cloneValue(value))
	})
}

// UpdateChildren applies sibling-field writes under path in one cycle.
func (s *SQLiteStore) UpdateChildren(ctx context.Context, path string, fields map[string]interface{}) error {
	key, base, err := recordPath(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, key, func(old interface{}) interface{} {
		record := old
		for field, value := range fields {
			segs := append(append([]string{}, base...), splitPath(field)...)
			record = setField(record, segs, cloneValue(value))
		}
		return record
	})
}

// Push returns a fresh child id for path.
func (s *SQLiteStore) Push(_ context.Context, _ string) (string, error) {
	return NewPushID(), nil
}

// Remove deletes the value at path.
func (s *SQLiteStore) Remove(ctx context.Context, path string) error {
	key, fields, err := recordPath(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, key, func(old interface{}) interface{} {
		if len(fields) == 0 {
			return nil
		}
		return setField(old, fields, nil)
	})
}

// Observe watches the value at path.
func (s *SQLiteStore) Observe(path string) (*Subscription, error) {
	key, fields, err := recordPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	current, exists, err := s.loadRecord(context.Background(), key)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := s.notifier.subscribeValue(key, fields, current, exists)
	s.mu.Unlock()
	return sub, nil
}

// ObserveChildren watches child events for the record at path.
func (s *SQLiteStore) ObserveChildren(path string, limit int) (*ChildSubscription, error) {
	key, fields, err := recordPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	record, _, err := s.loadRecord(context.Background(), key)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	current, _ := getField(record, fields)
	sub := s.notifier.subscribeChildren(key, fields, current, limit)
	s.mu.Unlock()
	return sub, nil
}

// Close cancels subscriptions and closes the database.
func (s *SQLiteStore) Close() error {
	s.notifier.closeAll()
	for _, stmt := range []*sql.Stmt{s.getStmt, s.upsertStmt, s.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.conn.Close()
}
