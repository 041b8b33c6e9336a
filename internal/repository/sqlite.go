package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

const defaultPollInterval = 250 * time.Millisecond

// SQLiteStore implements DocumentStore using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	notifier     Notifier
	pollInterval time.Duration
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	notifier     Notifier
	pollInterval time.Duration
}

// WithNotifier replaces the in-process notifier, e.g. with Redis when
// several processes share one database.
func WithNotifier(n Notifier) Option {
	return func(o *storeOptions) { o.notifier = n }
}

// WithPollInterval bounds how long a live query can miss a write whose
// wake-up was lost.
func WithPollInterval(d time.Duration) Option {
	return func(o *storeOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = NewLocalNotifier()
	}
	return o
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	o := buildOptions(opts)
	store := &SQLiteStore{db: db, notifier: o.notifier, pollInterval: o.pollInterval}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			sender TEXT NOT NULL,
			ts INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, ts, doc_id)`,
		`CREATE TABLE IF NOT EXISTS claims (
			collection TEXT NOT NULL,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			claimed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, name)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	nerr := s.notifier.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return nerr
}

// Create appends a document. The timestamp is computed inside the insert
// so commit order and timestamp order agree.
func (s *SQLiteStore) Create(ctx context.Context, key domain.ChannelKey, msg domain.Message) (domain.Message, error) {
	msg.ID = uuid.NewString()
	msg.ChannelID = key.Ticket

	query := `INSERT INTO documents (doc_id, collection, text, sender, ts)
		SELECT ?, ?, ?, ?, MAX(?, COALESCE(MAX(ts), 0) + 1)
		FROM documents WHERE collection = ?
		RETURNING ts`
	err := s.db.QueryRowContext(ctx, query,
		msg.ID, key.Path(), msg.Text, msg.Sender, time.Now().UnixMilli(), key.Path(),
	).Scan(&msg.Timestamp)
	if err != nil {
		return domain.Message{}, mapSQLiteError("create", err)
	}

	_ = s.notifier.Publish(ctx, key)
	return msg, nil
}

// CreateIfEmpty inserts msg only when the collection has no documents.
func (s *SQLiteStore) CreateIfEmpty(ctx context.Context, key domain.ChannelKey, msg domain.Message) (domain.Message, bool, error) {
	msg.ID = uuid.NewString()
	msg.ChannelID = key.Ticket

	query := `INSERT INTO documents (doc_id, collection, text, sender, ts)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM documents WHERE collection = ?)
		RETURNING ts`
	err := s.db.QueryRowContext(ctx, query,
		msg.ID, key.Path(), msg.Text, msg.Sender, time.Now().UnixMilli(), key.Path(),
	).Scan(&msg.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, mapSQLiteError("create if empty", err)
	}

	_ = s.notifier.Publish(ctx, key)
	return msg, true, nil
}

// Query returns the documents after the cursor ordered by (ts, doc_id).
func (s *SQLiteStore) Query(ctx context.Context, key domain.ChannelKey, after domain.Cursor) ([]domain.Message, error) {
	query := `SELECT doc_id, text, sender, ts FROM documents
		WHERE collection = ? AND (ts > ? OR (ts = ? AND doc_id > ?))
		ORDER BY ts ASC, doc_id ASC`
	rows, err := s.db.QueryContext(ctx, query, key.Path(), after.Timestamp, after.Timestamp, after.ID)
	if err != nil {
		return nil, mapSQLiteError("query", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m := domain.Message{ChannelID: key.Ticket}
		if err := rows.Scan(&m.ID, &m.Text, &m.Sender, &m.Timestamp); err != nil {
			return nil, mapSQLiteError("scan", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError("query", err)
	}
	return msgs, nil
}

// LiveQuery streams documents after the cursor. Writes through this
// process wake the stream immediately; others are picked up by polling.
func (s *SQLiteStore) LiveQuery(ctx context.Context, key domain.ChannelKey, after domain.Cursor) (LiveStream, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, mapSQLiteError("live query", err)
	}
	wake, release := s.notifier.Subscribe(ctx, key)
	return newPollStream(ctx, after, s.pollInterval, wake, release,
		func(ctx context.Context, cursor domain.Cursor) ([]domain.Message, error) {
			return s.Query(ctx, key, cursor)
		}), nil
}

// Claim inserts a unique claim record for (key, name).
func (s *SQLiteStore) Claim(ctx context.Context, key domain.ChannelKey, name, owner string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE collection = ? AND name = ? AND claimed_at < datetime('now', ?)`,
		key.Path(), name, fmt.Sprintf("-%d seconds", int(ClaimTTL/time.Second)),
	)
	if err != nil {
		return false, mapSQLiteError("claim", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO claims (collection, name, owner) VALUES (?, ?, ?)`,
		key.Path(), name, owner,
	)
	if err == nil {
		return true, nil
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return false, mapSQLiteError("claim", err)
	}

	var holder string
	err = s.db.QueryRowContext(ctx,
		`SELECT owner FROM claims WHERE collection = ? AND name = ?`,
		key.Path(), name,
	).Scan(&holder)
	if err != nil {
		return false, mapSQLiteError("claim", err)
	}
	return holder == owner, nil
}

// Release drops a claim held by owner.
func (s *SQLiteStore) Release(ctx context.Context, key domain.ChannelKey, name, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE collection = ? AND name = ? AND owner = ?`,
		key.Path(), name, owner,
	)
	if err != nil {
		return mapSQLiteError("release", err)
	}
	return nil
}

// mapSQLiteError marks lock contention and a closed database as transient.
func mapSQLiteError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
