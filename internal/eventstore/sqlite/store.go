// Package sqlite persists sync cursors, the offline operation queue and the
// event outbox in one SQLite database so that a cycle commit is a single
// transaction.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	// DriverModernc is the pure Go driver.
	DriverModernc = "sqlite"
	// DriverCgo is the mattn/go-sqlite3 driver.
	DriverCgo = "sqlite3"
)

// Store is the durable sync state of all accounts.
type Store struct {
	DB  *sqlx.DB
	now func() time.Time
}

// OutboxMessage is an event waiting to be published.
type OutboxMessage struct {
	ID        int64  `db:"id"`
	Subject   string `db:"subject"`
	EventType string `db:"event_type"`
	AccountID string `db:"account_id"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
	Retries   int    `db:"retries"`
}

// Open opens or creates the state database at dbPath with the named driver.
func Open(driver, dbPath string) (*Store, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, dsn(driver, dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

func dsn(driver, path string) string {
	switch driver {
	case DriverCgo:
		return "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	default:
		return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// SetClock replaces the time source. Tests use it to control retry schedules.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// AppendEvent writes a single event to the outbox.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.appendEventTx(ctx, tx, ev)
	})
}

// appendEventTx inserts an outbox entry. A repeated msg_id is ignored so an
// event surfaces once even if the action that produced it is replayed.
func (s *Store) appendEventTx(ctx context.Context, tx *sqlx.Tx, ev model.Event) error {
	now := s.now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_outbox (ts, subject, event_type, account_id, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, now, ev.Subject(), string(ev.Type), ev.AccountID, ev.Payload, ev.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished events that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.DB.SelectContext(ctx, &messages, `
		SELECT id, subject, event_type, account_id, payload, msg_id, retries
		FROM event_outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox entry as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PruneOutbox removes published entries older than the cutoff.
func (s *Store) PruneOutbox(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM event_outbox WHERE published_at IS NOT NULL AND published_at < ?
	`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return res.RowsAffected()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
