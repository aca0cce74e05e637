// Package store is the local message store the sync engine merges remote
// changes into. Every write is keyed by (account, folder, remote id), so
// replaying a merge leaves the same state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Message is the local copy of a message's metadata.
type Message struct {
	AccountID string `db:"account_id" json:"account_id"`
	FolderID  string `db:"folder_id" json:"folder_id"`
	RemoteID  string `db:"remote_id" json:"remote_id"`
	MessageID string `db:"message_id" json:"message_id,omitempty"`
	Subject   string `db:"subject" json:"subject,omitempty"`
	From      string `db:"sender" json:"from,omitempty"`
	SentAt    int64  `db:"sent_at" json:"sent_at,omitempty"`
	Size      int64  `db:"size" json:"size,omitempty"`
	FlagsJSON string `db:"flags" json:"-"`
	// RemoteFlagsJSON holds the flags last reported by the server.
	RemoteFlagsJSON string `db:"remote_flags" json:"-"`
	LocalOnly       bool   `db:"local_only" json:"local_only"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// Flags decodes the local flags.
func (m Message) Flags() []string {
	return decodeFlags(m.FlagsJSON)
}

// RemoteFlags decodes the flags last seen on the server.
func (m Message) RemoteFlags() []string {
	return decodeFlags(m.RemoteFlagsJSON)
}

// MessageStore is a SQLite-backed local message store.
type MessageStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (or creates) the message database and runs pending migrations.
func Open(driver, dbPath string) (*MessageStore, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sqlx.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &MessageStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func (s *MessageStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// MergeRemoteItems applies remote changes to one folder and returns how many
// rows changed. Flag changes and removals of unknown messages are ignored.
func (s *MessageStore) MergeRemoteItems(ctx context.Context, accountID, folderID string, items []model.RemoteItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	applied := 0
	for _, it := range items {
		var n int64
		switch it.Change {
		case model.ChangeAdded:
			n, err = upsert(ctx, tx, accountID, folderID, it.RemoteID, it.Summary, it.Flags, now)
		case model.ChangeFlags:
			flags := encodeFlags(it.Flags)
			n, err = exec(ctx, tx, `
				UPDATE messages SET flags = ?, remote_flags = ?, updated_at = ?
				WHERE account_id = ? AND folder_id = ? AND remote_id = ?
			`, flags, flags, now, accountID, folderID, it.RemoteID)
		case model.ChangeRemoved:
			n, err = exec(ctx, tx, `
				DELETE FROM messages WHERE account_id = ? AND folder_id = ? AND remote_id = ?
			`, accountID, folderID, it.RemoteID)
		case model.ChangeMoved:
			n, err = move(ctx, tx, accountID, folderID, it, now)
		default:
			err = fmt.Errorf("unknown change kind %d", it.Change)
		}
		if err != nil {
			return 0, fmt.Errorf("merging %s %s: %w", it.Change, it.RemoteID, err)
		}
		applied += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing merge: %w", err)
	}
	return applied, nil
}

func upsert(ctx context.Context, tx *sqlx.Tx, accountID, folderID, remoteID string, sum model.MessageSummary, flags []string, now int64) (int64, error) {
	enc := encodeFlags(flags)
	var sentAt int64
	if !sum.Date.IsZero() {
		sentAt = sum.Date.Unix()
	}
	return exec(ctx, tx, `
		INSERT INTO messages (account_id, folder_id, remote_id, message_id, subject, sender, sent_at, size,
			flags, remote_flags, local_only, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(account_id, folder_id, remote_id) DO UPDATE SET
			message_id = CASE WHEN excluded.message_id != '' THEN excluded.message_id ELSE messages.message_id END,
			subject = CASE WHEN excluded.subject != '' THEN excluded.subject ELSE messages.subject END,
			sender = CASE WHEN excluded.sender != '' THEN excluded.sender ELSE messages.sender END,
			sent_at = CASE WHEN excluded.sent_at != 0 THEN excluded.sent_at ELSE messages.sent_at END,
			size = CASE WHEN excluded.size != 0 THEN excluded.size ELSE messages.size END,
			flags = excluded.flags,
			remote_flags = excluded.remote_flags,
			local_only = 0,
			updated_at = excluded.updated_at
	`, accountID, folderID, remoteID, sum.MessageID, sum.Subject, sum.From, sentAt, sum.Size, enc, enc, now)
}

// move relocates a row. When the source row is already gone (a replay) the
// destination is still upserted from the item itself.
func move(ctx context.Context, tx *sqlx.Tx, accountID, folderID string, it model.RemoteItem, now int64) (int64, error) {
	var m Message
	err := tx.GetContext(ctx, &m, `
		SELECT * FROM messages WHERE account_id = ? AND folder_id = ? AND remote_id = ?
	`, accountID, folderID, it.RemoteID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		if it.Summary.MessageID == "" {
			it.Summary.MessageID = m.MessageID
			it.Summary.Subject = m.Subject
			it.Summary.From = m.From
			it.Summary.Size = m.Size
			if m.SentAt != 0 {
				it.Summary.Date = time.Unix(m.SentAt, 0)
			}
		}
		if it.Flags == nil {
			it.Flags = m.Flags()
		}
		if _, err := exec(ctx, tx, `
			DELETE FROM messages WHERE account_id = ? AND folder_id = ? AND remote_id = ?
		`, accountID, folderID, it.RemoteID); err != nil {
			return 0, err
		}
	}
	if it.ToFolderID == "" || it.NewRemoteID == "" {
		return 1, nil
	}
	return upsert(ctx, tx, accountID, it.ToFolderID, it.NewRemoteID, it.Summary, it.Flags, now)
}

func exec(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReadLocalMutation returns the local view of one message.
func (s *MessageStore) ReadLocalMutation(ctx context.Context, accountID, folderID, remoteID string) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM messages WHERE account_id = ? AND folder_id = ? AND remote_id = ?
	`, accountID, folderID, remoteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading message %s: %w", remoteID, err)
	}
	return &m, nil
}

// RemoteIDs lists the ids of server-known messages in a folder.
func (s *MessageStore) RemoteIDs(ctx context.Context, accountID, folderID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT remote_id FROM messages
		WHERE account_id = ? AND folder_id = ? AND local_only = 0
		ORDER BY remote_id
	`, accountID, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing remote ids: %w", err)
	}
	return ids, nil
}

// Messages lists a folder.
func (s *MessageStore) Messages(ctx context.Context, accountID, folderID string) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages WHERE account_id = ? AND folder_id = ? ORDER BY remote_id
	`, accountID, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// ResolvePlaceholder renames a locally created message once the server has
// assigned its id.
func (s *MessageStore) ResolvePlaceholder(ctx context.Context, accountID, placeholder, remoteID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE OR REPLACE messages SET remote_id = ?, local_only = 0, updated_at = ?
		WHERE account_id = ? AND remote_id = ?
	`, remoteID, s.now().UnixMilli(), accountID, placeholder)
	if err != nil {
		return fmt.Errorf("resolving placeholder %s: %w", placeholder, err)
	}
	return nil
}

// RecordLocal applies a local mutation to the store. It is the write path
// that runs before the matching operation is queued.
func (s *MessageStore) RecordLocal(ctx context.Context, op model.Operation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	switch op.Kind {
	case model.OpFlags:
		var m Message
		err := tx.GetContext(ctx, &m, `
			SELECT * FROM messages WHERE account_id = ? AND folder_id = ? AND remote_id = ?
		`, op.AccountID, op.FolderID, op.TargetRef)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		flags := model.ApplyFlagChange(m.Flags(), op.Payload.Add, op.Payload.Remove)
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET flags = ?, updated_at = ?
			WHERE account_id = ? AND folder_id = ? AND remote_id = ?
		`, encodeFlags(flags), now, op.AccountID, op.FolderID, op.TargetRef)
		if err != nil {
			return fmt.Errorf("updating flags: %w", err)
		}
	case model.OpDelete:
		_, err = tx.ExecContext(ctx, `
			DELETE FROM messages WHERE account_id = ? AND folder_id = ? AND remote_id = ?
		`, op.AccountID, op.FolderID, op.TargetRef)
		if err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
	case model.OpMove:
		_, err = tx.ExecContext(ctx, `
			UPDATE OR REPLACE messages SET folder_id = ?, remote_id = ?, local_only = 1, updated_at = ?
			WHERE account_id = ? AND folder_id = ? AND remote_id = ?
		`, op.Payload.ToFolderID, op.Placeholder, now, op.AccountID, op.FolderID, op.TargetRef)
		if err != nil {
			return fmt.Errorf("moving message: %w", err)
		}
	case model.OpAppend:
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (account_id, folder_id, remote_id, message_id, size, flags, local_only, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		`, op.AccountID, op.FolderID, op.Placeholder, op.Payload.MessageID, len(op.Payload.Raw),
			encodeFlags(op.Payload.Add), now)
		if err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
	case model.OpSend:
		// Sent copies arrive through the next sync of the sent folder.
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing local mutation: %w", err)
	}
	return nil
}

func encodeFlags(flags []string) string {
	data, err := json.Marshal(model.NormalizeFlags(flags))
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeFlags(s string) []string {
	var flags []string
	if s == "" {
		return []string{}
	}
	if err := json.Unmarshal([]byte(s), &flags); err != nil || flags == nil {
		return []string{}
	}
	return flags
}
