package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/model"
)

type opRow struct {
	ID             int64  `db:"id"`
	AccountID      string `db:"account_id"`
	FolderID       string `db:"folder_id"`
	TargetRef      string `db:"target_ref"`
	Kind           string `db:"kind"`
	Payload        string `db:"payload"`
	Placeholder    string `db:"placeholder"`
	IdempotencyKey string `db:"idempotency_key"`
	CreatedAt      int64  `db:"created_at"`
	Attempts       int    `db:"attempts"`
	LastErrorKind  string `db:"last_error_kind"`
	LastError      string `db:"last_error"`
	NextAttemptAt  int64  `db:"next_attempt_at"`
	Status         string `db:"status"`
}

const opColumns = `id, account_id, folder_id, target_ref, kind, payload, placeholder, idempotency_key,
	created_at, attempts, last_error_kind, last_error, next_attempt_at, status`

func (r opRow) operation() (model.Operation, error) {
	op := model.Operation{
		ID:             r.ID,
		AccountID:      r.AccountID,
		FolderID:       r.FolderID,
		TargetRef:      r.TargetRef,
		Kind:           model.OpKind(r.Kind),
		Placeholder:    r.Placeholder,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      time.UnixMilli(r.CreatedAt).UTC(),
		Attempts:       r.Attempts,
		LastErrorKind:  model.ErrorKind(r.LastErrorKind),
		LastError:      r.LastError,
		Status:         model.OpStatus(r.Status),
	}
	if r.NextAttemptAt > 0 {
		op.NextAttemptAt = time.UnixMilli(r.NextAttemptAt).UTC()
	}
	if err := json.Unmarshal([]byte(r.Payload), &op.Payload); err != nil {
		return model.Operation{}, fmt.Errorf("failed to decode payload of op %d: %w", r.ID, err)
	}
	return op, nil
}

// Enqueue stores a new pending operation and returns its id. An operation
// whose idempotency key is already queued or applied is not stored twice;
// the existing id is returned.
func (s *Store) Enqueue(ctx context.Context, op model.Operation) (int64, error) {
	if op.AccountID == "" {
		return 0, fmt.Errorf("enqueue: missing account id")
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.now()
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id, `SELECT id FROM operations WHERE idempotency_key = ?`, op.IdempotencyKey)
		if err == nil {
			return nil
		}
		if !isNoRows(err) {
			return fmt.Errorf("failed to look up idempotency key: %w", err)
		}
		err = tx.GetContext(ctx, &id, `SELECT operation_id FROM applied_keys WHERE idempotency_key = ?`, op.IdempotencyKey)
		if err == nil {
			return nil
		}
		if !isNoRows(err) {
			return fmt.Errorf("failed to look up applied key: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO operations (account_id, folder_id, target_ref, kind, payload, placeholder,
				idempotency_key, created_at, next_attempt_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 'pending')
		`, op.AccountID, op.FolderID, op.TargetRef, string(op.Kind), string(payload), op.Placeholder,
			op.IdempotencyKey, op.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert operation: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PeekBatch returns up to maxN pending operations of one folder that are
// ready to apply, oldest first. Operations bound to no folder are included
// when includeUnscoped is set. Operations on one message keep creation
// order: once an operation is held back (not yet due, or targeting a message
// whose remote id is still a placeholder), every later operation on the same
// message is held back too.
func (s *Store) PeekBatch(ctx context.Context, accountID, folderID string, includeUnscoped bool, maxN int) ([]model.Operation, error) {
	var rows []opRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT `+opColumns+`
		FROM operations
		WHERE account_id = ? AND status = 'pending'
			AND (folder_id = ? OR (? AND folder_id = ''))
		ORDER BY id
	`, accountID, folderID, includeUnscoped)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}

	now := s.now()
	held := make(map[string]bool)
	var batch []model.Operation
	for _, r := range rows {
		if maxN > 0 && len(batch) >= maxN {
			break
		}
		op, err := r.operation()
		if err != nil {
			return nil, err
		}
		key := op.MessageKey()
		if held[key] {
			continue
		}
		if op.NextAttemptAt.After(now) || model.IsPlaceholder(op.TargetRef) {
			held[key] = true
			continue
		}
		batch = append(batch, op)
	}
	return batch, nil
}

// Get returns one operation.
func (s *Store) Get(ctx context.Context, id int64) (model.Operation, error) {
	var r opRow
	err := s.DB.GetContext(ctx, &r, `SELECT `+opColumns+` FROM operations WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return model.Operation{}, fmt.Errorf("op %d: %w", id, model.ErrUnknownOperation)
		}
		return model.Operation{}, fmt.Errorf("failed to load op %d: %w", id, err)
	}
	return r.operation()
}

// MarkApplied records that an operation took effect remotely and removes it
// from the queue. Pending operations that target its placeholder are
// rewritten to the real remote id.
func (s *Store) MarkApplied(ctx context.Context, id int64, remoteID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.markAppliedTx(ctx, tx, id, remoteID)
	})
}

func (s *Store) markAppliedTx(ctx context.Context, tx *sqlx.Tx, id int64, remoteID string) error {
	var r opRow
	err := tx.GetContext(ctx, &r, `SELECT `+opColumns+` FROM operations WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("op %d: %w", id, model.ErrUnknownOperation)
		}
		return fmt.Errorf("failed to load op %d: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO applied_keys (idempotency_key, account_id, operation_id, remote_id, applied_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, r.IdempotencyKey, r.AccountID, r.ID, remoteID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record applied key: %w", err)
	}

	if r.Placeholder != "" && remoteID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE operations SET target_ref = ?
			WHERE account_id = ? AND target_ref = ? AND status = 'pending'
		`, remoteID, r.AccountID, r.Placeholder)
		if err != nil {
			return fmt.Errorf("failed to resolve placeholder: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove applied op: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt and when the operation may run again.
func (s *Store) MarkFailed(ctx context.Context, id int64, kind model.ErrorKind, msg string, retryAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE operations
		SET attempts = attempts + 1,
		    last_error_kind = ?,
		    last_error = ?,
		    next_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(kind), msg, retryAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark op %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op %d: %w", id, model.ErrUnknownOperation)
	}
	return nil
}

// MarkDead moves an operation to the dead-letter state and records an event
// for it in the same transaction.
func (s *Store) MarkDead(ctx context.Context, id int64, kind model.ErrorKind, msg string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.markDeadTx(ctx, tx, id, kind, msg)
	})
}

func (s *Store) markDeadTx(ctx context.Context, tx *sqlx.Tx, id int64, kind model.ErrorKind, msg string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET status = 'dead',
		    attempts = attempts + 1,
		    last_error_kind = ?,
		    last_error = CASE WHEN ? != '' THEN ? ELSE last_error END
		WHERE id = ? AND status = 'pending'
	`, string(kind), msg, msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark op %d dead: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op %d: %w", id, model.ErrUnknownOperation)
	}

	var r opRow
	if err := tx.GetContext(ctx, &r, `SELECT `+opColumns+` FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to reload op %d: %w", id, err)
	}
	op, err := r.operation()
	if err != nil {
		return err
	}

	typ := model.EventOperationDead
	if kind == model.KindQueueExhausted {
		typ = model.EventQueueExhausted
	}
	// The transition to dead happens once per row state, so a fresh id is
	// stable for this event.
	msgID := "dead-" + strconv.FormatInt(id, 10) + "-" + uuid.NewString()
	ev, err := model.NewEvent(typ, op.AccountID, op.FolderID, msgID, op)
	if err != nil {
		return err
	}
	return s.appendEventTx(ctx, tx, ev)
}

// Retarget points an operation at a new location of its message.
func (s *Store) Retarget(ctx context.Context, id int64, ref model.MessageRef) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE operations SET folder_id = ?, target_ref = ?
		WHERE id = ? AND status = 'pending'
	`, ref.FolderID, ref.RemoteID, id)
	if err != nil {
		return fmt.Errorf("failed to retarget op %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op %d: %w", id, model.ErrUnknownOperation)
	}
	return nil
}

// LookupApplied returns the remote id recorded for an idempotency key.
func (s *Store) LookupApplied(ctx context.Context, key string) (string, bool, error) {
	var remoteID string
	err := s.DB.GetContext(ctx, &remoteID, `SELECT remote_id FROM applied_keys WHERE idempotency_key = ?`, key)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up applied key: %w", err)
	}
	return remoteID, true, nil
}

// Status counts pending and dead operations of an account.
func (s *Store) Status(ctx context.Context, accountID string) (model.QueueStatus, error) {
	st := model.QueueStatus{AccountID: accountID}
	err := s.DB.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0)
		FROM operations WHERE account_id = ?
	`, accountID).Scan(&st.Pending, &st.Dead)
	if err != nil {
		return model.QueueStatus{}, fmt.Errorf("failed to count queue: %w", err)
	}
	return st, nil
}

// DeadLetters lists the dead operations of an account, oldest first.
func (s *Store) DeadLetters(ctx context.Context, accountID string) ([]model.Operation, error) {
	var rows []opRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT `+opColumns+`
		FROM operations
		WHERE account_id = ? AND status = 'dead'
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	ops := make([]model.Operation, 0, len(rows))
	for _, r := range rows {
		op, err := r.operation()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Requeue returns a dead operation to the queue with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id int64) (model.Operation, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE operations
		SET status = 'pending',
		    attempts = 0,
		    last_error_kind = '',
		    last_error = '',
		    next_attempt_at = 0
		WHERE id = ? AND status = 'dead'
	`, id)
	if err != nil {
		return model.Operation{}, fmt.Errorf("failed to requeue op %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Operation{}, fmt.Errorf("op %d is not dead: %w", id, model.ErrUnknownOperation)
	}
	return s.Get(ctx, id)
}
