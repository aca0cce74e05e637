package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/model"
)

type cursorRow struct {
	AccountID string `db:"account_id"`
	FolderID  string `db:"folder_id"`
	Validity  string `db:"validity"`
	Marker    string `db:"marker"`
	SyncedAt  int64  `db:"synced_at"`
}

// Load returns the cursor for (accountID, folderID), or nil when the folder
// has never been synced or was invalidated.
func (s *Store) Load(ctx context.Context, accountID, folderID string) (*model.Cursor, error) {
	var row cursorRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT account_id, folder_id, validity, marker, synced_at
		FROM sync_cursors WHERE account_id = ? AND folder_id = ?
	`, accountID, folderID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	return &model.Cursor{
		AccountID: row.AccountID,
		FolderID:  row.FolderID,
		Validity:  row.Validity,
		Marker:    row.Marker,
		SyncedAt:  time.UnixMilli(row.SyncedAt).UTC(),
	}, nil
}

// Commit replaces the cursor atomically.
func (s *Store) Commit(ctx context.Context, c model.Cursor) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.commitCursorTx(ctx, tx, c)
	})
}

func (s *Store) commitCursorTx(ctx context.Context, tx *sqlx.Tx, c model.Cursor) error {
	syncedAt := c.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = s.now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, folder_id, validity, marker, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			validity = excluded.validity,
			marker = excluded.marker,
			synced_at = excluded.synced_at
	`, c.AccountID, c.FolderID, c.Validity, c.Marker, syncedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Invalidate drops the cursor, forcing a full resync.
func (s *Store) Invalidate(ctx context.Context, accountID, folderID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM sync_cursors WHERE account_id = ? AND folder_id = ?
	`, accountID, folderID)
	if err != nil {
		return fmt.Errorf("failed to invalidate cursor: %w", err)
	}
	return nil
}

// CommitCycle makes a cycle durable in one transaction: the new cursor, the
// queue verdicts decided by conflict resolution, and the cycle's events.
func (s *Store) CommitCycle(ctx context.Context, cc model.CycleCommit) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.commitCursorTx(ctx, tx, cc.Cursor); err != nil {
			return err
		}
		for _, v := range cc.Verdicts {
			var err error
			switch v.Status {
			case model.StatusApplied:
				err = s.markAppliedTx(ctx, tx, v.OperationID, v.RemoteID)
			case model.StatusDead:
				err = s.markDeadTx(ctx, tx, v.OperationID, v.Kind, "")
			default:
				err = fmt.Errorf("unsupported verdict status %q", v.Status)
			}
			if err != nil {
				return fmt.Errorf("verdict for op %d: %w", v.OperationID, err)
			}
		}
		for _, ev := range cc.Events {
			if err := s.appendEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveFolders records the folders listed for an account.
func (s *Store) SaveFolders(ctx context.Context, accountID string, folders []model.Folder) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now().UnixMilli()
		for _, f := range folders {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO folders (account_id, folder_id, path, name, validity, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(account_id, folder_id) DO UPDATE SET
					path = excluded.path,
					name = excluded.name,
					validity = excluded.validity,
					updated_at = excluded.updated_at
			`, accountID, f.ID, f.Path, f.Name, f.Validity, now)
			if err != nil {
				return fmt.Errorf("failed to save folder %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

// Folders lists the known folders of an account.
func (s *Store) Folders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.DB.SelectContext(ctx, &folders, `
		SELECT account_id, folder_id, path, name, validity
		FROM folders WHERE account_id = ? ORDER BY path
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}
