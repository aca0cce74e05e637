package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Session is a live connection to a remote server. Callers must Close it on
// every path.
type Session interface {
	Close() error
}

// Handler drives one remote protocol.
//
// FetchDelta returns a full snapshot when cursor is nil and fails with
// model.ErrInvalidated when the cursor's validity token no longer matches the
// server. Calling it again with the same cursor must be safe.
//
// ApplyOperation must be safe to call twice with the same operation: if the
// protocol cannot guarantee that on the wire, the handler checks remote state
// first.
type Handler interface {
	Protocol() model.Protocol
	Connect(ctx context.Context, account model.Account, cred auth.Credential) (Session, error)
	ListFolders(ctx context.Context, s Session) ([]model.Folder, error)
	FetchDelta(ctx context.Context, s Session, folder model.Folder, cursor *model.Cursor) (*model.RemoteDelta, model.Cursor, error)
	ApplyOperation(ctx context.Context, s Session, op model.Operation) (string, error)
}

// PushSubscriber is implemented by handlers whose protocol can signal
// changes. SubscribePush blocks until ctx ends or the subscription fails and
// calls onNotify for every change signal; it never carries delta content.
type PushSubscriber interface {
	SubscribePush(ctx context.Context, s Session, folder model.Folder, onNotify func()) error
}

// OperationFilter is implemented by handlers that cannot carry every
// operation kind remotely. Unsupported operations stay local.
type OperationFilter interface {
	SupportsOperation(kind model.OpKind) bool
}

// Locator is implemented by handlers that can find a message that left a
// folder. Locate returns a ChangeMoved item carrying the message's current
// folder, id and flags, or nil when the message no longer exists. messageID
// may be empty.
type Locator interface {
	Locate(ctx context.Context, s Session, from model.Folder, remoteID, messageID string) (*model.RemoteItem, error)
}

// SupportsPush reports whether h can subscribe to change signals.
func SupportsPush(h Handler) bool {
	_, ok := h.(PushSubscriber)
	return ok
}

// StateTracker persists per-folder cursors.
type StateTracker interface {
	Load(ctx context.Context, accountID, folderID string) (*model.Cursor, error)
	Commit(ctx context.Context, c model.Cursor) error
	Invalidate(ctx context.Context, accountID, folderID string) error
	// CommitCycle stores the cursor, queue verdicts and events atomically.
	CommitCycle(ctx context.Context, cc model.CycleCommit) error
	SaveFolders(ctx context.Context, accountID string, folders []model.Folder) error
}

// OfflineQueue is the durable log of local mutations.
type OfflineQueue interface {
	Enqueue(ctx context.Context, op model.Operation) (int64, error)
	// PeekBatch returns due operations of one folder in queue order. With
	// includeUnscoped, operations bound to no folder are included.
	PeekBatch(ctx context.Context, accountID, folderID string, includeUnscoped bool, maxN int) ([]model.Operation, error)
	MarkApplied(ctx context.Context, id int64, remoteID string) error
	MarkFailed(ctx context.Context, id int64, kind model.ErrorKind, msg string, retryAt time.Time) error
	MarkDead(ctx context.Context, id int64, kind model.ErrorKind, msg string) error
	Retarget(ctx context.Context, id int64, ref model.MessageRef) error
	LookupApplied(ctx context.Context, key string) (string, bool, error)
	Status(ctx context.Context, accountID string) (model.QueueStatus, error)
	DeadLetters(ctx context.Context, accountID string) ([]model.Operation, error)
	Requeue(ctx context.Context, id int64) (model.Operation, error)
}

// EventRecorder records events outside a cycle commit.
type EventRecorder interface {
	AppendEvent(ctx context.Context, ev model.Event) error
}

// LocalStore is the local message store.
type LocalStore interface {
	MergeRemoteItems(ctx context.Context, accountID, folderID string, items []model.RemoteItem) (int, error)
	ReadLocalMutation(ctx context.Context, accountID, folderID, remoteID string) (*store.Message, error)
	RemoteIDs(ctx context.Context, accountID, folderID string) ([]string, error)
	ResolvePlaceholder(ctx context.Context, accountID, placeholder, remoteID string) error
}
