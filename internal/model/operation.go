package model

import (
	"time"
)

// OpKind is the kind of a queued local mutation.
type OpKind string

const (
	OpSend   OpKind = "send"
	OpMove   OpKind = "move"
	OpFlags  OpKind = "flags"
	OpDelete OpKind = "delete"
	OpAppend OpKind = "append"
)

// Structural reports whether the op changes where or whether a message exists.
func (k OpKind) Structural() bool {
	return k == OpMove || k == OpDelete
}

// OpStatus is the queue state of an operation.
type OpStatus string

const (
	StatusPending OpStatus = "pending"
	StatusDead    OpStatus = "dead"
	StatusApplied OpStatus = "applied"
)

// Payload holds the kind-specific arguments of an operation.
type Payload struct {
	Add        []string `json:"add,omitempty"`
	Remove     []string `json:"remove,omitempty"`
	ToFolderID string   `json:"to_folder_id,omitempty"`
	Raw        []byte   `json:"raw,omitempty"`
	// MessageID is the Message-ID header of Raw, used to detect an earlier
	// successful send or append.
	MessageID string `json:"message_id,omitempty"`
}

// Operation is one durable local mutation awaiting remote application.
type Operation struct {
	ID        int64
	AccountID string
	FolderID  string
	// TargetRef is the remote id of the target message, or a placeholder.
	TargetRef string
	Kind      OpKind
	Payload   Payload
	// Placeholder is the id later operations use to refer to the message this
	// operation creates (send, append, move).
	Placeholder    string
	IdempotencyKey string
	CreatedAt      time.Time
	Attempts       int
	LastErrorKind  ErrorKind
	LastError      string
	NextAttemptAt  time.Time
	Status         OpStatus
}

// MessageKey groups operations that must apply in creation order.
func (op Operation) MessageKey() string {
	if op.TargetRef == "" {
		return op.IdempotencyKey
	}
	return op.FolderID + "\x00" + op.TargetRef
}

// Ref returns the operation target.
func (op Operation) Ref() MessageRef {
	return MessageRef{FolderID: op.FolderID, RemoteID: op.TargetRef}
}

// QueueStatus summarizes an account's queue.
type QueueStatus struct {
	AccountID string `json:"account_id"`
	Pending   int    `json:"pending"`
	Dead      int    `json:"dead"`
}

// LocalView is the local side of a potential conflict: a pending operation
// plus the local state of its target before the operation.
type LocalView struct {
	Op Operation
	// BaseFlags are the flags the local store holds for the target; nil
	// when the message is unknown locally.
	BaseFlags []string
	// TimestampReliable is false when the op's creation time cannot be
	// compared with server time.
	TimestampReliable bool
}

// Resolution names how an overlap between a local op and a remote change
// was decided.
type Resolution string

const (
	ResolutionNoOp       Resolution = "no_op"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionMerge      Resolution = "merge"
	ResolutionDeleteWins Resolution = "delete_wins"
	ResolutionUnresolved Resolution = "unresolved"
)

// ConflictRecord reports an overlap between a pending op and a remote change.
type ConflictRecord struct {
	AccountID   string     `json:"account_id"`
	FolderID    string     `json:"folder_id"`
	RemoteID    string     `json:"remote_id"`
	OperationID int64      `json:"operation_id"`
	LocalKind   OpKind     `json:"local_kind"`
	LocalAt     time.Time  `json:"local_at"`
	Remote      RemoteItem `json:"remote"`
	Resolution  Resolution `json:"resolution"`
	DetectedAt  time.Time  `json:"detected_at"`
}

// Unresolved reports whether the record needs a user decision.
func (c ConflictRecord) Unresolved() bool {
	return c.Resolution == ResolutionUnresolved
}

// Verdict is a queue transition decided by the resolver. Verdicts are
// committed together with the folder cursor.
type Verdict struct {
	OperationID int64
	Status      OpStatus
	Kind        ErrorKind
	RemoteID    string
}
