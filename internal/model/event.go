package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names an outgoing notification.
type EventType string

const (
	EventCycleCompleted EventType = "cycle.completed"
	EventCycleFailed    EventType = "cycle.failed"
	EventConflict       EventType = "conflict"
	EventQueueExhausted EventType = "queue.exhausted"
	EventOperationDead  EventType = "operation.dead"
)

// Event is a notification for the UI or the search-index feed. MsgID is
// stable so publishers can deduplicate redeliveries.
type Event struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id"`
	FolderID  string    `json:"folder_id,omitempty"`
	MsgID     string    `json:"msg_id"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent builds an event with a JSON payload. msgID must be stable across
// retries of the action that produced the event.
func NewEvent(typ EventType, accountID, folderID, msgID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		AccountID: accountID,
		FolderID:  folderID,
		MsgID:     msgID,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Subject returns the publish subject for the event.
func (e Event) Subject() string {
	return "mailsync." + e.AccountID + "." + string(e.Type)
}

// CycleResult reports one sync cycle for one (account, folder).
type CycleResult struct {
	AccountID  string           `json:"account_id"`
	FolderID   string           `json:"folder_id"`
	Applied    int              `json:"applied"`
	NoOps      int              `json:"no_ops"`
	Failed     int              `json:"failed"`
	Conflicted int              `json:"conflicted"`
	Dead       int              `json:"dead"`
	Merged     int              `json:"merged"`
	FullResync bool             `json:"full_resync"`
	Cursor     *Cursor          `json:"cursor,omitempty"`
	Conflicts  []ConflictRecord `json:"conflicts,omitempty"`
	OpErrors   []string         `json:"op_errors,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	Elapsed    time.Duration    `json:"elapsed"`

	// Err is the cycle-level failure, if any.
	Err error `json:"-"`
	// Exhausted lists operations moved to dead-letter by this cycle.
	Exhausted []int64 `json:"exhausted,omitempty"`
}

// CycleCommit is everything a successful cycle makes durable at once.
type CycleCommit struct {
	Cursor   Cursor
	Verdicts []Verdict
	Events   []Event
}
