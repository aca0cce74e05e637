package api

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/model"
)

// operationRequest is the body of POST /v1/accounts/:id/operations. Raw is
// base64 in JSON.
type operationRequest struct {
	Kind           model.OpKind `json:"kind" binding:"required"`
	FolderID       string       `json:"folder_id"`
	Target         string       `json:"target"`
	Add            []string     `json:"add"`
	Remove         []string     `json:"remove"`
	ToFolderID     string       `json:"to_folder_id"`
	Raw            []byte       `json:"raw"`
	IdempotencyKey string       `json:"idempotency_key"`
}

func (r operationRequest) operation(accountID string) (model.Operation, error) {
	op := model.Operation{
		AccountID: accountID,
		FolderID:  r.FolderID,
		TargetRef: r.Target,
		Kind:      r.Kind,
		Payload: model.Payload{
			Add:        model.NormalizeFlags(r.Add),
			Remove:     model.NormalizeFlags(r.Remove),
			ToFolderID: r.ToFolderID,
			Raw:        r.Raw,
		},
		IdempotencyKey: r.IdempotencyKey,
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}

	switch r.Kind {
	case model.OpFlags:
		if len(r.Add) == 0 && len(r.Remove) == 0 {
			return op, errors.New("flags operation changes nothing")
		}
	case model.OpDelete:
	case model.OpMove:
		if r.ToFolderID == "" {
			return op, errors.New("move needs to_folder_id")
		}
	case model.OpAppend, model.OpSend:
		if len(r.Raw) == 0 {
			return op, fmt.Errorf("%s needs raw message bytes", r.Kind)
		}
		id, err := messageID(r.Raw)
		if err != nil {
			return op, err
		}
		op.Payload.MessageID = id
		op.TargetRef = ""
	default:
		return op, fmt.Errorf("unknown operation kind %q", r.Kind)
	}

	if r.Kind != model.OpSend && op.FolderID == "" {
		return op, fmt.Errorf("%s needs folder_id", r.Kind)
	}
	if (r.Kind == model.OpFlags || r.Kind == model.OpDelete || r.Kind == model.OpMove) && op.TargetRef == "" {
		return op, fmt.Errorf("%s needs a target", r.Kind)
	}
	if r.Kind == model.OpAppend || r.Kind == model.OpMove {
		op.Placeholder = model.PlaceholderPrefix + uuid.NewString()
	}
	return op, nil
}

func messageID(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse raw message: %w", err)
	}
	defer mr.Close()
	id, err := mr.Header.MessageID()
	if err != nil {
		return "", fmt.Errorf("parse Message-Id: %w", err)
	}
	return id, nil
}

type operationView struct {
	ID            int64           `json:"id"`
	AccountID     string          `json:"account_id"`
	FolderID      string          `json:"folder_id"`
	Target        string          `json:"target,omitempty"`
	Kind          model.OpKind    `json:"kind"`
	Status        model.OpStatus  `json:"status"`
	Attempts      int             `json:"attempts"`
	LastErrorKind model.ErrorKind `json:"last_error_kind,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func viewOf(op model.Operation) operationView {
	return operationView{
		ID:            op.ID,
		AccountID:     op.AccountID,
		FolderID:      op.FolderID,
		Target:        op.TargetRef,
		Kind:          op.Kind,
		Status:        op.Status,
		Attempts:      op.Attempts,
		LastErrorKind: op.LastErrorKind,
		LastError:     op.LastError,
		CreatedAt:     op.CreatedAt,
	}
}
