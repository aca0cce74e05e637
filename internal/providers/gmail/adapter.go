// Package gmail implements a delta-JSON handler over the Gmail REST API.
//
// Folders are labels. The cursor marker is a mailbox historyId; Gmail
// answers 404 for a historyId it no longer retains, which invalidates the
// cursor. Message ids are stable across label changes, so a move keeps its
// remote id.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelTrash   = "TRASH"

	labelImportant = "IMPORTANT"
	categoryPrefix = "CATEGORY_"
)

var metadataHeaders = []string{"Subject", "From", "Date", "Message-Id"}

// Adapter is the Gmail protocol handler.
type Adapter struct {
	log zerolog.Logger
	// Endpoint overrides the API base URL.
	Endpoint string
	// PageSize bounds list and history pages.
	PageSize int64
}

var (
	_ sync.Handler = (*Adapter)(nil)
	_ sync.Locator = (*Adapter)(nil)
)

// New creates a Gmail handler.
func New(log zerolog.Logger) *Adapter {
	return &Adapter{log: log.With().Str("protocol", "gmail").Logger(), PageSize: 100}
}

func (a *Adapter) Protocol() model.Protocol { return model.ProtocolGmail }

type session struct {
	svc  *gmail.Service
	user string
}

func (s *session) Close() error { return nil }

// Connect builds an API client over the account's OAuth token.
func (a *Adapter) Connect(ctx context.Context, account model.Account, cred auth.Credential) (sync.Session, error) {
	if cred.Token == nil || cred.Token.AccessToken == "" {
		return nil, model.AuthError("gmail connect", fmt.Errorf("account %s has no oauth token", account.ID))
	}
	opts := []option.ClientOption{option.WithTokenSource(cred.TokenSource())}
	if a.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	user := account.User
	if user == "" {
		user = "me"
	}
	return &session{svc: svc, user: user}, nil
}

func asSession(s sync.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("gmail: foreign session %T", s)
	}
	return sess, nil
}

// ListFolders lists labels. Label ids are the folder ids.
func (a *Adapter) ListFolders(ctx context.Context, ss sync.Session) ([]model.Folder, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, err
	}
	resp, err := s.svc.Users.Labels.List(s.user).Context(ctx).Do()
	if err != nil {
		return nil, classify("gmail list labels", err)
	}
	folders := make([]model.Folder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		if l.Id == labelUnread || l.Id == labelStarred {
			continue
		}
		folders = append(folders, model.Folder{ID: l.Id, Path: l.Id, Name: l.Name})
	}
	return folders, nil
}

// FetchDelta lists the label in full without a cursor, otherwise replays
// history since the cursor's historyId.
func (a *Adapter) FetchDelta(ctx context.Context, ss sync.Session, folder model.Folder, cursor *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, model.Cursor{}, err
	}
	if cursor == nil {
		return a.snapshot(ctx, s, folder)
	}

	start, err := strconv.ParseUint(cursor.Marker, 10, 64)
	if err != nil {
		return nil, model.Cursor{}, model.ErrInvalidated
	}

	var records []*gmail.History
	latest := start
	call := s.svc.Users.History.List(s.user).StartHistoryId(start).LabelId(folder.ID).MaxResults(a.pageSize())
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		records = append(records, page.History...)
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, model.Cursor{}, model.ErrInvalidated
		}
		return nil, model.Cursor{}, classify("gmail history", err)
	}

	items := replayHistory(folder.ID, records)
	for i := range items {
		if items[i].Change != model.ChangeAdded {
			continue
		}
		msg, err := s.metadata(ctx, items[i].RemoteID)
		if err != nil {
			if isNotFound(err) {
				// Deleted again before we looked.
				items[i] = model.RemoteItem{Change: model.ChangeRemoved, RemoteID: items[i].RemoteID}
				continue
			}
			return nil, model.Cursor{}, classify("gmail get message", err)
		}
		items[i] = itemOf(msg)
	}

	delta := &model.RemoteDelta{Folder: folder, Items: items}
	return delta, model.Cursor{Marker: strconv.FormatUint(latest, 10)}, nil
}

func (a *Adapter) pageSize() int64 {
	if a.PageSize > 0 {
		return a.PageSize
	}
	return 100
}

// snapshot reads the mailbox historyId first so that changes made while the
// label is listed show up in the next delta.
func (a *Adapter) snapshot(ctx context.Context, s *session, folder model.Folder) (*model.RemoteDelta, model.Cursor, error) {
	profile, err := s.svc.Users.GetProfile(s.user).Context(ctx).Do()
	if err != nil {
		return nil, model.Cursor{}, classify("gmail profile", err)
	}

	var items []model.RemoteItem
	call := s.svc.Users.Messages.List(s.user).LabelIds(folder.ID).IncludeSpamTrash(folder.ID == labelTrash).MaxResults(a.pageSize())
	err = call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			msg, err := s.metadata(ctx, m.Id)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			items = append(items, itemOf(msg))
		}
		return nil
	})
	if err != nil {
		return nil, model.Cursor{}, classify("gmail list messages", err)
	}

	delta := &model.RemoteDelta{Folder: folder, Items: items, Full: true}
	return delta, model.Cursor{Marker: strconv.FormatUint(profile.HistoryId, 10)}, nil
}

func (s *session) metadata(ctx context.Context, id string) (*gmail.Message, error) {
	return s.svc.Users.Messages.Get(s.user, id).Format("metadata").MetadataHeaders(metadataHeaders...).Context(ctx).Do()
}

// replayHistory folds history records for one label into delta items, one
// per message, in first-seen order. Only ids are filled for additions. A
// message that loses the label but keeps another folder label was moved;
// the id stays the same.
func replayHistory(labelID string, records []*gmail.History) []model.RemoteItem {
	var order []string
	state := make(map[string]model.RemoteItem)
	set := func(it model.RemoteItem) {
		if _, ok := state[it.RemoteID]; !ok {
			order = append(order, it.RemoteID)
		}
		state[it.RemoteID] = it
	}

	for _, h := range records {
		for _, r := range h.MessagesAdded {
			if r.Message != nil && hasLabel(r.Message.LabelIds, labelID) {
				set(model.RemoteItem{Change: model.ChangeAdded, RemoteID: r.Message.Id})
			}
		}
		for _, r := range h.MessagesDeleted {
			if r.Message != nil {
				set(model.RemoteItem{Change: model.ChangeRemoved, RemoteID: r.Message.Id})
			}
		}
		for _, r := range h.LabelsAdded {
			if r.Message == nil {
				continue
			}
			if hasLabel(r.LabelIds, labelID) {
				set(model.RemoteItem{Change: model.ChangeAdded, RemoteID: r.Message.Id})
				continue
			}
			flagChange(state, set, r.Message)
		}
		for _, r := range h.LabelsRemoved {
			if r.Message == nil {
				continue
			}
			if hasLabel(r.LabelIds, labelID) {
				set(movedOut(labelID, r.Message))
				continue
			}
			flagChange(state, set, r.Message)
		}
	}

	items := make([]model.RemoteItem, 0, len(order))
	for _, id := range order {
		items = append(items, state[id])
	}
	return items
}

// movedOut reports a message that lost labelID. The history record carries
// the labels left on the message; without them the caller cannot tell a
// move from a deletion and gets a removal.
func movedOut(labelID string, m *gmail.Message) model.RemoteItem {
	if len(m.LabelIds) == 0 || hasLabel(m.LabelIds, labelTrash) {
		return model.RemoteItem{Change: model.ChangeRemoved, RemoteID: m.Id}
	}
	return model.RemoteItem{
		Change:      model.ChangeMoved,
		RemoteID:    m.Id,
		NewRemoteID: m.Id,
		ToFolderID:  destinationLabel(m.LabelIds, labelID),
		Flags:       labelsToFlags(m.LabelIds),
	}
}

// destinationLabel picks the folder a message now lives in. An empty result
// means it is only in All Mail.
func destinationLabel(labels []string, from string) string {
	for _, l := range labels {
		switch {
		case l == from, l == labelUnread, l == labelStarred, l == labelImportant:
		case strings.HasPrefix(l, categoryPrefix):
		default:
			return l
		}
	}
	return ""
}

// Locate looks a message up by id. Gmail ids survive label changes, so a
// message that still exists and is not in the trash was moved.
func (a *Adapter) Locate(ctx context.Context, ss sync.Session, from model.Folder, remoteID, _ string) (*model.RemoteItem, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, err
	}
	msg, err := s.metadata(ctx, remoteID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify("gmail locate", err)
	}
	if hasLabel(msg.LabelIds, labelTrash) && from.ID != labelTrash {
		return nil, nil
	}
	it := itemOf(msg)
	it.Change = model.ChangeMoved
	it.NewRemoteID = msg.Id
	if hasLabel(msg.LabelIds, from.ID) {
		it.ToFolderID = from.ID
	} else {
		it.ToFolderID = destinationLabel(msg.LabelIds, from.ID)
	}
	return &it, nil
}

// flagChange records new flags for a message, unless it is already
// reported as added or removed.
func flagChange(state map[string]model.RemoteItem, set func(model.RemoteItem), m *gmail.Message) {
	if prev, ok := state[m.Id]; ok && prev.Change != model.ChangeFlags {
		return
	}
	set(model.RemoteItem{Change: model.ChangeFlags, RemoteID: m.Id, Flags: labelsToFlags(m.LabelIds)})
}

func itemOf(m *gmail.Message) model.RemoteItem {
	sum := model.MessageSummary{Size: m.SizeEstimate}
	if m.InternalDate > 0 {
		sum.Date = time.UnixMilli(m.InternalDate)
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				sum.Subject = h.Value
			case "from":
				sum.From = h.Value
			case "message-id":
				sum.MessageID = strings.Trim(h.Value, "<>")
			}
		}
	}
	return model.RemoteItem{Change: model.ChangeAdded, RemoteID: m.Id, Summary: sum, Flags: labelsToFlags(m.LabelIds)}
}

// labelsToFlags maps system labels onto IMAP-style flags.
func labelsToFlags(labels []string) []string {
	seen := true
	var flags []string
	for _, l := range labels {
		switch l {
		case labelUnread:
			seen = false
		case labelStarred:
			flags = append(flags, model.FlagFlagged)
		}
	}
	if seen {
		flags = append(flags, model.FlagSeen)
	}
	return model.NormalizeFlags(flags)
}

// flagsToLabels maps flag changes onto label changes. Unknown flags are
// dropped.
func flagsToLabels(add, remove []string) (addLabels, removeLabels []string) {
	for _, f := range add {
		switch f {
		case model.FlagSeen:
			removeLabels = append(removeLabels, labelUnread)
		case model.FlagFlagged:
			addLabels = append(addLabels, labelStarred)
		}
	}
	for _, f := range remove {
		switch f {
		case model.FlagSeen:
			addLabels = append(addLabels, labelUnread)
		case model.FlagFlagged:
			removeLabels = append(removeLabels, labelStarred)
		}
	}
	return addLabels, removeLabels
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// ApplyOperation carries one queued operation. Sends and appends look for
// the Message-ID first so a replay does not duplicate the message.
func (a *Adapter) ApplyOperation(ctx context.Context, ss sync.Session, op model.Operation) (string, error) {
	s, err := asSession(ss)
	if err != nil {
		return "", err
	}
	switch op.Kind {
	case model.OpFlags:
		add, remove := flagsToLabels(op.Payload.Add, op.Payload.Remove)
		if len(add) == 0 && len(remove) == 0 {
			return op.TargetRef, nil
		}
		_, err := s.svc.Users.Messages.Modify(s.user, op.TargetRef, &gmail.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		if err != nil {
			return "", classify("gmail modify", err)
		}
		return op.TargetRef, nil

	case model.OpMove:
		_, err := s.svc.Users.Messages.Modify(s.user, op.TargetRef, &gmail.ModifyMessageRequest{
			AddLabelIds:    []string{op.Payload.ToFolderID},
			RemoveLabelIds: []string{op.FolderID},
		}).Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				return "", model.ConflictError("gmail move", err)
			}
			return "", classify("gmail move", err)
		}
		return op.TargetRef, nil

	case model.OpDelete:
		_, err := s.svc.Users.Messages.Trash(s.user, op.TargetRef).Context(ctx).Do()
		if err != nil && !isNotFound(err) {
			return "", classify("gmail trash", err)
		}
		return op.TargetRef, nil

	case model.OpAppend, model.OpSend:
		if id, ok, err := s.findByMessageID(ctx, op.Payload.MessageID); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
		msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(op.Payload.Raw)}
		var sent *gmail.Message
		if op.Kind == model.OpSend {
			sent, err = s.svc.Users.Messages.Send(s.user, msg).Context(ctx).Do()
		} else {
			msg.LabelIds = append([]string{op.FolderID}, addLabels(op.Payload.Add)...)
			sent, err = s.svc.Users.Messages.Insert(s.user, msg).InternalDateSource("dateHeader").Context(ctx).Do()
		}
		if err != nil {
			return "", classify("gmail "+string(op.Kind), err)
		}
		return sent.Id, nil
	}
	return "", model.ProtocolError("gmail apply", fmt.Errorf("unsupported operation %q", op.Kind))
}

// addLabels returns the labels an appended message starts with. New
// messages are unread unless \Seen is set.
func addLabels(flags []string) []string {
	add, remove := flagsToLabels(flags, nil)
	if !hasLabel(remove, labelUnread) {
		add = append(add, labelUnread)
	}
	return add
}

func (s *session) findByMessageID(ctx context.Context, messageID string) (string, bool, error) {
	if messageID == "" {
		return "", false, nil
	}
	resp, err := s.svc.Users.Messages.List(s.user).
		Q("rfc822msgid:" + strings.Trim(messageID, "<>")).
		IncludeSpamTrash(true).
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return "", false, classify("gmail search", err)
	}
	if len(resp.Messages) == 0 {
		return "", false, nil
	}
	return resp.Messages[0].Id, true, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// classify maps API failures onto error kinds.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return model.AuthError(op, err)
		case gerr.Code == http.StatusForbidden && !rateLimited(gerr):
			return model.AuthError(op, err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 || rateLimited(gerr):
			return model.NetworkError(op, err)
		case gerr.Code == http.StatusConflict || gerr.Code == http.StatusPreconditionFailed:
			return model.ConflictError(op, err)
		}
		return model.ProtocolError(op, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return model.AuthError(op, err)
	}
	if model.KindOf(err) == model.KindNetwork {
		return model.NetworkError(op, err)
	}
	return model.ProtocolError(op, err)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
