// Package outlook implements a delta-JSON handler over Microsoft Graph.
//
// Folders are mail folders. The cursor marker is the deltaLink Graph hands
// out at the end of a delta round; following it yields only what changed.
// Graph reports lastModifiedDateTime for every change, so conflicts on this
// protocol can use last-writer-wins.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const graphScope = "https://graph.microsoft.com/.default"

var deltaSelect = []string{
	"id", "subject", "from", "receivedDateTime", "lastModifiedDateTime",
	"isRead", "flag", "internetMessageId",
}

// Adapter is the Microsoft Graph protocol handler.
type Adapter struct {
	log zerolog.Logger
}

var (
	_ sync.Handler = (*Adapter)(nil)
	_ sync.Locator = (*Adapter)(nil)
)

// New creates an Outlook handler.
func New(log zerolog.Logger) *Adapter {
	return &Adapter{log: log.With().Str("protocol", "graph").Logger()}
}

func (a *Adapter) Protocol() model.Protocol { return model.ProtocolGraph }

type session struct {
	client *msgraphsdk.GraphServiceClient
	user   string
}

func (s *session) Close() error { return nil }

func (s *session) messages() *users.ItemMessagesRequestBuilder {
	return s.client.Users().ByUserId(s.user).Messages()
}

func (s *session) folder(id string) *users.ItemMailFoldersMailFolderItemRequestBuilder {
	return s.client.Users().ByUserId(s.user).MailFolders().ByMailFolderId(id)
}

// Connect builds a Graph client over the account's bearer token.
func (a *Adapter) Connect(_ context.Context, account model.Account, cred auth.Credential) (sync.Session, error) {
	if cred.Token == nil || cred.Token.AccessToken == "" {
		return nil, model.AuthError("graph connect", fmt.Errorf("account %s has no oauth token", account.ID))
	}
	tc := &staticTokenCredential{token: cred.Token.AccessToken, expiry: cred.Token.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tc, []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	user := account.User
	if user == "" {
		user = "me"
	}
	return &session{client: client, user: user}, nil
}

func asSession(s sync.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("graph: foreign session %T", s)
	}
	return sess, nil
}

// ListFolders pages through the top-level mail folders.
func (a *Adapter) ListFolders(ctx context.Context, ss sync.Session) ([]model.Folder, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, err
	}
	b := s.client.Users().ByUserId(s.user).MailFolders()
	resp, err := b.Get(ctx, nil)
	var folders []model.Folder
	for {
		if err != nil {
			return nil, classify("graph list folders", err)
		}
		for _, f := range resp.GetValue() {
			id, name := deref(f.GetId()), deref(f.GetDisplayName())
			if id == "" {
				continue
			}
			folders = append(folders, model.Folder{ID: id, Path: name, Name: name})
		}
		next := deref(resp.GetOdataNextLink())
		if next == "" {
			return folders, nil
		}
		resp, err = b.WithUrl(next).Get(ctx, nil)
	}
}

// FetchDelta runs a fresh delta round without a cursor and follows the
// stored deltaLink otherwise. Either way every nextLink page is drained.
func (a *Adapter) FetchDelta(ctx context.Context, ss sync.Session, folder model.Folder, cursor *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, model.Cursor{}, err
	}

	b := s.folder(folder.ID).Messages().Delta()
	var resp users.ItemMailFoldersItemMessagesDeltaGetResponseable
	if cursor == nil {
		resp, err = b.GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{Select: deltaSelect},
		})
	} else {
		if !strings.HasPrefix(cursor.Marker, "https://") {
			return nil, model.Cursor{}, model.ErrInvalidated
		}
		resp, err = b.WithUrl(cursor.Marker).GetAsDeltaGetResponse(ctx, nil)
	}

	var items []model.RemoteItem
	for {
		if err != nil {
			if cursor != nil && syncStateLost(err) {
				return nil, model.Cursor{}, model.ErrInvalidated
			}
			return nil, model.Cursor{}, classify("graph delta", err)
		}
		for _, m := range resp.GetValue() {
			if it, ok := itemOf(m); ok {
				items = append(items, it)
			}
		}
		if next := deref(resp.GetOdataNextLink()); next != "" {
			resp, err = b.WithUrl(next).GetAsDeltaGetResponse(ctx, nil)
			continue
		}
		link := deref(resp.GetOdataDeltaLink())
		if link == "" {
			return nil, model.Cursor{}, model.ProtocolError("graph delta", errors.New("delta round ended without deltaLink"))
		}
		delta := &model.RemoteDelta{Folder: folder, Items: coalesce(items), Full: cursor == nil}
		a.log.Debug().Str("folder", folder.ID).Int("items", len(delta.Items)).Bool("full", delta.Full).Msg("Delta round drained")
		return delta, model.Cursor{Marker: link}, nil
	}
}

// itemOf converts one delta entry. Created and updated messages both come
// back as additions; the local store upserts them.
func itemOf(m models.Messageable) (model.RemoteItem, bool) {
	id := deref(m.GetId())
	if id == "" {
		return model.RemoteItem{}, false
	}
	if _, removed := m.GetAdditionalData()["@removed"]; removed {
		return model.RemoteItem{Change: model.ChangeRemoved, RemoteID: id}, true
	}

	it := model.RemoteItem{Change: model.ChangeAdded, RemoteID: id, Flags: flagsOf(m)}
	it.Summary.Subject = deref(m.GetSubject())
	it.Summary.MessageID = strings.Trim(deref(m.GetInternetMessageId()), "<>")
	if from := m.GetFrom(); from != nil && from.GetEmailAddress() != nil {
		it.Summary.From = formatAddress(from.GetEmailAddress())
	}
	if t := m.GetReceivedDateTime(); t != nil {
		it.Summary.Date = *t
	}
	if t := m.GetLastModifiedDateTime(); t != nil {
		it.ChangedAt = *t
	}
	return it, true
}

// coalesce keeps the last entry per message. A delta round may list a
// message more than once across pages.
func coalesce(items []model.RemoteItem) []model.RemoteItem {
	last := make(map[string]int, len(items))
	for i, it := range items {
		last[it.RemoteID] = i
	}
	out := make([]model.RemoteItem, 0, len(last))
	for i, it := range items {
		if last[it.RemoteID] == i {
			out = append(out, it)
		}
	}
	return out
}

func formatAddress(ea models.EmailAddressable) string {
	addr, name := deref(ea.GetAddress()), deref(ea.GetName())
	if name == "" || name == addr {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

func flagsOf(m models.Messageable) []string {
	var flags []string
	if r := m.GetIsRead(); r != nil && *r {
		flags = append(flags, model.FlagSeen)
	}
	if f := m.GetFlag(); f != nil {
		if st := f.GetFlagStatus(); st != nil && *st == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			flags = append(flags, model.FlagFlagged)
		}
	}
	return model.NormalizeFlags(flags)
}

// flagPatch builds the PATCH body for a flag change. It reports false when
// none of the flags map onto Graph properties.
func flagPatch(add, remove []string) (models.Messageable, bool) {
	body := models.NewMessage()
	touched := false
	set := func(f string, on bool) {
		switch f {
		case model.FlagSeen:
			body.SetIsRead(&on)
			touched = true
		case model.FlagFlagged:
			status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
			if on {
				status = models.FLAGGED_FOLLOWUPFLAGSTATUS
			}
			flag := models.NewFollowupFlag()
			flag.SetFlagStatus(&status)
			body.SetFlag(flag)
			touched = true
		}
	}
	for _, f := range add {
		set(f, true)
	}
	for _, f := range remove {
		set(f, false)
	}
	return body, touched
}

// ApplyOperation carries one queued operation. Sends and appends look for
// the internetMessageId first so a replay does not duplicate the message.
func (a *Adapter) ApplyOperation(ctx context.Context, ss sync.Session, op model.Operation) (string, error) {
	s, err := asSession(ss)
	if err != nil {
		return "", err
	}
	switch op.Kind {
	case model.OpFlags:
		body, ok := flagPatch(op.Payload.Add, op.Payload.Remove)
		if !ok {
			return op.TargetRef, nil
		}
		if _, err := s.messages().ByMessageId(op.TargetRef).Patch(ctx, body, nil); err != nil {
			if isNotFound(err) {
				return "", model.ConflictError("graph patch", err)
			}
			return "", classify("graph patch", err)
		}
		return op.TargetRef, nil

	case model.OpMove:
		body := users.NewItemMessagesItemMovePostRequestBody()
		dest := op.Payload.ToFolderID
		body.SetDestinationId(&dest)
		moved, err := s.messages().ByMessageId(op.TargetRef).Move().Post(ctx, body, nil)
		if err != nil {
			if isNotFound(err) {
				return "", model.ConflictError("graph move", err)
			}
			return "", classify("graph move", err)
		}
		return deref(moved.GetId()), nil

	case model.OpDelete:
		err := s.messages().ByMessageId(op.TargetRef).Delete(ctx, nil)
		if err != nil && !isNotFound(err) {
			return "", classify("graph delete", err)
		}
		return op.TargetRef, nil

	case model.OpAppend, model.OpSend:
		if id, ok, err := s.findByMessageID(ctx, op.Payload.MessageID); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
		msg, err := messageFromMIME(op.Payload.Raw)
		if err != nil {
			return "", model.ProtocolError("graph "+string(op.Kind), err)
		}
		if op.Kind == model.OpSend {
			body := users.NewItemSendMailPostRequestBody()
			save := true
			body.SetMessage(msg)
			body.SetSaveToSentItems(&save)
			if err := s.client.Users().ByUserId(s.user).SendMail().Post(ctx, body, nil); err != nil {
				return "", classify("graph send", err)
			}
			// sendMail does not return the id of the sent copy.
			return "", nil
		}
		read := hasFlag(op.Payload.Add, model.FlagSeen)
		msg.SetIsRead(&read)
		created, err := s.folder(op.FolderID).Messages().Post(ctx, msg, nil)
		if err != nil {
			return "", classify("graph append", err)
		}
		return deref(created.GetId()), nil
	}
	return "", model.ProtocolError("graph apply", fmt.Errorf("unsupported operation %q", op.Kind))
}

var locateSelect = append([]string{"parentFolderId"}, deltaSelect...)

// Locate finds a message that dropped out of a folder's delta. Graph may
// keep the id across a move or hand out a new one, so the Internet
// Message-ID is the fallback.
func (a *Adapter) Locate(ctx context.Context, ss sync.Session, _ model.Folder, remoteID, messageID string) (*model.RemoteItem, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, err
	}
	m, err := s.messages().ByMessageId(remoteID).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{Select: locateSelect},
	})
	if err == nil {
		return locatedItem(m), nil
	}
	if !isNotFound(err) {
		return nil, classify("graph locate", err)
	}
	if messageID == "" {
		return nil, nil
	}

	filter := internetMessageIDFilter(messageID)
	top := int32(1)
	resp, err := s.messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Top:    &top,
			Select: locateSelect,
		},
	})
	if err != nil {
		return nil, classify("graph locate", err)
	}
	for _, m := range resp.GetValue() {
		if it := locatedItem(m); it != nil {
			return it, nil
		}
	}
	return nil, nil
}

// locatedItem reports where a looked-up message lives now.
func locatedItem(m models.Messageable) *model.RemoteItem {
	it, ok := itemOf(m)
	if !ok || it.Change != model.ChangeAdded {
		return nil
	}
	it.Change = model.ChangeMoved
	it.NewRemoteID = it.RemoteID
	it.ToFolderID = deref(m.GetParentFolderId())
	return &it
}

func internetMessageIDFilter(messageID string) string {
	return fmt.Sprintf("internetMessageId eq '<%s>'", strings.ReplaceAll(strings.Trim(messageID, "<>"), "'", "''"))
}

func (s *session) findByMessageID(ctx context.Context, messageID string) (string, bool, error) {
	if messageID == "" {
		return "", false, nil
	}
	filter := internetMessageIDFilter(messageID)
	top := int32(1)
	resp, err := s.messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Top:    &top,
			Select: []string{"id"},
		},
	})
	if err != nil {
		return "", false, classify("graph search", err)
	}
	for _, m := range resp.GetValue() {
		if id := deref(m.GetId()); id != "" {
			return id, true, nil
		}
	}
	return "", false, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusOf(err error) (int, string) {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return 0, ""
	}
	code := ""
	if inner := oerr.GetErrorEscaped(); inner != nil {
		code = deref(inner.GetCode())
	}
	return oerr.ResponseStatusCode, code
}

func isNotFound(err error) bool {
	status, code := statusOf(err)
	return status == http.StatusNotFound || code == "ErrorItemNotFound"
}

// syncStateLost reports whether Graph no longer honours a deltaLink.
func syncStateLost(err error) bool {
	status, code := statusOf(err)
	return status == http.StatusGone || code == "syncStateNotFound" || code == "resyncRequired"
}

// classify maps Graph failures onto error kinds.
func classify(op string, err error) error {
	status, _ := statusOf(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.AuthError(op, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return model.NetworkError(op, err)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return model.ConflictError(op, err)
	case status != 0:
		return model.ProtocolError(op, err)
	}
	if model.KindOf(err) == model.KindNetwork {
		return model.NetworkError(op, err)
	}
	return model.ProtocolError(op, err)
}

// staticTokenCredential hands the account's bearer token to the Graph SDK.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	exp := c.expiry
	if exp.IsZero() {
		exp = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: exp}, nil
}
