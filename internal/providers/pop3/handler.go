// Package pop3 implements the fetch-and-delete handler. A POP3 maildrop has
// one folder, no flags, no validity token and no push; the cursor marker is
// the set of UIDL values seen by the last fetch.
package pop3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	pop3client "github.com/knadh/go-pop3"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers/smtp"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Inbox is the only folder of a POP3 account.
const Inbox = "INBOX"

// Handler speaks POP3.
type Handler struct {
	log zerolog.Logger
}

var (
	_ sync.Handler         = (*Handler)(nil)
	_ sync.OperationFilter = (*Handler)(nil)
)

// New creates a POP3 handler.
func New(log zerolog.Logger) *Handler {
	return &Handler{log: log.With().Str("protocol", "pop3").Logger()}
}

func (h *Handler) Protocol() model.Protocol { return model.ProtocolPOP3 }

// SupportsOperation reports the operations POP3 can carry: deletes, and
// sends through SMTP. Flag changes, moves and appends stay local.
func (h *Handler) SupportsOperation(kind model.OpKind) bool {
	return kind == model.OpDelete || kind == model.OpSend
}

type session struct {
	client   *pop3client.Client
	conn     *pop3client.Conn
	account  model.Account
	username string
	cred     auth.Credential
}

func (h *Handler) Connect(ctx context.Context, account model.Account, cred auth.Credential) (sync.Session, error) {
	ep := account.Endpoint
	if ep.Port == 0 {
		ep.Port = 995
	}
	s := &session{
		client: pop3client.New(pop3client.Opt{
			Host:       ep.Host,
			Port:       ep.Port,
			TLSEnabled: ep.TLS,
		}),
		account:  account,
		username: cred.Username,
		cred:     cred,
	}
	if s.username == "" {
		s.username = account.Username
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *session) open() error {
	conn, err := s.client.NewConn()
	if err != nil {
		return model.NetworkError("pop3 connect", err)
	}
	if err := conn.Auth(s.username, s.cred.Password); err != nil {
		conn.Quit()
		return model.AuthError("pop3 auth "+s.username, err)
	}
	s.conn = conn
	return nil
}

// ensure reopens the maildrop after a delete committed it.
func (s *session) ensure() error {
	if s.conn != nil {
		return nil
	}
	return s.open()
}

func (s *session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}

func asSession(s sync.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("pop3: foreign session %T", s)
	}
	return sess, nil
}

func (h *Handler) ListFolders(_ context.Context, ss sync.Session) ([]model.Folder, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, err
	}
	return []model.Folder{{AccountID: s.account.ID, ID: Inbox, Path: Inbox, Name: Inbox}}, nil
}

// FetchDelta compares the maildrop's UIDL listing with the cursor. New
// messages get a summary from their headers (TOP n 0).
func (h *Handler) FetchDelta(ctx context.Context, ss sync.Session, folder model.Folder, cursor *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, model.Cursor{}, err
	}
	if err := s.ensure(); err != nil {
		return nil, model.Cursor{}, err
	}

	var prev []string
	if cursor != nil {
		prev, err = decodeMarker(cursor.Marker)
		if err != nil {
			h.log.Warn().Err(err).Msg("Unreadable cursor marker")
			return nil, model.Cursor{}, model.ErrInvalidated
		}
	}

	listing, err := s.listing()
	if err != nil {
		return nil, model.Cursor{}, err
	}
	items, fresh := diffUIDL(prev, cursor == nil, listing)
	for i := range items {
		if ctx.Err() != nil {
			return nil, model.Cursor{}, ctx.Err()
		}
		if items[i].Change != model.ChangeAdded {
			continue
		}
		msg := fresh[items[i].RemoteID]
		entity, err := s.conn.Top(msg.ID, 0)
		if err != nil {
			return nil, model.Cursor{}, model.ProtocolError("pop3 top", err)
		}
		items[i].Summary = summaryOf(entity.Header, int64(msg.Size))
	}

	uids := make([]string, 0, len(listing))
	for _, m := range listing {
		uids = append(uids, m.UID)
	}
	enc, err := encodeMarker(uids)
	if err != nil {
		return nil, model.Cursor{}, err
	}
	return &model.RemoteDelta{Folder: folder, Items: items, Full: cursor == nil}, model.Cursor{Marker: enc}, nil
}

// listing joins UIDL and LIST so each message carries its UID and size.
func (s *session) listing() ([]pop3client.MessageID, error) {
	uidl, err := s.conn.Uidl(0)
	if err != nil {
		return nil, classify("pop3 uidl", err)
	}
	sizes, err := s.conn.List(0)
	if err != nil {
		return nil, classify("pop3 list", err)
	}
	bySeq := make(map[int]int, len(sizes))
	for _, m := range sizes {
		bySeq[m.ID] = m.Size
	}
	for i := range uidl {
		uidl[i].Size = bySeq[uidl[i].ID]
	}
	return uidl, nil
}

// ApplyOperation deletes a message or submits one over SMTP. A delete is
// committed with QUIT before it is reported applied; a message that is
// already gone counts as deleted.
func (h *Handler) ApplyOperation(ctx context.Context, ss sync.Session, op model.Operation) (string, error) {
	s, err := asSession(ss)
	if err != nil {
		return "", err
	}
	switch op.Kind {
	case model.OpSend:
		if s.account.SMTP.Host == "" {
			return "", model.ProtocolError("pop3 send", errors.New("account has no SMTP endpoint"))
		}
		sub := smtp.Submitter{Endpoint: s.account.SMTP, Username: s.username, Password: s.cred.Password}
		if err := sub.Send(ctx, op.Payload.Raw); err != nil {
			return "", err
		}
		return op.Payload.MessageID, nil
	case model.OpDelete:
		if err := s.ensure(); err != nil {
			return "", err
		}
		listing, err := s.listing()
		if err != nil {
			return "", err
		}
		seq := 0
		for _, m := range listing {
			if m.UID == op.TargetRef {
				seq = m.ID
				break
			}
		}
		if seq == 0 {
			return op.TargetRef, nil
		}
		if err := s.conn.Dele(seq); err != nil {
			return "", classify("pop3 dele", err)
		}
		err = s.conn.Quit()
		s.conn = nil
		if err != nil {
			return "", classify("pop3 quit", err)
		}
		return op.TargetRef, nil
	}
	return "", model.ProtocolError("pop3 apply", fmt.Errorf("unsupported operation %q", op.Kind))
}

// diffUIDL returns delta items for a listing and the listing indexed by UID.
// With full set every message is reported as added.
func diffUIDL(prev []string, full bool, listing []pop3client.MessageID) ([]model.RemoteItem, map[string]pop3client.MessageID) {
	known := make(map[string]bool, len(prev))
	for _, uid := range prev {
		known[uid] = true
	}
	byUID := make(map[string]pop3client.MessageID, len(listing))
	var items []model.RemoteItem
	for _, m := range listing {
		byUID[m.UID] = m
		if full || !known[m.UID] {
			items = append(items, model.RemoteItem{Change: model.ChangeAdded, RemoteID: m.UID})
		}
	}
	if !full {
		var gone []string
		for _, uid := range prev {
			if _, ok := byUID[uid]; !ok {
				gone = append(gone, uid)
			}
		}
		sort.Strings(gone)
		for _, uid := range gone {
			items = append(items, model.RemoteItem{Change: model.ChangeRemoved, RemoteID: uid})
		}
	}
	return items, byUID
}

func summaryOf(h message.Header, size int64) model.MessageSummary {
	mh := mail.Header{Header: h}
	sum := model.MessageSummary{Size: size}
	sum.Subject, _ = mh.Subject()
	if id, err := mh.MessageID(); err == nil {
		sum.MessageID = id
	}
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		sum.From = addrs[0].Address
	}
	if d, err := mh.Date(); err == nil {
		sum.Date = d
	}
	return sum
}

func encodeMarker(uids []string) (string, error) {
	sorted := append([]string(nil), uids...)
	sort.Strings(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("encode pop3 marker: %w", err)
	}
	return string(data), nil
}

func decodeMarker(s string) ([]string, error) {
	var uids []string
	if err := json.Unmarshal([]byte(s), &uids); err != nil {
		return nil, fmt.Errorf("decode pop3 marker: %w", err)
	}
	return uids, nil
}

// classify maps POP3 failures onto error kinds. Servers answer -ERR with
// free text, so only transport errors are told apart.
func classify(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, net.ErrClosed) {
		return model.NetworkError(op, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "[auth]") {
		return model.AuthError(op, err)
	}
	return model.ProtocolError(op, err)
}
