// Package imap implements the stream-protocol handler over IMAP4rev1/rev2.
//
// A folder's validity token is its UIDVALIDITY. The cursor marker records
// UIDNEXT and the flags of every UID seen by the last fetch, so a delta is
// computed by diffing a cheap UID FETCH (UID FLAGS) against it. Plain IMAP
// cannot report moves or per-change timestamps: a move shows up as a removal
// in one folder and an addition in another; Locate finds the message again
// by Message-ID when a queued operation still targets it.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers/smtp"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	// idleRestart stays below the 30 minute server timeout of RFC 2177.
	idleRestart   = 25 * time.Minute
	dialTimeout   = 30 * time.Second
	logoutTimeout = 5 * time.Second
)

// Handler speaks IMAP. It is safe for concurrent use; all connection state
// lives in sessions.
type Handler struct {
	log zerolog.Logger
	// IdleRestart bounds one IDLE command before it is reissued.
	IdleRestart time.Duration
	// DialTimeout bounds the TCP connect when ctx has no earlier deadline.
	DialTimeout time.Duration
}

var (
	_ sync.Handler        = (*Handler)(nil)
	_ sync.PushSubscriber = (*Handler)(nil)
	_ sync.Locator        = (*Handler)(nil)
)

// New creates an IMAP handler.
func New(log zerolog.Logger) *Handler {
	return &Handler{log: log.With().Str("protocol", "imap").Logger(), IdleRestart: idleRestart, DialTimeout: dialTimeout}
}

func (h *Handler) Protocol() model.Protocol { return model.ProtocolIMAP }

type session struct {
	c       *imapclient.Client
	account model.Account
	cred    auth.Credential
	// notify is signalled by unsolicited mailbox updates during IDLE.
	notify chan struct{}
}

func (s *session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close logs out, giving up on a server that does not answer.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	stop := s.watch(ctx)
	logoutErr := s.c.Logout().Wait()
	stop()
	closeErr := s.c.Close()
	if logoutErr != nil {
		return logoutErr
	}
	return closeErr
}

// watch closes the connection when ctx ends so that a blocked command
// returns. The session is unusable afterwards.
func (s *session) watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() { s.c.Close() })
}

// interrupted reports a command cut short by ctx as a network error carrying
// the context's error.
func interrupted(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.NetworkError(op, ctxErr)
	}
	return err
}

// Connect dials and authenticates. OAuth tokens use OAUTHBEARER, anything
// else a plain LOGIN.
func (h *Handler) Connect(ctx context.Context, account model.Account, cred auth.Credential) (sync.Session, error) {
	ep := account.Endpoint
	if ep.Port == 0 {
		ep.Port = 993
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	s := &session{account: account, cred: cred, notify: make(chan struct{}, 1)}
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: ep.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.signal()
				}
			},
			Expunge: func(uint32) { s.signal() },
			Fetch: func(msg *imapclient.FetchMessageData) {
				msg.Collect()
				s.signal()
			},
		},
	}

	timeout := h.DialTimeout
	if timeout <= 0 {
		timeout = dialTimeout
	}
	conn, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, interrupted(ctx, "imap dial "+addr, model.NetworkError("imap dial "+addr, err))
	}
	// Until login completes, ctx owns the connection.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var c *imapclient.Client
	if ep.TLS {
		tc := tls.Client(conn, opts.TLSConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, interrupted(ctx, "imap tls handshake", model.NetworkError("imap tls handshake", err))
		}
		c = imapclient.New(tc, opts)
		if err := c.WaitGreeting(); err != nil {
			c.Close()
			return nil, interrupted(ctx, "imap greeting", classify("imap greeting", err))
		}
	} else {
		c, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, interrupted(ctx, "imap starttls", classify("imap starttls", err))
		}
	}
	s.c = c

	username := cred.Username
	if username == "" {
		username = account.Username
	}
	if cred.Token != nil && cred.Token.AccessToken != "" {
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: username,
			Token:    cred.Token.AccessToken,
		}))
	} else {
		err = c.Login(username, cred.Password).Wait()
	}
	if err != nil {
		c.Close()
		if ctx.Err() != nil {
			return nil, interrupted(ctx, "imap login", err)
		}
		return nil, model.AuthError("imap login "+username, err)
	}
	if !stop() {
		c.Close()
		return nil, model.NetworkError("imap login", ctx.Err())
	}
	return s, nil
}

func asSession(s sync.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("imap: foreign session %T", s)
	}
	return sess, nil
}

// ListFolders lists selectable mailboxes with their UIDVALIDITY.
func (h *Handler) ListFolders(ctx context.Context, ss sync.Session) (_ []model.Folder, err error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, err
	}
	defer s.watch(ctx)()
	defer func() { err = interrupted(ctx, "imap list", err) }()

	mailboxes, err := s.c.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify("imap list", err)
	}

	var folders []model.Folder
	for _, mb := range mailboxes {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if hasAttr(mb.Attrs, imap.MailboxAttrNoSelect) || hasAttr(mb.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		st, err := s.c.Status(mb.Mailbox, &imap.StatusOptions{UIDValidity: true}).Wait()
		if err != nil {
			return nil, classify("imap status "+mb.Mailbox, err)
		}
		folders = append(folders, model.Folder{
			AccountID: s.account.ID,
			ID:        mb.Mailbox,
			Path:      mb.Mailbox,
			Name:      leafName(mb.Mailbox, mb.Delim),
			Validity:  strconv.FormatUint(uint64(st.UIDValidity), 10),
		})
	}
	return folders, nil
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

func leafName(path string, delim rune) string {
	if delim == 0 {
		return path
	}
	if i := strings.LastIndexByte(path, byte(delim)); i >= 0 {
		return path[i+1:]
	}
	return path
}

// FetchDelta diffs the folder's current UID/flag listing against the cursor.
func (h *Handler) FetchDelta(ctx context.Context, ss sync.Session, folder model.Folder, cursor *model.Cursor) (_ *model.RemoteDelta, _ model.Cursor, err error) {
	s, err := asSession(ss)
	if err != nil {
		return nil, model.Cursor{}, err
	}
	defer s.watch(ctx)()
	defer func() { err = interrupted(ctx, "imap fetch delta", err) }()

	sel, err := s.c.Select(folder.Path, nil).Wait()
	if err != nil {
		return nil, model.Cursor{}, classify("imap select "+folder.Path, err)
	}
	validity := strconv.FormatUint(uint64(sel.UIDValidity), 10)

	var prev *marker
	if cursor != nil {
		if cursor.Validity != "" && cursor.Validity != validity {
			return nil, model.Cursor{}, model.ErrInvalidated
		}
		prev, err = decodeMarker(cursor.Marker)
		if err != nil {
			h.log.Warn().Err(err).Str("folder", folder.ID).Msg("Unreadable cursor marker")
			return nil, model.Cursor{}, model.ErrInvalidated
		}
	}

	current := make(map[imap.UID][]string)
	if sel.NumMessages > 0 {
		var all imap.UIDSet
		all.AddRange(1, 0)
		bufs, err := s.c.Fetch(all, &imap.FetchOptions{UID: true, Flags: true}).Collect()
		if err != nil {
			return nil, model.Cursor{}, classify("imap fetch flags", err)
		}
		for _, b := range bufs {
			current[b.UID] = flagStrings(b.Flags)
		}
	}
	if ctx.Err() != nil {
		return nil, model.Cursor{}, ctx.Err()
	}

	items, addedUIDs := diffListing(prev, current)
	if len(addedUIDs) > 0 {
		summaries, err := s.summaries(addedUIDs)
		if err != nil {
			return nil, model.Cursor{}, err
		}
		for i := range items {
			if items[i].Change != model.ChangeAdded {
				continue
			}
			uid, _ := parseUID(items[i].RemoteID)
			items[i].Summary = summaries[uid]
		}
	}

	enc, err := encodeMarker(marker{UIDNext: uint32(sel.UIDNext), Flags: current})
	if err != nil {
		return nil, model.Cursor{}, err
	}
	delta := &model.RemoteDelta{Folder: folder, Items: items, Full: prev == nil}
	return delta, model.Cursor{Validity: validity, Marker: enc}, nil
}

func (s *session) summaries(uids []imap.UID) (map[imap.UID]model.MessageSummary, error) {
	bufs, err := s.c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		RFC822Size:   true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, classify("imap fetch envelopes", err)
	}
	out := make(map[imap.UID]model.MessageSummary, len(bufs))
	for _, b := range bufs {
		out[b.UID] = summaryOf(b)
	}
	return out, nil
}

func summaryOf(b *imapclient.FetchMessageBuffer) model.MessageSummary {
	sum := model.MessageSummary{Size: b.RFC822Size, Date: b.InternalDate}
	if env := b.Envelope; env != nil {
		sum.MessageID = env.MessageID
		sum.Subject = env.Subject
		if !env.Date.IsZero() {
			sum.Date = env.Date
		}
		if len(env.From) > 0 {
			sum.From = env.From[0].Addr()
		}
	}
	return sum
}

// ApplyOperation carries one queued operation to the server. Every branch
// checks remote state so that a replay after a lost acknowledgement is
// harmless.
func (h *Handler) ApplyOperation(ctx context.Context, ss sync.Session, op model.Operation) (_ string, err error) {
	s, err := asSession(ss)
	if err != nil {
		return "", err
	}
	defer s.watch(ctx)()
	defer func() { err = interrupted(ctx, "imap "+string(op.Kind), err) }()

	switch op.Kind {
	case model.OpSend:
		return s.send(ctx, op)
	case model.OpAppend:
		return s.appendMessage(op)
	}

	uid, err := parseUID(op.TargetRef)
	if err != nil {
		return "", model.ProtocolError("imap "+string(op.Kind), err)
	}
	if _, err := s.c.Select(op.FolderID, nil).Wait(); err != nil {
		return "", classify("imap select "+op.FolderID, err)
	}
	set := imap.UIDSetNum(uid)

	switch op.Kind {
	case model.OpFlags:
		for _, change := range []struct {
			op    imap.StoreFlagsOp
			flags []string
		}{
			{imap.StoreFlagsAdd, op.Payload.Add},
			{imap.StoreFlagsDel, op.Payload.Remove},
		} {
			if len(change.flags) == 0 {
				continue
			}
			err := s.c.Store(set, &imap.StoreFlags{Op: change.op, Silent: true, Flags: toFlags(change.flags)}, nil).Close()
			if err != nil {
				return "", classify("imap store", err)
			}
		}
		return op.TargetRef, nil

	case model.OpDelete:
		err := s.c.Store(set, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}, nil).Close()
		if err != nil {
			return "", classify("imap store deleted", err)
		}
		if s.c.Caps().Has(imap.CapUIDPlus) {
			err = s.c.UIDExpunge(set).Close()
		} else {
			err = s.c.Expunge().Close()
		}
		if err != nil {
			return "", classify("imap expunge", err)
		}
		return op.TargetRef, nil

	case model.OpMove:
		return s.move(op, set)
	}
	return "", model.ProtocolError("imap apply", fmt.Errorf("unsupported operation %q", op.Kind))
}

func (s *session) move(op model.Operation, set imap.UIDSet) (string, error) {
	dest := op.Payload.ToFolderID
	bufs, err := s.c.Fetch(set, &imap.FetchOptions{UID: true, Envelope: true}).Collect()
	if err != nil {
		return "", classify("imap fetch", err)
	}
	if len(bufs) == 0 {
		return "", model.ConflictError("imap move", fmt.Errorf("uid %s no longer in %s", op.TargetRef, op.FolderID))
	}
	var messageID string
	if bufs[0].Envelope != nil {
		messageID = bufs[0].Envelope.MessageID
	}

	data, err := s.c.Move(set, dest).Wait()
	if err != nil {
		return "", classify("imap move", err)
	}
	if data != nil {
		if uids, ok := data.DestUIDs.(imap.UIDSet); ok {
			if nums, ok := uids.Nums(); ok && len(nums) == 1 {
				return formatUID(nums[0]), nil
			}
		}
	}
	// No COPYUID: find the message in the destination by Message-ID.
	if messageID == "" {
		return "", nil
	}
	if _, err := s.c.Select(dest, nil).Wait(); err != nil {
		return "", classify("imap select "+dest, err)
	}
	uid, found, err := s.findByMessageID(messageID)
	if err != nil || !found {
		return "", err
	}
	return formatUID(uid), nil
}

func (s *session) appendMessage(op model.Operation) (string, error) {
	if op.Payload.MessageID != "" {
		if _, err := s.c.Select(op.FolderID, nil).Wait(); err != nil {
			return "", classify("imap select "+op.FolderID, err)
		}
		uid, found, err := s.findByMessageID(op.Payload.MessageID)
		if err != nil {
			return "", err
		}
		if found {
			return formatUID(uid), nil
		}
	}

	raw := op.Payload.Raw
	cmd := s.c.Append(op.FolderID, int64(len(raw)), &imap.AppendOptions{Flags: toFlags(op.Payload.Add)})
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return "", classify("imap append", err)
	}
	if err := cmd.Close(); err != nil {
		return "", classify("imap append", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return "", classify("imap append", err)
	}
	if data != nil && data.UID != 0 {
		return formatUID(data.UID), nil
	}
	if op.Payload.MessageID == "" {
		return "", nil
	}
	if _, err := s.c.Select(op.FolderID, nil).Wait(); err != nil {
		return "", classify("imap select "+op.FolderID, err)
	}
	uid, _, err := s.findByMessageID(op.Payload.MessageID)
	if err != nil {
		return "", err
	}
	return formatUID(uid), nil
}

func (s *session) findByMessageID(messageID string) (imap.UID, bool, error) {
	data, err := s.c.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: messageID}},
	}, nil).Wait()
	if err != nil {
		return 0, false, classify("imap search", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return 0, false, nil
	}
	return uids[len(uids)-1], true, nil
}

// Locate searches the mailboxes for the Message-ID, starting with the
// folder the message left. Without a Message-ID a move cannot be told apart
// from a deletion. A message found in the trash counts as deleted.
func (h *Handler) Locate(ctx context.Context, ss sync.Session, from model.Folder, remoteID, messageID string) (_ *model.RemoteItem, err error) {
	if messageID == "" {
		return nil, nil
	}
	s, err := asSession(ss)
	if err != nil {
		return nil, err
	}
	defer s.watch(ctx)()
	defer func() { err = interrupted(ctx, "imap locate", err) }()

	mailboxes, err := s.c.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify("imap list", err)
	}
	var order []string
	for _, mb := range mailboxes {
		if hasAttr(mb.Attrs, imap.MailboxAttrNoSelect) || hasAttr(mb.Attrs, imap.MailboxAttrNonExistent) ||
			hasAttr(mb.Attrs, imap.MailboxAttrTrash) {
			continue
		}
		if mb.Mailbox == from.Path {
			order = append([]string{mb.Mailbox}, order...)
		} else {
			order = append(order, mb.Mailbox)
		}
	}

	for _, name := range order {
		if _, err := s.c.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return nil, classify("imap examine "+name, err)
		}
		uid, found, err := s.findByMessageID(messageID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		bufs, err := s.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			Envelope:     true,
			RFC822Size:   true,
			InternalDate: true,
		}).Collect()
		if err != nil {
			return nil, classify("imap fetch", err)
		}
		if len(bufs) == 0 {
			continue
		}
		h.log.Debug().Str("remote_id", remoteID).Str("folder", name).Msg("Message found after leaving its folder")
		return &model.RemoteItem{
			Change:      model.ChangeMoved,
			RemoteID:    remoteID,
			NewRemoteID: formatUID(uid),
			ToFolderID:  name,
			Flags:       flagStrings(bufs[0].Flags),
			Summary:     summaryOf(bufs[0]),
		}, nil
	}
	return nil, nil
}

func (s *session) send(ctx context.Context, op model.Operation) (string, error) {
	if s.account.SMTP.Host == "" {
		return "", model.ProtocolError("imap send", errors.New("account has no SMTP endpoint"))
	}
	username := s.cred.Username
	if username == "" {
		username = s.account.Username
	}
	sub := smtp.Submitter{Endpoint: s.account.SMTP, Username: username, Password: s.cred.Password}
	if err := sub.Send(ctx, op.Payload.Raw); err != nil {
		return "", err
	}
	return op.Payload.MessageID, nil
}

// SubscribePush selects the folder and IDLEs until ctx ends, calling
// onNotify for every mailbox update the server pushes.
func (h *Handler) SubscribePush(ctx context.Context, ss sync.Session, folder model.Folder, onNotify func()) error {
	s, err := asSession(ss)
	if err != nil {
		return err
	}
	defer s.watch(ctx)()
	if _, err := s.c.Select(folder.Path, nil).Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return classify("imap select "+folder.Path, err)
	}

	restart := h.IdleRestart
	if restart <= 0 {
		restart = idleRestart
	}
	for {
		idle, err := s.c.Idle()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classify("imap idle", err)
		}

		timer := time.NewTimer(restart)
		notified := false
		select {
		case <-ctx.Done():
		case <-s.notify:
			notified = true
		case <-timer.C:
		}
		timer.Stop()

		if err := idle.Close(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classify("imap idle done", err)
		}
		if err := idle.Wait(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classify("imap idle", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if notified {
			onNotify()
		}
	}
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *imap.Error
	if errors.As(err, &ie) {
		switch ie.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return model.AuthError(op, err)
		case imap.ResponseCodeUnavailable, imap.ResponseCodeInUse:
			return model.NetworkError(op, err)
		}
		return model.ProtocolError(op, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return model.NetworkError(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return model.NetworkError(op, err)
	}
	return model.ProtocolError(op, err)
}
