package outlook

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
)

func strp(s string) *string { return &s }

func graphMessage(id string, read bool, flagged bool) models.Messageable {
	m := models.NewMessage()
	m.SetId(strp(id))
	m.SetIsRead(&read)
	status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
	if flagged {
		status = models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	f := models.NewFollowupFlag()
	f.SetFlagStatus(&status)
	m.SetFlag(f)
	return m
}

func TestItemOf(t *testing.T) {
	changed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	received := time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC)

	m := graphMessage("AAMk1", true, true)
	m.SetSubject(strp("Quarterly report"))
	m.SetInternetMessageId(strp("<q1@example.com>"))
	m.SetLastModifiedDateTime(&changed)
	m.SetReceivedDateTime(&received)
	ea := models.NewEmailAddress()
	ea.SetAddress(strp("bob@example.com"))
	ea.SetName(strp("Bob"))
	from := models.NewRecipient()
	from.SetEmailAddress(ea)
	m.SetFrom(from)

	it, ok := itemOf(m)
	require.True(t, ok)
	assert.Equal(t, model.ChangeAdded, it.Change)
	assert.Equal(t, "AAMk1", it.RemoteID)
	assert.Equal(t, []string{model.FlagFlagged, model.FlagSeen}, it.Flags)
	assert.Equal(t, changed, it.ChangedAt)
	assert.Equal(t, "Quarterly report", it.Summary.Subject)
	assert.Equal(t, "q1@example.com", it.Summary.MessageID)
	assert.Equal(t, "Bob <bob@example.com>", it.Summary.From)
	assert.Equal(t, received, it.Summary.Date)
}

func TestItemOfRemoved(t *testing.T) {
	m := models.NewMessage()
	m.SetId(strp("gone"))
	m.SetAdditionalData(map[string]any{"@removed": map[string]any{"reason": "deleted"}})

	it, ok := itemOf(m)
	require.True(t, ok)
	assert.Equal(t, model.RemoteItem{Change: model.ChangeRemoved, RemoteID: "gone"}, it)

	_, ok = itemOf(models.NewMessage())
	assert.False(t, ok)
}

func TestLocatedItem(t *testing.T) {
	m := graphMessage("AAMk9", true, false)
	m.SetParentFolderId(strp("archive-id"))
	m.SetInternetMessageId(strp("<q9@example.com>"))

	it := locatedItem(m)
	require.NotNil(t, it)
	assert.Equal(t, model.ChangeMoved, it.Change)
	assert.Equal(t, "AAMk9", it.RemoteID)
	assert.Equal(t, "AAMk9", it.NewRemoteID)
	assert.Equal(t, "archive-id", it.ToFolderID)
	assert.Equal(t, []string{model.FlagSeen}, it.Flags)
	assert.Equal(t, "q9@example.com", it.Summary.MessageID)

	assert.Nil(t, locatedItem(models.NewMessage()))
}

func TestInternetMessageIDFilter(t *testing.T) {
	assert.Equal(t, "internetMessageId eq '<a''b@example.com>'", internetMessageIDFilter("<a'b@example.com>"))
}

func TestItemOfUnreadUnflagged(t *testing.T) {
	it, ok := itemOf(graphMessage("x", false, false))
	require.True(t, ok)
	assert.Empty(t, it.Flags)
	assert.True(t, it.ChangedAt.IsZero())
}

func TestCoalesceKeepsLastEntry(t *testing.T) {
	items := []model.RemoteItem{
		{Change: model.ChangeAdded, RemoteID: "a"},
		{Change: model.ChangeAdded, RemoteID: "b"},
		{Change: model.ChangeRemoved, RemoteID: "a"},
	}
	assert.Equal(t, []model.RemoteItem{
		{Change: model.ChangeAdded, RemoteID: "b"},
		{Change: model.ChangeRemoved, RemoteID: "a"},
	}, coalesce(items))
}

func TestFlagPatch(t *testing.T) {
	body, ok := flagPatch([]string{model.FlagSeen}, []string{model.FlagFlagged})
	require.True(t, ok)
	require.NotNil(t, body.GetIsRead())
	assert.True(t, *body.GetIsRead())
	require.NotNil(t, body.GetFlag())
	assert.Equal(t, models.NOTFLAGGED_FOLLOWUPFLAGSTATUS, *body.GetFlag().GetFlagStatus())

	body, ok = flagPatch(nil, []string{model.FlagSeen})
	require.True(t, ok)
	assert.False(t, *body.GetIsRead())
	assert.Nil(t, body.GetFlag())

	_, ok = flagPatch([]string{model.FlagAnswered}, nil)
	assert.False(t, ok)
}

func TestMessageFromMIME(t *testing.T) {
	raw := strings.Join([]string{
		"From: Alice <alice@example.com>",
		"To: bob@example.com, Carol <carol@example.com>",
		"Bcc: dave@example.com",
		"Subject: Lunch",
		"Message-Id: <lunch-1@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See you at noon.",
		"",
	}, "\r\n")

	msg, err := messageFromMIME([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Lunch", *msg.GetSubject())
	assert.Equal(t, "<lunch-1@example.com>", *msg.GetInternetMessageId())
	assert.Equal(t, "alice@example.com", *msg.GetFrom().GetEmailAddress().GetAddress())
	require.Len(t, msg.GetToRecipients(), 2)
	assert.Equal(t, "Carol", *msg.GetToRecipients()[1].GetEmailAddress().GetName())
	require.Len(t, msg.GetBccRecipients(), 1)
	assert.Empty(t, msg.GetCcRecipients())
	assert.Equal(t, models.TEXT_BODYTYPE, *msg.GetBody().GetContentType())
	assert.Equal(t, "See you at noon.", *msg.GetBody().GetContent())
}

func TestMessageFromMIMEPrefersHTMLAndKeepsAttachments(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: Report",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"plain body",
		"--b1",
		"Content-Type: text/html",
		"",
		"<p>html body</p>",
		"--b1",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="report.pdf"`,
		"",
		"%PDF-1.4",
		"--b1--",
		"",
	}, "\r\n")

	msg, err := messageFromMIME([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, models.HTML_BODYTYPE, *msg.GetBody().GetContentType())
	assert.Equal(t, "<p>html body</p>", *msg.GetBody().GetContent())
	require.Len(t, msg.GetAttachments(), 1)
	assert.Equal(t, "report.pdf", *msg.GetAttachments()[0].GetName())
}

func odataError(status int, code string) error {
	e := odataerrors.NewODataError()
	e.ResponseStatusCode = status
	if code != "" {
		inner := odataerrors.NewMainError()
		inner.SetCode(strp(code))
		e.SetErrorEscaped(inner)
	}
	return e
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"unauthorized", odataError(401, "InvalidAuthenticationToken"), model.KindAuth},
		{"forbidden", odataError(403, "ErrorAccessDenied"), model.KindAuth},
		{"throttled", odataError(429, "ApplicationThrottled"), model.KindNetwork},
		{"unavailable", odataError(503, ""), model.KindNetwork},
		{"precondition", odataError(412, ""), model.KindConflict},
		{"bad request", odataError(400, "ErrorInvalidRequest"), model.KindProtocol},
		{"plain", errors.New("boom"), model.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, model.KindOf(classify("op", tt.err)))
		})
	}
}

func TestSyncStateLostAndNotFound(t *testing.T) {
	assert.True(t, syncStateLost(odataError(410, "")))
	assert.True(t, syncStateLost(odataError(400, "syncStateNotFound")))
	assert.False(t, syncStateLost(odataError(404, "")))

	assert.True(t, isNotFound(odataError(404, "")))
	assert.True(t, isNotFound(odataError(400, "ErrorItemNotFound")))
	assert.False(t, isNotFound(errors.New("not found")))
}

func TestStaticTokenCredential(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok, err := (&staticTokenCredential{token: "abc", expiry: exp}).GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.Token)
	assert.Equal(t, exp, tok.ExpiresOn)

	tok, err = (&staticTokenCredential{token: "abc"}).GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.True(t, tok.ExpiresOn.After(time.Now()))
}

func TestConnectRequiresToken(t *testing.T) {
	_, err := New(zerolog.Nop()).Connect(context.Background(), model.Account{ID: "acct"}, auth.Credential{Username: "u"})
	assert.Equal(t, model.KindAuth, model.KindOf(err))
}

func TestFetchDeltaRejectsForeignMarker(t *testing.T) {
	a := New(zerolog.Nop())
	ss, err := a.Connect(context.Background(), model.Account{ID: "acct"}, auth.Credential{Token: &oauth2.Token{AccessToken: "tok"}})
	require.NoError(t, err)
	_, _, err = a.FetchDelta(context.Background(), ss, model.Folder{ID: "inbox"}, &model.Cursor{Marker: "42"})
	require.ErrorIs(t, err, model.ErrInvalidated)
}
