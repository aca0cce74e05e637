package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/events"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const secret = "s3cret"

type fakeScheduler struct {
	mu       sync.Mutex
	accounts map[string]mailsync.AccountStatus
	triggers []string
}

func (f *fakeScheduler) TriggerSync(accountID, folderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[accountID]; !ok {
		return fmt.Errorf("trigger %s: %w", accountID, model.ErrUnknownAccount)
	}
	f.triggers = append(f.triggers, accountID+"/"+folderID)
	return nil
}

func (f *fakeScheduler) Status(accountID string) (mailsync.AccountStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.accounts[accountID]
	return st, ok
}

func (f *fakeScheduler) States() []mailsync.AccountStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mailsync.AccountStatus, 0, len(f.accounts))
	for _, st := range f.accounts {
		out = append(out, st)
	}
	return out
}

func (f *fakeScheduler) QueueStatus(_ context.Context, accountID string) (model.QueueStatus, error) {
	if _, ok := f.Status(accountID); !ok {
		return model.QueueStatus{}, model.ErrUnknownAccount
	}
	return model.QueueStatus{AccountID: accountID, Pending: 2}, nil
}

func (f *fakeScheduler) triggered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

type recordingLocal struct {
	mu  sync.Mutex
	ops []model.Operation
}

func (r *recordingLocal) RecordLocal(_ context.Context, op model.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

type fixture struct {
	srv     *httptest.Server
	sched   *fakeScheduler
	queue   *sqlite.Store
	local   *recordingLocal
	bc      *events.Broadcaster
	token   string
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	queue, err := sqlite.Open(sqlite.DriverModernc, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	verifier, err := auth.NewSecretVerifier(secret)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.New(reg).SetQueueStatus(model.QueueStatus{AccountID: "acct", Pending: 1})

	f := &fixture{
		sched: &fakeScheduler{accounts: map[string]mailsync.AccountStatus{
			"acct": {AccountID: "acct", Protocol: model.ProtocolIMAP, State: mailsync.StateIdle},
		}},
		queue: queue,
		local: &recordingLocal{},
		bc:    events.NewBroadcaster(zerolog.Nop()),
	}
	s := &Server{
		Scheduler: f.sched,
		Queue:     queue,
		Local:     f.local,
		Verifier:  verifier,
		Events:    f.bc,
		Gatherer:  reg,
		Logger:    zerolog.Nop(),
	}
	f.handler = s.Handler()
	f.srv = httptest.NewServer(f.handler)
	t.Cleanup(f.srv.Close)

	tok, err := jwt.NewBuilder().Subject("ops").Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	f.token = string(signed)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetricsNeedNoToken(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `mailsync_queue_operations{account="acct",status="pending"} 1`)
}

func TestV1RequiresBearerToken(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccountsAndTriggerSync(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	var states []mailsync.AccountStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, mailsync.StateIdle, states[0].State)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/accounts/acct", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/accounts/nobody", "").Code)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/accounts/acct/sync?folder=INBOX", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/accounts/nobody/sync", "").Code)
	assert.Equal(t, []string{"acct/INBOX"}, f.sched.triggered())

	w = f.do(t, http.MethodGet, "/v1/accounts/acct/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"account_id":"acct","pending":2,"dead":0}`, w.Body.String())
}

func TestEnqueueRecordsLocallyAndQueues(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/accounts/acct/operations",
		`{"kind":"flags","folder_id":"INBOX","target":"42","add":["\\Seen"],"idempotency_key":"k1"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		ID             int64  `json:"id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "k1", resp.IdempotencyKey)

	// Same key, same operation.
	w = f.do(t, http.MethodPost, "/v1/accounts/acct/operations",
		`{"kind":"flags","folder_id":"INBOX","target":"42","add":["\\Seen"],"idempotency_key":"k1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var again struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, resp.ID, again.ID)

	ops, err := f.queue.PeekBatch(context.Background(), "acct", "INBOX", false, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []string{model.FlagSeen}, ops[0].Payload.Add)
	assert.Len(t, f.local.ops, 2)
	assert.Contains(t, f.sched.triggered(), "acct/INBOX")
}

func TestEnqueueAppendGetsPlaceholder(t *testing.T) {
	f := newFixture(t)
	raw := "Message-Id: <draft-1@example.com>\r\nSubject: Draft\r\n\r\nbody\r\n"
	body, err := json.Marshal(map[string]any{"kind": "append", "folder_id": "Drafts", "raw": []byte(raw)})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/v1/accounts/acct/operations", string(body))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		Placeholder string `json:"placeholder"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, model.IsPlaceholder(resp.Placeholder))

	ops, err := f.queue.PeekBatch(context.Background(), "acct", "Drafts", false, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "draft-1@example.com", ops[0].Payload.MessageID)
	assert.Equal(t, resp.Placeholder, ops[0].Placeholder)
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"no kind", `{"folder_id":"INBOX"}`},
		{"unknown kind", `{"kind":"archive","folder_id":"INBOX","target":"1"}`},
		{"empty flags", `{"kind":"flags","folder_id":"INBOX","target":"1"}`},
		{"move without destination", `{"kind":"move","folder_id":"INBOX","target":"1"}`},
		{"delete without target", `{"kind":"delete","folder_id":"INBOX"}`},
		{"send without raw", `{"kind":"send"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/accounts/acct/operations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/accounts/nobody/operations", `{"kind":"delete"}`).Code)
}

func TestDeadLettersAndRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.queue.Enqueue(ctx, model.Operation{AccountID: "acct", FolderID: "INBOX", TargetRef: "7", Kind: model.OpMove,
		Payload: model.Payload{ToFolderID: "Archive"}})
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkDead(ctx, id, model.KindConflict, "moved elsewhere"))

	w := f.do(t, http.MethodGet, "/v1/accounts/acct/dead", "")
	require.Equal(t, http.StatusOK, w.Code)
	var dead []operationView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dead))
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, model.KindConflict, dead[0].LastErrorKind)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/v1/operations/%d/requeue", id), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var op operationView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Zero(t, op.Attempts)
	assert.Contains(t, f.sched.triggered(), "acct/INBOX")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, fmt.Sprintf("/v1/operations/%d/requeue", id), "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/operations/abc/requeue", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/accounts/nobody/dead", "").Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/events?account=acct", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)

	// Headers arrive with the first event, so keep publishing until the
	// subscription is in place.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for i := 0; ; i++ {
			_ = f.bc.Publish(ctx, events.Envelope{AccountID: "other", MsgID: fmt.Sprintf("o-%d", i), Type: "conflict"})
			_ = f.bc.Publish(ctx, events.Envelope{AccountID: "acct", MsgID: fmt.Sprintf("a-%d", i), Type: "cycle.completed"})
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() && data == "" {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	assert.Equal(t, "cycle.completed", event)
	var env events.Envelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, "acct", env.AccountID)
}
