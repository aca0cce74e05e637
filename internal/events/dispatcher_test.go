package events

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

type recordingPublisher struct {
	mu    sync.Mutex
	fails int
	got   []Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("nats: no responders available")
	}
	p.got = append(p.got, env)
	return nil
}

func (p *recordingPublisher) received() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.got...)
}

func openStore(t *testing.T) (*sqlite.Store, *time.Time) {
	t.Helper()
	st, err := sqlite.Open(sqlite.DriverModernc, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	return st, &now
}

func appendEvent(t *testing.T, st *sqlite.Store, typ model.EventType, msgID string) {
	t.Helper()
	ev, err := model.NewEvent(typ, "acct", "INBOX", msgID, map[string]string{"k": msgID})
	require.NoError(t, err)
	require.NoError(t, st.AppendEvent(context.Background(), ev))
}

func TestDispatchOncePublishesToEveryPublisher(t *testing.T) {
	st, _ := openStore(t)
	appendEvent(t, st, model.EventCycleCompleted, "m1")
	appendEvent(t, st, model.EventConflict, "m2")
	appendEvent(t, st, model.EventConflict, "m2")

	reg := prometheus.NewRegistry()
	a, b := &recordingPublisher{}, &recordingPublisher{}
	d := &Dispatcher{Outbox: st, Publishers: []Publisher{a, b}, Metrics: metrics.New(reg), Logger: zerolog.Nop()}

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, p := range []*recordingPublisher{a, b} {
		got := p.received()
		require.Len(t, got, 2)
		assert.Equal(t, "mailsync.acct.cycle.completed", got[0].Subject)
		assert.Equal(t, "m1", got[0].MsgID)
		assert.Equal(t, string(model.EventConflict), got[1].Type)
		assert.JSONEq(t, `{"k":"m2"}`, string(got[1].Payload))
	}

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := testutil.GatherAndCount(reg, "mailsync_events_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDispatchRetriesFailedEntryAfterBackoff(t *testing.T) {
	st, now := openStore(t)
	appendEvent(t, st, model.EventQueueExhausted, "dead-1")

	p := &recordingPublisher{fails: 1}
	d := &Dispatcher{
		Outbox:     st,
		Publishers: []Publisher{p},
		Logger:     zerolog.Nop(),
		Retry:      mailsync.Backoff{Base: 10 * time.Second, Max: time.Minute},
	}

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, p.received())

	// Not due yet.
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(11 * time.Second)
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, p.received(), 1)
	assert.Equal(t, "dead-1", p.received()[0].MsgID)
}

func TestDispatchRetriesWholeEntryWhenOnePublisherFails(t *testing.T) {
	st, now := openStore(t)
	appendEvent(t, st, model.EventConflict, "c-1")

	ok := &recordingPublisher{}
	flaky := &recordingPublisher{fails: 1}
	bc := NewBroadcaster(zerolog.Nop())
	sub, cancel := bc.Subscribe(4)
	defer cancel()

	d := &Dispatcher{Outbox: st, Publishers: []Publisher{bc, ok, flaky}, Logger: zerolog.Nop()}
	_, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)

	*now = now.Add(time.Minute)
	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The healthy publisher saw the retry; the broadcaster dropped it.
	assert.Len(t, ok.received(), 2)
	assert.Len(t, flaky.received(), 1)
	require.Len(t, sub, 1)
	assert.Equal(t, "c-1", (<-sub).MsgID)
}

func TestRunStopsWithContext(t *testing.T) {
	st, _ := openStore(t)
	appendEvent(t, st, model.EventCycleCompleted, "r-1")

	p := &recordingPublisher{}
	d := &Dispatcher{Outbox: st, Publishers: []Publisher{p}, Logger: zerolog.Nop(), Poll: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(p.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestBroadcasterDropsForFullSubscriberAndUnsubscribes(t *testing.T) {
	bc := NewBroadcaster(zerolog.Nop())
	slow, cancelSlow := bc.Subscribe(1)
	fast, cancelFast := bc.Subscribe(4)

	for _, id := range []string{"a", "b", "a"} {
		require.NoError(t, bc.Publish(context.Background(), Envelope{MsgID: id}))
	}
	assert.Len(t, slow, 1)
	assert.Len(t, fast, 2)

	cancelSlow()
	cancelSlow()
	_, open := <-slow
	assert.True(t, open)
	_, open = <-slow
	assert.False(t, open)

	require.NoError(t, bc.Publish(context.Background(), Envelope{MsgID: "c"}))
	assert.Len(t, fast, 3)
	cancelFast()
}
