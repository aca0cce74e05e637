package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
)

// pushHandler adds push support to fakeHandler.
type pushHandler struct {
	*fakeHandler
	notify chan func()
}

func (h *pushHandler) SubscribePush(ctx context.Context, _ Session, _ model.Folder, onNotify func()) error {
	select {
	case h.notify <- onNotify:
	case <-ctx.Done():
		return nil
	}
	<-ctx.Done()
	return nil
}

func newTestManager(t *testing.T, hs *harness, h Handler, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	}
	m := NewManager(context.Background(), hs.runner, map[model.Protocol]Handler{model.ProtocolIMAP: h}, cfg, zerolog.Nop())
	t.Cleanup(m.Stop)
	return m
}

func countingFetch(n *atomic.Int32) fetchFunc {
	return func(_ context.Context, folder model.Folder, _ *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
		n.Add(1)
		return &model.RemoteDelta{Folder: folder}, model.Cursor{Marker: "1"}, nil
	}
}

func TestManagerRunsFirstCycleAndGoesIdle(t *testing.T) {
	hs := newHarness(t)
	reg := prometheus.NewRegistry()
	hs.runner.Metrics = metrics.New(reg)
	var fetches atomic.Int32
	hs.handler.fetch = countingFetch(&fetches)

	m := newTestManager(t, hs, hs.handler, ManagerConfig{})
	require.NoError(t, m.AddAccount(hs.account))

	require.Eventually(t, func() bool {
		st, ok := m.Status("acct")
		return ok && st.State == StateIdle && !st.LastSync.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), fetches.Load())

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "mailsync_account_state")
		return err == nil && n == len(allStates)
	}, time.Second, 5*time.Millisecond)

	require.Error(t, m.AddAccount(hs.account))
}

func TestManagerTriggerSync(t *testing.T) {
	hs := newHarness(t)
	var fetches atomic.Int32
	hs.handler.fetch = countingFetch(&fetches)

	m := newTestManager(t, hs, hs.handler, ManagerConfig{})
	require.NoError(t, m.AddAccount(hs.account))
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.TriggerSync("acct", "INBOX"))
	require.Eventually(t, func() bool { return fetches.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, m.TriggerSync("nobody", ""), model.ErrUnknownAccount)
}

func TestManagerBacksOffThenRecovers(t *testing.T) {
	hs := newHarness(t)
	var fetches atomic.Int32
	hs.handler.fetch = func(_ context.Context, folder model.Folder, _ *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
		if fetches.Add(1) <= 2 {
			return nil, model.Cursor{}, model.NetworkError("fetch", errors.New("connection refused"))
		}
		return &model.RemoteDelta{Folder: folder}, model.Cursor{Marker: "1"}, nil
	}

	m := newTestManager(t, hs, hs.handler, ManagerConfig{})
	require.NoError(t, m.AddAccount(hs.account))

	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StateIdle && fetches.Load() >= 3
	}, 3*time.Second, 5*time.Millisecond)

	st, _ := m.Status("acct")
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
}

func TestManagerPausesOnAuthFailureUntilManualSync(t *testing.T) {
	hs := newHarness(t)
	hs.creds.Revoke("acct")

	m := newTestManager(t, hs, hs.handler, ManagerConfig{})
	require.NoError(t, m.AddAccount(hs.account))

	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StatePaused
	}, 2*time.Second, 5*time.Millisecond)
	st, _ := m.Status("acct")
	assert.Equal(t, model.KindAuth, st.LastErrorKind)

	hs.creds.Set("acct", auth.Credential{Username: "alice", Password: "secret"})
	require.NoError(t, m.TriggerSync("acct", ""))
	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerPausesAfterRepeatedProtocolFailures(t *testing.T) {
	hs := newHarness(t)
	hs.handler.fetch = func(context.Context, model.Folder, *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
		return nil, model.Cursor{}, model.ProtocolError("fetch", errors.New("BAD command"))
	}

	m := newTestManager(t, hs, hs.handler, ManagerConfig{MaxProtocolFailures: 2})
	require.NoError(t, m.AddAccount(hs.account))

	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StatePaused && st.Failures == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerPushSignalTriggersFetch(t *testing.T) {
	hs := newHarness(t)
	var fetches atomic.Int32
	hs.handler.fetch = countingFetch(&fetches)
	ph := &pushHandler{fakeHandler: hs.handler, notify: make(chan func(), 1)}

	account := hs.account
	account.PushFolders = []string{"INBOX"}
	m := newTestManager(t, hs, ph, ManagerConfig{})
	require.NoError(t, m.AddAccount(account))

	var notify func()
	select {
	case notify = <-ph.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("push subscription not started")
	}
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	notify()
	require.Eventually(t, func() bool { return fetches.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	st, _ := m.Status("acct")
	assert.True(t, st.Push)
}

func TestManagerRemoveAccountWaitsAndForgets(t *testing.T) {
	hs := newHarness(t)
	m := newTestManager(t, hs, hs.handler, ManagerConfig{})
	require.NoError(t, m.AddAccount(hs.account))
	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.RemoveAccount("acct"))
	_, ok := m.Status("acct")
	assert.False(t, ok)
	assert.Empty(t, m.States())
	require.ErrorIs(t, m.RemoveAccount("acct"), model.ErrUnknownAccount)
}

func TestManagerSyncNowAndQueueStatus(t *testing.T) {
	hs := newHarness(t)
	m := newTestManager(t, hs, hs.handler, ManagerConfig{})
	require.NoError(t, m.AddAccount(hs.account))
	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	hs.handler.mu.Lock()
	hs.handler.applyFn = func(context.Context, model.Operation) (string, error) {
		return "", model.NetworkError("delete", errors.New("timeout"))
	}
	hs.handler.mu.Unlock()
	hs.enqueue(t, model.Operation{FolderID: "INBOX", TargetRef: "1", Kind: model.OpDelete})

	results, err := m.SyncNow(context.Background(), "acct", "INBOX")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Failed)

	st, err := m.QueueStatus(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)

	_, err = m.SyncNow(context.Background(), "nobody", "")
	require.ErrorIs(t, err, model.ErrUnknownAccount)
}

func TestManagerSkipsCycleWhileManualSyncRuns(t *testing.T) {
	hs := newHarness(t)
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	hs.handler.fetch = func(_ context.Context, folder model.Folder, _ *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
		switch calls.Add(1) {
		case 1:
			return nil, model.Cursor{}, model.NetworkError("fetch", errors.New("connection refused"))
		case 2:
			close(entered)
			<-release
		}
		return &model.RemoteDelta{Folder: folder}, model.Cursor{Marker: "1"}, nil
	}

	m := newTestManager(t, hs, hs.handler, ManagerConfig{Backoff: Backoff{Base: time.Hour, Max: time.Hour}})
	require.NoError(t, m.AddAccount(hs.account))
	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StateBackoff && st.Failures == 1
	}, 2*time.Second, 5*time.Millisecond)
	before, _ := m.Status("acct")

	done := make(chan error, 1)
	go func() {
		_, err := m.SyncNow(context.Background(), "acct", "")
		done <- err
	}()
	<-entered

	require.NoError(t, m.TriggerSync("acct", ""))
	require.Eventually(t, func() bool {
		st, _ := m.Status("acct")
		return st.State == StateBackoff && st.NextRun.After(before.NextRun)
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := m.Status("acct")
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, before.LastError, st.LastError)
	assert.Equal(t, model.KindNetwork, st.LastErrorKind)
	assert.True(t, st.LastSync.IsZero())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManagerBoundsConcurrentCycles(t *testing.T) {
	hs := newHarness(t)
	var running, peak atomic.Int32
	release := make(chan struct{})
	hs.handler.fetch = func(_ context.Context, folder model.Folder, _ *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &model.RemoteDelta{Folder: folder}, model.Cursor{Marker: "1"}, nil
	}

	m := newTestManager(t, hs, hs.handler, ManagerConfig{MaxConcurrency: 2})
	ids := []string{"a1", "a2", "a3", "a4"}
	for _, id := range ids {
		hs.creds.Set(id, auth.Credential{Username: id, Password: "secret"})
		require.NoError(t, m.AddAccount(model.Account{ID: id, Protocol: model.ProtocolIMAP}))
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	close(release)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			st, _ := m.Status(id)
			if st.State != StateIdle {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}
