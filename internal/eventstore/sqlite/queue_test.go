package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

func TestEnqueueDeduplicatesIdempotencyKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	op := model.Operation{AccountID: "acct", FolderID: "INBOX", TargetRef: "1", Kind: model.OpDelete, IdempotencyKey: "del-1"}
	first, err := s.Enqueue(ctx, op)
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, s.MarkApplied(ctx, first, "1"))
	third, err := s.Enqueue(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	st, err := s.Status(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
}

func TestPeekBatchOrderingAndHolds(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	enqueue := func(op model.Operation) int64 {
		op.AccountID = "acct"
		id, err := s.Enqueue(ctx, op)
		require.NoError(t, err)
		return id
	}

	a1 := enqueue(model.Operation{FolderID: "INBOX", TargetRef: "1", Kind: model.OpFlags, Payload: model.Payload{Add: []string{model.FlagSeen}}})
	b1 := enqueue(model.Operation{FolderID: "INBOX", TargetRef: "2", Kind: model.OpFlags})
	a2 := enqueue(model.Operation{FolderID: "INBOX", TargetRef: "1", Kind: model.OpDelete})
	app := enqueue(model.Operation{FolderID: "INBOX", Kind: model.OpAppend, Placeholder: "pending:x", Payload: model.Payload{Raw: []byte("x"), MessageID: "<x@local>"}})
	onPlaceholder := enqueue(model.Operation{FolderID: "INBOX", TargetRef: "pending:x", Kind: model.OpFlags})

	batch, err := s.PeekBatch(ctx, "acct", "INBOX", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1, b1, a2, app}, ids(batch))
	assert.Equal(t, []string{model.FlagSeen}, batch[0].Payload.Add)

	// A failed op holds back later ops on the same message until it is due.
	require.NoError(t, s.MarkFailed(ctx, a1, model.KindNetwork, "timeout", now.Add(time.Minute)))
	batch, err = s.PeekBatch(ctx, "acct", "INBOX", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{b1, app}, ids(batch))

	// Applying the append resolves the placeholder of the op that follows it.
	require.NoError(t, s.MarkApplied(ctx, app, "55"))
	batch, err = s.PeekBatch(ctx, "acct", "INBOX", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{b1, onPlaceholder}, ids(batch))
	assert.Equal(t, "55", batch[1].TargetRef)

	*now = now.Add(2 * time.Minute)
	batch, err = s.PeekBatch(ctx, "acct", "INBOX", false, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1, b1}, ids(batch))
	assert.Equal(t, 1, batch[0].Attempts)
	assert.Equal(t, model.KindNetwork, batch[0].LastErrorKind)
}

func TestPeekBatchScopesToFolder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	enqueue := func(op model.Operation) int64 {
		op.AccountID = "acct"
		id, err := s.Enqueue(ctx, op)
		require.NoError(t, err)
		return id
	}
	for _, ref := range []string{"1", "2", "3"} {
		enqueue(model.Operation{FolderID: "Archive", TargetRef: ref, Kind: model.OpDelete})
	}
	inbox := enqueue(model.Operation{FolderID: "INBOX", TargetRef: "9", Kind: model.OpDelete})
	send := enqueue(model.Operation{Kind: model.OpSend, Payload: model.Payload{Raw: []byte("x"), MessageID: "<s@local>"}})

	// Older ops of another folder do not use up the batch.
	batch, err := s.PeekBatch(ctx, "acct", "INBOX", true, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{inbox, send}, ids(batch))

	batch, err = s.PeekBatch(ctx, "acct", "INBOX", false, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{inbox}, ids(batch))

	batch, err = s.PeekBatch(ctx, "acct", "Archive", false, 0)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
}

func TestMarkDeadSurfacesOnceAndUnblocks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, model.Operation{AccountID: "acct", FolderID: "INBOX", TargetRef: "1", Kind: model.OpMove})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, model.Operation{AccountID: "acct", FolderID: "INBOX", TargetRef: "1", Kind: model.OpFlags})
	require.NoError(t, err)

	require.NoError(t, s.MarkDead(ctx, first, model.KindQueueExhausted, "too many attempts"))
	require.ErrorIs(t, s.MarkDead(ctx, first, model.KindQueueExhausted, ""), model.ErrUnknownOperation)

	batch, err := s.PeekBatch(ctx, "acct", "INBOX", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{second}, ids(batch))

	dead, err := s.DeadLetters(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, model.StatusDead, dead[0].Status)
	assert.Equal(t, model.KindQueueExhausted, dead[0].LastErrorKind)
	assert.Equal(t, "too many attempts", dead[0].LastError)

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(model.EventQueueExhausted), msgs[0].EventType)
}

func TestRequeueAndRetarget(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, model.Operation{AccountID: "acct", FolderID: "INBOX", TargetRef: "1", Kind: model.OpDelete})
	require.NoError(t, err)

	_, err = s.Requeue(ctx, id)
	require.ErrorIs(t, err, model.ErrUnknownOperation)

	require.NoError(t, s.MarkFailed(ctx, id, model.KindConflict, "gone", time.Time{}))
	require.NoError(t, s.MarkDead(ctx, id, model.KindConflict, ""))

	op, err := s.Requeue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, 0, op.Attempts)
	assert.Empty(t, op.LastErrorKind)

	require.NoError(t, s.Retarget(ctx, id, model.MessageRef{FolderID: "Archive", RemoteID: "9"}))
	op, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.MessageRef{FolderID: "Archive", RemoteID: "9"}, op.Ref())
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/state.db"
	s, err := Open(DriverModernc, path)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, model.Operation{AccountID: "acct", FolderID: "INBOX", TargetRef: "3", Kind: model.OpFlags, IdempotencyKey: "k"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(DriverModernc, path)
	require.NoError(t, err)
	defer s.Close()

	op, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "k", op.IdempotencyKey)
	assert.Equal(t, model.StatusPending, op.Status)
}

func ids(ops []model.Operation) []int64 {
	out := make([]int64, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}
