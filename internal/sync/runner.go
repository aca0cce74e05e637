package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/conflict"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
)

const (
	defaultMaxAttempts  = 5
	defaultBatchSize    = 100
	defaultOpTimeout    = 30 * time.Second
	defaultFetchTimeout = 5 * time.Minute
)

// Runner runs sync cycles: fetch the remote delta, replay queued local
// operations against it, merge the delta into the local store and commit
// the new cursor.
type Runner struct {
	Tracker     StateTracker
	Queue       OfflineQueue
	Local       LocalStore
	Events      EventRecorder
	Credentials auth.Supplier
	Locks       *FolderLocks
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	// MaxAttempts is the retry ceiling of a queued operation.
	MaxAttempts int
	// Retry spaces out attempts of a failed operation.
	Retry        Backoff
	BatchSize    int
	OpTimeout    time.Duration
	FetchTimeout time.Duration
	// DistrustLocalClock makes every flag conflict that last-writer-wins
	// would decide go to the server instead. Operations without a creation
	// time are never trusted.
	DistrustLocalClock bool

	Now func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return defaultMaxAttempts
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func (r *Runner) acquire(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight == nil {
		r.inflight = make(map[string]bool)
	}
	if r.inflight[accountID] {
		return false
	}
	r.inflight[accountID] = true
	return true
}

func (r *Runner) folderLocks() *FolderLocks {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Locks == nil {
		r.Locks = NewFolderLocks()
	}
	return r.Locks
}

func (r *Runner) release(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, accountID)
}

// SyncAccount runs one cycle for every selected folder of an account, or
// only for folderID when it is not empty. Folder cycles share one session.
// The returned error joins the cycle-level failures.
func (r *Runner) SyncAccount(ctx context.Context, h Handler, account model.Account, folderID string) ([]model.CycleResult, error) {
	if !r.acquire(account.ID) {
		return nil, model.ErrCycleInProgress
	}
	defer r.release(account.ID)

	log := r.Logger.With().Str("account", account.ID).Str("protocol", string(account.Protocol)).Logger()
	started := r.now()

	fail := func(op string, err error) ([]model.CycleResult, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res := model.CycleResult{AccountID: account.ID, FolderID: folderID, StartedAt: started, Elapsed: r.now().Sub(started)}
		r.failed(ctx, &res, fmt.Errorf("%s: %w", op, err))
		return []model.CycleResult{res}, res.Err
	}

	cred, err := r.Credentials.GetCredential(ctx, account.ID)
	if err != nil {
		if errors.Is(err, model.ErrCredentialExpired) {
			err = model.AuthError("get credential", err)
		}
		return fail("credential", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, durationOr(r.OpTimeout, defaultOpTimeout))
	sess, err := h.Connect(connectCtx, account, cred)
	cancel()
	if err != nil {
		return fail("connect", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug().Err(err).Msg("Session close failed")
		}
	}()

	listCtx, cancel := context.WithTimeout(ctx, durationOr(r.OpTimeout, defaultOpTimeout))
	all, err := h.ListFolders(listCtx, sess)
	cancel()
	if err != nil {
		return fail("list folders", err)
	}

	folders := selectFolders(account, all, folderID)
	if folderID != "" && len(folders) == 0 {
		return fail("select folder", model.ProtocolError("select folder", fmt.Errorf("folder %q not found", folderID)))
	}
	if err := r.Tracker.SaveFolders(ctx, account.ID, all); err != nil {
		log.Warn().Err(err).Msg("Failed to record folders")
	}

	var (
		results []model.CycleResult
		errs    []error
	)
	for i, f := range folders {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res := r.SyncFolder(ctx, h, sess, account, f, i == 0)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, res.Err)
			if model.HasKind(res.Err, model.KindAuth) {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

func selectFolders(account model.Account, all []model.Folder, folderID string) []model.Folder {
	var out []model.Folder
	for _, f := range all {
		if folderID != "" {
			if f.ID == folderID || f.Path == folderID || f.Name == folderID {
				out = append(out, f)
			}
			continue
		}
		if account.WantsFolder(f) {
			out = append(out, f)
		}
	}
	return out
}

// cycle holds the state of one folder cycle.
type cycle struct {
	account model.Account
	folder  model.Folder
	sess    Session
	h       Handler
	log     zerolog.Logger
	res     *model.CycleResult

	verdicts []model.Verdict
	// overrides replaces the merge item of a remote id; a nil value drops it.
	overrides map[string]*model.RemoteItem
	// blocked holds message keys whose earlier op did not apply this cycle.
	blocked map[string]bool
	abort   error
}

// SyncFolder runs one cycle for one folder on an open session. Unscoped
// operations (sends) are drained only when includeUnscoped is set.
func (r *Runner) SyncFolder(ctx context.Context, h Handler, sess Session, account model.Account, folder model.Folder, includeUnscoped bool) model.CycleResult {
	res := model.CycleResult{AccountID: account.ID, FolderID: folder.ID, StartedAt: r.now()}
	c := &cycle{
		account:   account,
		folder:    folder,
		sess:      sess,
		h:         h,
		log:       r.Logger.With().Str("account", account.ID).Str("folder", folder.ID).Logger(),
		res:       &res,
		overrides: make(map[string]*model.RemoteItem),
		blocked:   make(map[string]bool),
	}
	c.log.Debug().Msg("Cycle start")

	delta, next, err := r.fetch(ctx, c)
	if err != nil {
		r.failed(ctx, &res, err)
		return res
	}

	if err := r.drainQueue(ctx, c, delta, includeUnscoped); err != nil {
		r.failed(ctx, &res, err)
		return res
	}

	items, err := r.mergeItems(ctx, c, delta)
	if err != nil {
		r.failed(ctx, &res, err)
		return res
	}

	if ctx.Err() != nil {
		// Nothing from the fetch is committed; the next cycle refetches from
		// the previous cursor.
		r.failed(ctx, &res, ctx.Err())
		return res
	}

	if err := r.commit(ctx, c, items, next); err != nil {
		r.failed(ctx, &res, err)
		return res
	}

	if c.abort != nil {
		r.failed(ctx, &res, c.abort)
		return res
	}

	res.Elapsed = r.now().Sub(res.StartedAt)
	r.Metrics.ObserveCycle(res)
	c.log.Info().
		Int("applied", res.Applied).
		Int("noops", res.NoOps).
		Int("failed", res.Failed).
		Int("conflicted", res.Conflicted).
		Int("dead", res.Dead).
		Int("merged", res.Merged).
		Bool("full", res.FullResync).
		Dur("elapsed", res.Elapsed).
		Msg("Cycle complete")
	return res
}

// fetch loads the cursor and fetches the delta. An invalidated cursor is
// dropped and the fetch retried once from scratch.
func (r *Runner) fetch(ctx context.Context, c *cycle) (*model.RemoteDelta, model.Cursor, error) {
	cursor, err := r.Tracker.Load(ctx, c.account.ID, c.folder.ID)
	if err != nil {
		return nil, model.Cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	if cursor != nil && cursor.Validity != "" && c.folder.Validity != "" && cursor.Validity != c.folder.Validity {
		c.log.Info().Str("old", cursor.Validity).Str("new", c.folder.Validity).Msg("Folder validity changed, full resync")
		if err := r.Tracker.Invalidate(ctx, c.account.ID, c.folder.ID); err != nil {
			return nil, model.Cursor{}, fmt.Errorf("invalidate cursor: %w", err)
		}
		cursor = nil
	}
	c.res.FullResync = cursor == nil

	delta, next, err := r.fetchOnce(ctx, c, cursor)
	if errors.Is(err, model.ErrInvalidated) {
		c.log.Warn().Msg("Cursor invalidated by server, full resync")
		if err := r.Tracker.Invalidate(ctx, c.account.ID, c.folder.ID); err != nil {
			return nil, model.Cursor{}, fmt.Errorf("invalidate cursor: %w", err)
		}
		c.res.FullResync = true
		delta, next, err = r.fetchOnce(ctx, c, nil)
		if errors.Is(err, model.ErrInvalidated) {
			return nil, model.Cursor{}, model.NewError(model.KindStaleState, "fetch delta", err)
		}
	}
	if err != nil {
		return nil, model.Cursor{}, fmt.Errorf("fetch delta: %w", err)
	}
	if delta == nil {
		delta = &model.RemoteDelta{Folder: c.folder}
	}

	next.AccountID = c.account.ID
	next.FolderID = c.folder.ID
	if next.Validity == "" {
		next.Validity = c.folder.Validity
	}
	next.SyncedAt = r.now()
	return delta, next, nil
}

func (r *Runner) fetchOnce(ctx context.Context, c *cycle, cursor *model.Cursor) (*model.RemoteDelta, model.Cursor, error) {
	fctx, cancel := context.WithTimeout(ctx, durationOr(r.FetchTimeout, defaultFetchTimeout))
	defer cancel()
	return c.h.FetchDelta(fctx, c.sess, c.folder, cursor)
}

// drainQueue replays queued operations of the folder. Outcomes of applied
// operations are persisted immediately; outcomes decided by conflict
// resolution are collected as verdicts and committed with the cursor.
func (r *Runner) drainQueue(ctx context.Context, c *cycle, delta *model.RemoteDelta, includeUnscoped bool) error {
	batch := r.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	ops, err := r.Queue.PeekBatch(ctx, c.account.ID, c.folder.ID, includeUnscoped, batch)
	if err != nil {
		return fmt.Errorf("peek queue: %w", err)
	}

	for _, op := range ops {
		if ctx.Err() != nil || c.abort != nil {
			return nil
		}
		key := op.MessageKey()
		if c.blocked[key] {
			continue
		}

		remoteID, applied, err := r.Queue.LookupApplied(ctx, op.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("lookup applied: %w", err)
		}
		if applied {
			// Applied before a crash; only the queue entry survived.
			if err := r.Queue.MarkApplied(context.WithoutCancel(ctx), op.ID, remoteID); err != nil {
				return fmt.Errorf("mark replayed op applied: %w", err)
			}
			c.res.NoOps++
			continue
		}

		if op.TargetRef != "" {
			if item, ok := delta.Touches(op.TargetRef); ok {
				proceed, err := r.resolve(ctx, c, &op, item)
				if err != nil {
					return err
				}
				if !proceed {
					continue
				}
			}
		}

		r.apply(ctx, c, op)
	}
	return nil
}

// resolve decides an op that overlaps the delta. It reports whether the op
// should still be applied.
func (r *Runner) resolve(ctx context.Context, c *cycle, op *model.Operation, item model.RemoteItem) (bool, error) {
	view := model.LocalView{Op: *op, TimestampReliable: !r.DistrustLocalClock && !op.CreatedAt.IsZero()}
	local, err := r.Local.ReadLocalMutation(ctx, op.AccountID, op.FolderID, op.TargetRef)
	if err != nil {
		return false, fmt.Errorf("read local view: %w", err)
	}
	if local != nil {
		view.BaseFlags = local.RemoteFlags()
	}

	if item.Change == model.ChangeRemoved && op.Kind != model.OpSend && op.Kind != model.OpAppend {
		messageID := item.Summary.MessageID
		if local != nil && local.MessageID != "" {
			messageID = local.MessageID
		}
		if item, err = r.locate(ctx, c, item, messageID); err != nil {
			return false, err
		}
	}

	d := conflict.Resolve(view, item)
	d.Record.DetectedAt = r.now()
	c.res.Conflicts = append(c.res.Conflicts, d.Record)
	c.overrides[item.RemoteID] = d.MergeItem

	log := c.log.With().Int64("op_id", op.ID).Str("resolution", string(d.Resolution)).Logger()
	switch d.Outcome {
	case conflict.Conflict:
		log.Warn().Str("remote_id", item.RemoteID).Msg("Unresolvable conflict")
		c.verdicts = append(c.verdicts, model.Verdict{OperationID: op.ID, Status: model.StatusDead, Kind: model.KindConflict})
		c.res.Conflicted++
		c.blocked[op.MessageKey()] = true
		return false, nil
	case conflict.ApplyRemote:
		log.Debug().Msg("Remote state wins, op becomes a no-op")
		c.verdicts = append(c.verdicts, model.Verdict{OperationID: op.ID, Status: model.StatusApplied, RemoteID: op.TargetRef})
		c.res.NoOps++
		return false, nil
	}

	if d.Retarget != nil {
		if err := r.Queue.Retarget(context.WithoutCancel(ctx), op.ID, *d.Retarget); err != nil {
			return false, fmt.Errorf("retarget op %d: %w", op.ID, err)
		}
		op.FolderID = d.Retarget.FolderID
		op.TargetRef = d.Retarget.RemoteID
	}
	log.Debug().Msg("Local op proceeds")
	return true, nil
}

// locate asks the handler whether a message reported as removed still
// exists elsewhere. Handlers that cannot tell leave the removal as is.
func (r *Runner) locate(ctx context.Context, c *cycle, item model.RemoteItem, messageID string) (model.RemoteItem, error) {
	l, ok := c.h.(Locator)
	if !ok {
		return item, nil
	}
	lctx, cancel := context.WithTimeout(ctx, durationOr(r.OpTimeout, defaultOpTimeout))
	found, err := l.Locate(lctx, c.sess, c.folder, item.RemoteID, messageID)
	cancel()
	if err != nil {
		return item, fmt.Errorf("locate %s: %w", item.RemoteID, err)
	}
	if found == nil {
		return item, nil
	}

	moved := *found
	moved.RemoteID = item.RemoteID
	if !item.ChangedAt.IsZero() {
		moved.ChangedAt = item.ChangedAt
	}
	if moved.ToFolderID == c.folder.ID && moved.NewRemoteID == item.RemoteID {
		// Still here; the removal was stale.
		moved.Change = model.ChangeFlags
		moved.ToFolderID, moved.NewRemoteID = "", ""
	} else {
		moved.Change = model.ChangeMoved
	}
	c.log.Debug().Str("remote_id", item.RemoteID).Str("to_folder", moved.ToFolderID).Str("new_remote_id", moved.NewRemoteID).
		Msg("Removed message located")
	return moved, nil
}

// apply sends one operation to the server and persists the outcome. A
// cancelled attempt leaves the operation untouched.
func (r *Runner) apply(ctx context.Context, c *cycle, op model.Operation) {
	log := c.log.With().Int64("op_id", op.ID).Str("kind", string(op.Kind)).Logger()
	persist := context.WithoutCancel(ctx)

	if f, ok := c.h.(OperationFilter); ok && !f.SupportsOperation(op.Kind) {
		if err := r.Queue.MarkApplied(persist, op.ID, op.TargetRef); err != nil {
			log.Error().Err(err).Msg("Failed to mark local-only op applied")
			return
		}
		c.res.NoOps++
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, durationOr(r.OpTimeout, defaultOpTimeout))
	remoteID, err := c.h.ApplyOperation(opCtx, c.sess, op)
	cancel()

	if err == nil {
		if op.Placeholder != "" && remoteID != "" {
			if err := r.Local.ResolvePlaceholder(persist, op.AccountID, op.Placeholder, remoteID); err != nil {
				log.Warn().Err(err).Msg("Failed to resolve placeholder locally")
			}
		}
		if err := r.Queue.MarkApplied(persist, op.ID, remoteID); err != nil {
			log.Error().Err(err).Msg("Failed to mark op applied")
			return
		}
		c.res.Applied++
		return
	}

	if ctx.Err() != nil {
		return
	}

	c.blocked[op.MessageKey()] = true
	c.res.OpErrors = append(c.res.OpErrors, fmt.Sprintf("op %d: %v", op.ID, err))
	kind := model.KindOf(err)

	switch {
	case kind == model.KindAuth:
		log.Error().Err(err).Msg("Operation rejected, credentials invalid")
		r.markDead(persist, c, op, kind, err)
		c.abort = model.AuthError("apply operation", err)
	case kind == model.KindConflict && op.LastErrorKind == model.KindConflict:
		log.Warn().Err(err).Msg("Operation conflicted twice")
		r.markDead(persist, c, op, kind, err)
	default:
		attempts := op.Attempts + 1
		if attempts > r.maxAttempts() {
			log.Error().Err(err).Int("attempts", attempts).Msg("Operation exhausted its retries")
			r.markDead(persist, c, op, model.KindQueueExhausted, err)
			c.res.Exhausted = append(c.res.Exhausted, op.ID)
			return
		}
		retryAt := r.now().Add(r.Retry.Delay(attempts))
		if err := r.Queue.MarkFailed(persist, op.ID, kind, err.Error(), retryAt); err != nil {
			log.Error().Err(err).Msg("Failed to record op failure")
			return
		}
		log.Warn().Err(err).Int("attempts", attempts).Time("retry_at", retryAt).Msg("Operation failed")
		c.res.Failed++
	}
}

func (r *Runner) markDead(ctx context.Context, c *cycle, op model.Operation, kind model.ErrorKind, cause error) {
	if err := r.Queue.MarkDead(ctx, op.ID, kind, cause.Error()); err != nil {
		c.log.Error().Err(err).Int64("op_id", op.ID).Msg("Failed to dead-letter op")
		return
	}
	c.res.Dead++
}

// mergeItems builds what goes into the local store: the delta with
// resolver overrides applied, plus removals for messages missing from a full
// snapshot.
func (r *Runner) mergeItems(ctx context.Context, c *cycle, delta *model.RemoteDelta) ([]model.RemoteItem, error) {
	items := make([]model.RemoteItem, 0, len(delta.Items))
	present := make(map[string]bool, len(delta.Items))
	for _, it := range delta.Items {
		present[it.RemoteID] = true
		if o, ok := c.overrides[it.RemoteID]; ok {
			if o != nil {
				items = append(items, *o)
			}
			continue
		}
		items = append(items, it)
	}

	if delta.Full {
		known, err := r.Local.RemoteIDs(ctx, c.account.ID, c.folder.ID)
		if err != nil {
			return nil, fmt.Errorf("list local ids: %w", err)
		}
		for _, id := range known {
			if !present[id] {
				items = append(items, model.RemoteItem{Change: model.ChangeRemoved, RemoteID: id})
			}
		}
	}
	return items, nil
}

// commit merges into the local store, then commits cursor, verdicts and
// events together. A crash in between replays the merge, which is
// idempotent by remote id.
func (r *Runner) commit(ctx context.Context, c *cycle, items []model.RemoteItem, next model.Cursor) error {
	unlock := r.folderLocks().Lock(c.account.ID, c.folder.ID)
	defer unlock()

	merged, err := r.Local.MergeRemoteItems(ctx, c.account.ID, c.folder.ID, items)
	if err != nil {
		return fmt.Errorf("merge remote items: %w", err)
	}
	c.res.Merged = merged
	c.res.Elapsed = r.now().Sub(c.res.StartedAt)
	c.res.Cursor = &next

	events := make([]model.Event, 0, len(c.res.Conflicts)+1)
	for _, rec := range c.res.Conflicts {
		msgID := fmt.Sprintf("conflict|%s|%d|%s|%s", rec.AccountID, rec.OperationID, rec.RemoteID, next.Marker)
		ev, err := model.NewEvent(model.EventConflict, c.account.ID, c.folder.ID, msgID, rec)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	done, err := model.NewEvent(model.EventCycleCompleted, c.account.ID, c.folder.ID,
		fmt.Sprintf("cycle|%s|%s|%d", c.account.ID, c.folder.ID, next.SyncedAt.UnixNano()), c.res)
	if err != nil {
		return err
	}
	events = append(events, done)

	if err := r.Tracker.CommitCycle(ctx, model.CycleCommit{Cursor: next, Verdicts: c.verdicts, Events: events}); err != nil {
		return fmt.Errorf("commit cycle: %w", err)
	}
	return nil
}

// failed records a cycle-level failure. Cancellation is reported without an
// event.
func (r *Runner) failed(ctx context.Context, res *model.CycleResult, err error) {
	res.Err = err
	res.Error = err.Error()
	res.Elapsed = r.now().Sub(res.StartedAt)

	if errors.Is(err, context.Canceled) {
		return
	}
	r.Metrics.ObserveCycle(*res)

	r.Logger.Error().Err(err).
		Str("account", res.AccountID).
		Str("folder", res.FolderID).
		Str("kind", string(model.KindOf(err))).
		Msg("Cycle failed")

	if r.Events == nil {
		return
	}
	ev, evErr := model.NewEvent(model.EventCycleFailed, res.AccountID, res.FolderID,
		fmt.Sprintf("cycle-failed|%s|%s|%d", res.AccountID, res.FolderID, res.StartedAt.UnixNano()), res)
	if evErr == nil {
		evErr = r.Events.AppendEvent(context.WithoutCancel(ctx), ev)
	}
	if evErr != nil {
		r.Logger.Warn().Err(evErr).Msg("Failed to record cycle failure event")
	}
}
