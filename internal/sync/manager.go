package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
)

// State is the scheduler state of an account.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateBackoff   State = "backoff"
	StatePaused    State = "paused"
)

var allStates = []string{
	string(StateIdle), string(StateScheduled), string(StateRunning), string(StateBackoff), string(StatePaused),
}

// AccountStatus is a snapshot of an account's scheduler state.
type AccountStatus struct {
	AccountID     string          `json:"account_id"`
	Protocol      model.Protocol  `json:"protocol"`
	State         State           `json:"state"`
	Failures      int             `json:"failures"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorKind model.ErrorKind `json:"last_error_kind,omitempty"`
	LastSync      time.Time       `json:"last_sync,omitempty"`
	NextRun       time.Time       `json:"next_run,omitempty"`
	Push          bool            `json:"push"`
}

// ManagerConfig tunes the scheduler.
type ManagerConfig struct {
	// Interval is the polling period of accounts without their own.
	Interval time.Duration
	// MaxConcurrency bounds cycles running at once across accounts.
	MaxConcurrency int64
	// Backoff spaces out cycles after consecutive failures.
	Backoff Backoff
	// MaxProtocolFailures pauses an account after that many consecutive
	// protocol failures. Zero never pauses.
	MaxProtocolFailures int
}

// Manager owns one execution slot per account: it triggers cycles on a
// timer, on push signals and on request, serializes them per account,
// bounds them globally and backs off after failures.
type Manager struct {
	runner   *Runner
	handlers map[model.Protocol]Handler
	cfg      ManagerConfig
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	accounts map[string]*slot
}

// slot is the per-account execution slot. Fields below mu are guarded by
// Manager.mu.
type slot struct {
	account model.Account
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}

	status        AccountStatus
	pendingAll    bool
	pendingManual bool
	pending       map[string]bool
}

// NewManager creates a scheduler. Cycles run until ctx ends or Stop is
// called.
func NewManager(ctx context.Context, runner *Runner, handlers map[model.Protocol]Handler, cfg ManagerConfig, log zerolog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		runner:   runner,
		handlers: handlers,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		metrics:  runner.Metrics,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		accounts: make(map[string]*slot),
	}
}

// AddAccount starts scheduling an account. Its first cycle runs at once.
func (m *Manager) AddAccount(account model.Account) error {
	h, ok := m.handlers[account.Protocol]
	if !ok {
		return fmt.Errorf("no handler for protocol %q", account.Protocol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[account.ID]; exists {
		return fmt.Errorf("account %s already scheduled", account.ID)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &slot{
		account: account,
		handler: h,
		cancel:  cancel,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		pending: make(map[string]bool),
		status: AccountStatus{
			AccountID: account.ID,
			Protocol:  account.Protocol,
			State:     StateScheduled,
			NextRun:   time.Now(),
		},
	}
	m.accounts[account.ID] = s

	push := m.startPush(ctx, s)
	s.status.Push = push

	go m.runAccount(ctx, s)
	m.log.Info().Str("account", account.ID).Str("protocol", string(account.Protocol)).Bool("push", push).Msg("Account scheduled")
	return nil
}

// RemoveAccount cancels an account's cycles and push tasks and waits for the
// in-flight cycle to return.
func (m *Manager) RemoveAccount(accountID string) error {
	m.mu.Lock()
	s, ok := m.accounts[accountID]
	if ok {
		delete(m.accounts, accountID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove %s: %w", accountID, model.ErrUnknownAccount)
	}

	s.cancel()
	<-s.done
	m.metrics.ForgetAccount(accountID)
	m.log.Info().Str("account", accountID).Msg("Account removed")
	return nil
}

// Stop cancels every account and waits for in-flight cycles.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.accounts))
	for _, s := range m.accounts {
		slots = append(slots, s)
	}
	m.mu.Unlock()
	for _, s := range slots {
		<-s.done
	}
}

// TriggerSync requests a cycle for one folder, or for every folder when
// folderID is empty. Requests made while a cycle runs are coalesced into
// the next one. A manual trigger resumes a paused account.
func (m *Manager) TriggerSync(accountID, folderID string) error {
	return m.request(accountID, folderID, true)
}

func (m *Manager) request(accountID, folderID string, manual bool) error {
	m.mu.Lock()
	s, ok := m.accounts[accountID]
	if ok {
		if folderID == "" {
			s.pendingAll = true
		} else {
			s.pending[folderID] = true
		}
		if manual {
			s.pendingManual = true
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s: %w", accountID, model.ErrUnknownAccount)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// SyncNow runs a cycle for an account synchronously, outside its schedule.
func (m *Manager) SyncNow(ctx context.Context, accountID, folderID string) ([]model.CycleResult, error) {
	m.mu.Lock()
	s, ok := m.accounts[accountID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sync %s: %w", accountID, model.ErrUnknownAccount)
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)
	return m.runner.SyncAccount(ctx, s.handler, s.account, folderID)
}

// QueueStatus returns pending and dead counts of an account's queue.
func (m *Manager) QueueStatus(ctx context.Context, accountID string) (model.QueueStatus, error) {
	m.mu.Lock()
	_, ok := m.accounts[accountID]
	m.mu.Unlock()
	if !ok {
		return model.QueueStatus{}, fmt.Errorf("queue status %s: %w", accountID, model.ErrUnknownAccount)
	}
	st, err := m.runner.Queue.Status(ctx, accountID)
	if err != nil {
		return model.QueueStatus{}, err
	}
	m.metrics.SetQueueStatus(st)
	return st, nil
}

// Status returns the scheduler state of one account.
func (m *Manager) Status(accountID string) (AccountStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.accounts[accountID]
	if !ok {
		return AccountStatus{}, false
	}
	return s.status, true
}

// States returns the scheduler state of every account, sorted by id.
func (m *Manager) States() []AccountStatus {
	m.mu.Lock()
	out := make([]AccountStatus, 0, len(m.accounts))
	for _, s := range m.accounts {
		out = append(out, s.status)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Account returns the configuration of a scheduled account.
func (m *Manager) Account(accountID string) (model.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.accounts[accountID]
	if !ok {
		return model.Account{}, false
	}
	return s.account, true
}

func (m *Manager) setState(s *slot, state State, next time.Time) {
	m.mu.Lock()
	s.status.State = state
	s.status.NextRun = next
	m.mu.Unlock()
	m.metrics.SetAccountState(s.account.ID, string(state), allStates)
}

// takeRequest consumes the coalesced request. It returns the folders to
// sync (nil meaning all) and whether the account may run.
func (m *Manager) takeRequest(s *slot, timer bool) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	manual := s.pendingManual
	if s.status.State == StatePaused && !manual {
		// Paused accounts ignore timers and push signals.
		s.pendingAll = false
		s.pending = make(map[string]bool)
		return nil, false
	}

	all := timer || s.pendingAll
	var folders []string
	if !all {
		for f := range s.pending {
			folders = append(folders, f)
		}
		sort.Strings(folders)
	}
	s.pendingAll = false
	s.pendingManual = false
	s.pending = make(map[string]bool)
	if !all && len(folders) == 0 {
		return nil, false
	}
	return folders, true
}

func (m *Manager) interval(s *slot) time.Duration {
	if s.account.PollInterval > 0 {
		return s.account.PollInterval
	}
	return m.cfg.Interval
}

func (m *Manager) runAccount(ctx context.Context, s *slot) {
	defer close(s.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		fromTimer := false
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fromTimer = true
		case <-s.wake:
		}

		folders, ok := m.takeRequest(s, fromTimer)
		if !ok {
			continue
		}

		m.setState(s, StateScheduled, time.Now())
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		m.setState(s, StateRunning, time.Time{})
		err := m.runCycles(ctx, s, folders)
		m.sem.Release(1)

		if ctx.Err() != nil {
			return
		}

		delay, paused := m.afterCycle(s, err)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !paused {
			timer.Reset(delay)
		}
	}
}

func (m *Manager) runCycles(ctx context.Context, s *slot, folders []string) error {
	if folders == nil {
		_, err := m.runner.SyncAccount(ctx, s.handler, s.account, "")
		return err
	}
	var errs []error
	for _, f := range folders {
		if _, err := m.runner.SyncAccount(ctx, s.handler, s.account, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// afterCycle advances the state machine after a cycle and returns the wait
// until the next timer-driven cycle.
func (m *Manager) afterCycle(s *slot, err error) (time.Duration, bool) {
	now := time.Now()
	log := m.log.With().Str("account", s.account.ID).Logger()

	if st, qerr := m.runner.Queue.Status(m.ctx, s.account.ID); qerr == nil {
		m.metrics.SetQueueStatus(st)
	}

	m.mu.Lock()
	defer func() {
		state := s.status.State
		m.mu.Unlock()
		m.metrics.SetAccountState(s.account.ID, string(state), allStates)
	}()

	if err != nil && onlyInProgress(err) {
		// A manual sync held the account, so nothing ran here.
		delay := m.interval(s)
		s.status.State = StateIdle
		if s.status.Failures > 0 {
			delay = m.cfg.Backoff.Delay(s.status.Failures)
			s.status.State = StateBackoff
		}
		s.status.NextRun = now.Add(delay)
		log.Debug().Msg("Cycle skipped, account already syncing")
		return delay, false
	}

	if err == nil {
		s.status.State = StateIdle
		s.status.Failures = 0
		s.status.LastError = ""
		s.status.LastErrorKind = ""
		s.status.LastSync = now
		s.status.NextRun = now.Add(m.interval(s))
		return m.interval(s), false
	}

	s.status.Failures++
	s.status.LastError = err.Error()
	s.status.LastErrorKind = model.KindOf(err)

	if model.HasKind(err, model.KindAuth) {
		s.status.LastErrorKind = model.KindAuth
		s.status.State = StatePaused
		s.status.NextRun = time.Time{}
		log.Error().Err(err).Msg("Authentication failed, account paused until a manual sync")
		return 0, true
	}
	if s.status.LastErrorKind == model.KindProtocol && m.cfg.MaxProtocolFailures > 0 && s.status.Failures >= m.cfg.MaxProtocolFailures {
		s.status.State = StatePaused
		s.status.NextRun = time.Time{}
		log.Error().Err(err).Int("failures", s.status.Failures).Msg("Repeated protocol failures, account paused")
		return 0, true
	}

	delay := m.cfg.Backoff.Delay(s.status.Failures)
	s.status.State = StateBackoff
	s.status.NextRun = now.Add(delay)
	log.Warn().Err(err).Int("failures", s.status.Failures).Dur("retry_in", delay).Msg("Cycle failed, backing off")
	return delay, false
}

// onlyInProgress reports whether every error joined in err is
// model.ErrCycleInProgress.
func onlyInProgress(err error) bool {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if !onlyInProgress(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, model.ErrCycleInProgress)
}

// startPush launches one subscription task per push folder when the
// handler supports push. It reports whether any task was started.
func (m *Manager) startPush(ctx context.Context, s *slot) bool {
	sub, ok := s.handler.(PushSubscriber)
	if !ok || len(s.account.PushFolders) == 0 {
		return false
	}
	for _, name := range s.account.PushFolders {
		folder := model.Folder{AccountID: s.account.ID, ID: name, Path: name, Name: name}
		go m.pushLoop(ctx, s, sub, folder)
	}
	return true
}

// pushLoop keeps a push subscription alive. A signal only requests an
// ordinary cycle for the folder.
func (m *Manager) pushLoop(ctx context.Context, s *slot, sub PushSubscriber, folder model.Folder) {
	log := m.log.With().Str("account", s.account.ID).Str("folder", folder.ID).Logger()
	failures := 0
	for {
		err := m.subscribeOnce(ctx, s, sub, folder)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
		} else {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("Push subscription ended")
		}

		wait := m.cfg.Backoff.Delay(failures)
		if wait <= 0 {
			wait = m.cfg.Backoff.Base
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Manager) subscribeOnce(ctx context.Context, s *slot, sub PushSubscriber, folder model.Folder) error {
	cred, err := m.runner.Credentials.GetCredential(ctx, s.account.ID)
	if err != nil {
		return err
	}
	sess, err := s.handler.Connect(ctx, s.account, cred)
	if err != nil {
		return err
	}
	defer sess.Close()

	return sub.SubscribePush(ctx, sess, folder, func() {
		if err := m.request(s.account.ID, folder.ID, false); err != nil {
			m.log.Debug().Err(err).Msg("Push signal for removed account")
		}
	})
}
