package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/events"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/providers/pop3"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// engine holds the pieces shared by every command that runs cycles.
type engine struct {
	state    *sqlite.Store
	mail     *store.MessageStore
	handlers map[model.Protocol]mailsync.Handler
	runner   *mailsync.Runner
}

func openEngine(cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) (*engine, error) {
	state, err := sqlite.Open(cfg.Store.Driver, cfg.Store.StatePath())
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	mail, err := store.Open(cfg.Store.Driver, cfg.Store.MailPath())
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("opening message store: %w", err)
	}
	creds, err := credentialSupplier(cfg)
	if err != nil {
		mail.Close()
		state.Close()
		return nil, err
	}

	handlers := map[model.Protocol]mailsync.Handler{
		model.ProtocolIMAP:  imap.New(log),
		model.ProtocolGmail: gmail.New(log),
		model.ProtocolGraph: outlook.New(log),
		model.ProtocolPOP3:  pop3.New(log),
	}

	runner := &mailsync.Runner{
		Tracker:         state,
		Queue:           state,
		Local:           mail,
		Events:          state,
		Credentials:     creds,
		Locks:           mailsync.NewFolderLocks(),
		Metrics:         m,
		Logger:          log,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		Retry:           mailsync.Backoff{Base: cfg.Queue.RetryBase, Max: cfg.Scheduler.MaxBackoff, Jitter: cfg.Scheduler.Jitter},
		BatchSize:       cfg.Queue.BatchSize,
		OpTimeout:       cfg.Scheduler.OpTimeout,
		FetchTimeout:    cfg.Scheduler.FetchTimeout,
		DistrustLocalClock: !cfg.Queue.TrustLocalClock,
	}
	return &engine{state: state, mail: mail, handlers: handlers, runner: runner}, nil
}

func (e *engine) Close() {
	e.mail.Close()
	e.state.Close()
}

func credentialSupplier(cfg *config.Config) (auth.Supplier, error) {
	switch cfg.Credentials.Backend {
	case config.BackendKeyring:
		ring, err := auth.OpenKeyring(cfg.Credentials.KeyringDir, cfg.Credentials.KeyringPassword)
		if err != nil {
			return nil, err
		}
		return auth.NewKeyringSupplier(ring), nil
	case config.BackendTokenService:
		providers := make(map[string]auth.Provider)
		for _, a := range cfg.Accounts {
			switch model.Protocol(a.Protocol) {
			case model.ProtocolGmail:
				providers[a.ID] = auth.ProviderGoogle
			case model.ProtocolGraph:
				providers[a.ID] = auth.ProviderMicrosoft
			}
		}
		return auth.NewTokenClient(cfg.Credentials.TokenURL, cfg.Credentials.ServiceToken, providers), nil
	default:
		creds := make(map[string]auth.Credential, len(cfg.Accounts))
		for _, a := range cfg.Accounts {
			c := auth.Credential{Username: a.Username, Password: a.Password}
			if a.AccessToken != "" {
				c.Token = &oauth2.Token{AccessToken: a.AccessToken, TokenType: "Bearer"}
			}
			creds[a.ID] = c
		}
		return auth.NewStaticSupplier(creds), nil
	}
}

func verifier(ctx context.Context, cfg config.APIConfig) (api.Verifier, error) {
	switch {
	case cfg.JWKSURL != "":
		return auth.NewJWKSVerifier(ctx, cfg.JWKSURL)
	case cfg.JWTSecret != "":
		return auth.NewSecretVerifier(cfg.JWTSecret)
	default:
		return nil, nil
	}
}

func runServe(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eng, err := openEngine(cfg, m, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	bc := events.NewBroadcaster(log)
	publishers := []events.Publisher{bc}
	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		publishers = append(publishers, pub)
	}
	dispatcher := &events.Dispatcher{
		Outbox:     eng.state,
		Publishers: publishers,
		Metrics:    m,
		Logger:     log.With().Str("component", "dispatcher").Logger(),
	}
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Event dispatcher stopped")
		}
	}()

	mgr := mailsync.NewManager(ctx, eng.runner, eng.handlers, mailsync.ManagerConfig{
		Interval:       cfg.Scheduler.Interval,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		Backoff: mailsync.Backoff{
			Base:   cfg.Scheduler.BaseBackoff,
			Max:    cfg.Scheduler.MaxBackoff,
			Jitter: cfg.Scheduler.Jitter,
		},
		MaxProtocolFailures: cfg.Scheduler.MaxProtocolFailures,
	}, log)
	defer mgr.Stop()
	for _, a := range cfg.Accounts {
		if err := mgr.AddAccount(a.Account()); err != nil {
			return fmt.Errorf("scheduling account %s: %w", a.ID, err)
		}
	}

	v, err := verifier(ctx, cfg.API)
	if err != nil {
		return err
	}
	if v == nil {
		log.Warn().Msg("No api.jwt_secret or api.jwks_url set; /v1 rejects every request")
	}
	srv := &http.Server{
		Addr: cfg.API.Listen,
		Handler: (&api.Server{
			Scheduler: mgr,
			Queue:     eng.state,
			Local:     eng.mail,
			Verifier:  v,
			Events:    bc,
			Gatherer:  reg,
			Logger:    log.With().Str("component", "api").Logger(),
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.API.Listen).Int("accounts", len(cfg.Accounts)).Msg("Admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-dispatchDone
			return fmt.Errorf("admin API: %w", err)
		}
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Admin API shutdown")
	}
	<-dispatchDone
	return nil
}

// runSyncOnce runs the cycles of one account in the foreground. Events it
// records are published to NATS when configured; otherwise they wait in the
// outbox for the daemon.
func runSyncOnce(ctx context.Context, cfg *config.Config, log zerolog.Logger, accountID, folderID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ac, ok := cfg.FindAccount(accountID)
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, model.ErrUnknownAccount)
	}
	eng, err := openEngine(cfg, nil, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	account := ac.Account()
	h, ok := eng.handlers[account.Protocol]
	if !ok {
		return fmt.Errorf("account %s: no handler for protocol %q", accountID, account.Protocol)
	}
	results, err := eng.runner.SyncAccount(ctx, h, account, folderID)
	for _, res := range results {
		ev := log.Info()
		if res.Err != nil {
			ev = log.Warn().Err(res.Err)
		}
		ev.Str("folder", res.FolderID).
			Int("merged", res.Merged).
			Int("applied", res.Applied).
			Int("conflicted", res.Conflicted).
			Int("dead", res.Dead).
			Bool("full_resync", res.FullResync).
			Dur("elapsed", res.Elapsed).
			Msg("Cycle finished")
	}
	if err != nil {
		return err
	}

	if cfg.NATS.URL == "" {
		return nil
	}
	pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, log)
	if err != nil {
		return err
	}
	defer pub.Close()
	if err := pub.EnsureStream(ctx); err != nil {
		return err
	}
	d := &events.Dispatcher{Outbox: eng.state, Publishers: []events.Publisher{pub}, Logger: log}
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
