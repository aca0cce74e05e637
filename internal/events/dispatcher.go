// Package events moves outbox entries to their publishers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/metrics"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Envelope is one event as handed to publishers.
type Envelope struct {
	Subject   string `json:"subject"`
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	MsgID     string `json:"msg_id"`
	Payload   []byte `json:"payload"`
}

func envelopeOf(m sqlite.OutboxMessage) Envelope {
	return Envelope{
		Subject:   m.Subject,
		Type:      m.EventType,
		AccountID: m.AccountID,
		MsgID:     m.MsgID,
		Payload:   m.Payload,
	}
}

// Publisher delivers events. Publish must tolerate the same MsgID twice.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Outbox is the durable side of the dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	PruneOutbox(ctx context.Context, before time.Time) (int64, error)
}

// Dispatcher drains the outbox. An entry is marked published only after
// every publisher accepted it; otherwise the whole entry is retried later.
type Dispatcher struct {
	Outbox     Outbox
	Publishers []Publisher
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger

	BatchSize int
	// Poll is the pause after an empty batch.
	Poll time.Duration
	// Retry spaces out attempts of a failing entry.
	Retry mailsync.Backoff
	// Retention is how long published entries are kept.
	Retention time.Duration
	Now       func() time.Time

	lastPrune time.Time
}

const (
	defaultBatch     = 100
	defaultPoll      = 500 * time.Millisecond
	defaultRetention = 24 * time.Hour
	pruneEvery       = time.Hour
)

// Run dispatches until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	poll := d.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.Logger.Error().Err(err).Msg("Error dispatching outbox")
		}
		d.prune(ctx)

		wait := poll
		if err != nil {
			wait = time.Second
		} else if n > 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due entries and returns how many were
// marked published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	limit := d.BatchSize
	if limit <= 0 {
		limit = defaultBatch
	}
	messages, err := d.Outbox.DequeueOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return published, nil
		}
		log := d.Logger.With().Int64("outbox_id", msg.ID).Str("subject", msg.Subject).Logger()

		if err := d.publish(ctx, envelopeOf(msg)); err != nil {
			d.Metrics.ObservePublish(err)
			backoff := d.retry().Delay(msg.Retries + 1)
			log.Warn().Err(err).Int("retries", msg.Retries).Dur("backoff", backoff).Msg("Error publishing event")
			if err := d.Outbox.MarkOutboxRetry(context.WithoutCancel(ctx), msg.ID, backoff); err != nil {
				log.Error().Err(err).Msg("Error scheduling outbox retry")
			}
			continue
		}
		d.Metrics.ObservePublish(nil)

		if err := d.Outbox.MarkPublished(context.WithoutCancel(ctx), msg.ID); err != nil {
			log.Error().Err(err).Msg("Error marking event published")
			continue
		}
		published++
	}
	return published, nil
}

func (d *Dispatcher) publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range d.Publishers {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) retry() mailsync.Backoff {
	if d.Retry.Base > 0 {
		return d.Retry
	}
	return mailsync.Backoff{Base: 10 * time.Second, Max: 5 * time.Minute}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) prune(ctx context.Context) {
	now := d.now()
	if now.Sub(d.lastPrune) < pruneEvery {
		return
	}
	d.lastPrune = now
	retention := d.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	n, err := d.Outbox.PruneOutbox(ctx, now.Add(-retention))
	if err != nil {
		d.Logger.Warn().Err(err).Msg("Error pruning outbox")
		return
	}
	if n > 0 {
		d.Logger.Debug().Int64("pruned", n).Msg("Pruned published events")
	}
}
