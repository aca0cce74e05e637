package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/events"
)

// DefaultStream holds every mailsync event.
const DefaultStream = "MAIL_SYNC_EVENTS"

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	log    zerolog.Logger
}

var _ events.Publisher = (*Publisher)(nil)

// NewPublisher connects to NATS and opens a JetStream context. An empty
// stream name means DefaultStream.
func NewPublisher(url, stream string, log zerolog.Logger) (*Publisher, error) {
	if stream == "" {
		stream = DefaultStream
	}
	log = log.With().Str("component", "nats").Logger()

	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream, log: log}, nil
}

// StreamConfig describes the event stream. Duplicates is the window in
// which JetStream drops a repeated Nats-Msg-Id.
func StreamConfig(name string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       name,
		Subjects:   []string{"mailsync.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}
}

// EnsureStream creates the event stream unless it exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(p.stream, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(StreamConfig(p.stream), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.log.Info().Str("stream", p.stream).Msg("Created event stream")
	return nil
}

// Publish publishes an event with its msg id so JetStream drops redeliveries.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	_, err := p.js.Publish(env.Subject, env.Payload, nats.MsgId(env.MsgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
