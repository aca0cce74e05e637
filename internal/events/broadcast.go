package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// recentIDs bounds the msg_id memory of a Broadcaster.
const recentIDs = 4096

// Broadcaster fans events out to in-process subscribers. A redelivered
// MsgID is dropped; a subscriber that does not keep up loses events rather
// than stalling the dispatcher.
type Broadcaster struct {
	log zerolog.Logger

	mu    sync.Mutex
	subs  map[int]chan Envelope
	next  int
	seen  map[string]struct{}
	order []string
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log,
		subs: make(map[int]chan Envelope),
		seen: make(map[string]struct{}),
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Publisher.
func (b *Broadcaster) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if env.MsgID != "" {
		if _, dup := b.seen[env.MsgID]; dup {
			return nil
		}
		b.remember(env.MsgID)
	}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.log.Warn().Int("subscriber", id).Str("msg_id", env.MsgID).Msg("Subscriber is full, dropping event")
		}
	}
	return nil
}

func (b *Broadcaster) remember(id string) {
	b.seen[id] = struct{}{}
	b.order = append(b.order, id)
	if len(b.order) > recentIDs {
		delete(b.seen, b.order[0])
		b.order = b.order[1:]
	}
}
