// Package events fans conversation session updates out to UI subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/logging"
)

// UpdateKind identifies what changed.
type UpdateKind string

const (
	UpdateTimeline UpdateKind = "timeline"
	UpdateState    UpdateKind = "state"
	UpdateTyping   UpdateKind = "typing"
	UpdateSignOut  UpdateKind = "sign_out"
	UpdateError    UpdateKind = "error"
)

// Update is a single session change.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	At             time.Time

	// Messages holds the whole timeline after an UpdateTimeline change.
	Messages []domain.Message
	State    domain.ConnectionState
	Typing   bool
	Err      error
}

// Subscriber receives updates in publish order until it is unsubscribed,
// falls behind, or the bus stops. Updates is closed in all three cases.
type Subscriber struct {
	ID      string
	updates chan Update
}

// Updates returns the subscriber's update stream.
func (s *Subscriber) Updates() <-chan Update {
	return s.updates
}

// Bus manages subscribers. Subscribing works before Run starts; updates
// published in the meantime are queued and delivered once it does.
type Bus struct {
	subscribers map[string]*Subscriber
	stopped     bool

	publish chan Update
	done    chan struct{}

	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewBus creates a new Bus. Run must be started before it delivers anything.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		publish:     make(chan Update, 256),
		done:        make(chan struct{}),
		logger:      logging.Component(logger, "events"),
	}
}

// Run starts the bus's main loop. It returns when ctx is done, closing every subscriber.
func (b *Bus) Run(ctx context.Context) {
	defer func() {
		b.mu.Lock()
		b.stopped = true
		for id, sub := range b.subscribers {
			delete(b.subscribers, id)
			close(sub.updates)
		}
		b.mu.Unlock()
		close(b.done)
	}()

	for {
		select {
		case u := <-b.publish:
			b.mu.RLock()
			var slow []*Subscriber
			for _, sub := range b.subscribers {
				select {
				case sub.updates <- u:
				default:
					slow = append(slow, sub)
				}
			}
			b.mu.RUnlock()
			for _, sub := range slow {
				b.logger.Warn().Str("subscriber_id", sub.ID).Msg("subscriber buffer full, dropping")
				b.remove(sub)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		close(sub.updates)
		b.logger.Debug().Str("subscriber_id", sub.ID).Msg("subscriber unregistered")
	}
}

// Subscribe registers a subscriber with the given buffer size.
// If the bus has stopped the returned subscriber's stream is already closed.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{
		ID:      uuid.New().String(),
		updates: make(chan Update, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(sub.updates)
		return sub
	}
	b.subscribers[sub.ID] = sub
	b.logger.Debug().Str("subscriber_id", sub.ID).Msg("subscriber registered")
	return sub
}

// Unsubscribe removes sub and closes its stream.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.remove(sub)
}

// Publish queues u for delivery. It drops u if the bus has stopped.
func (b *Bus) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	select {
	case b.publish <- u:
	case <-b.done:
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
