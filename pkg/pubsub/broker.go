package pubsub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/getmockd/gqltest/pkg/logging"
	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscription channel buffer.
const DefaultBufferSize = 16

// Message is a payload delivered to a subscription.
type Message struct {
	// Topic is the topic the payload was published to.
	Topic string
	// Payload is the published value.
	Payload any
}

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	Topics    []string  `json:"topics"`
	CreatedAt time.Time `json:"createdAt"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.log = logging.OrNop(logger) }
}

// WithBufferSize sets the channel buffer for new subscriptions.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.bufferSize = n
		}
	}
}

// Broker is an in-memory publish/subscribe hub keyed by topic name.
type Broker struct {
	mu         sync.RWMutex
	topics     map[string]map[string]*Subscription
	subs       map[string]*Subscription
	closed     bool
	bufferSize int
	log        *slog.Logger
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:     make(map[string]map[string]*Subscription),
		subs:       make(map[string]*Subscription),
		bufferSize: DefaultBufferSize,
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscription for the given topics.
// The subscription is removed when ctx is done or Unsubscribe is called.
func (b *Broker) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	for _, topic := range topics {
		if topic == "" {
			return nil, ErrEmptyTopic
		}
	}

	sub := &Subscription{
		id:        uuid.New().String(),
		topics:    append([]string(nil), topics...),
		ch:        make(chan Message, b.bufferSize),
		done:      make(chan struct{}),
		broker:    b,
		createdAt: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	for _, topic := range topics {
		subs, ok := b.topics[topic]
		if !ok {
			subs = make(map[string]*Subscription)
			b.topics[topic] = subs
		}
		subs[sub.id] = sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.log.Debug("pubsub subscribe", "subscription", sub.id, "topics", topics)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = sub.Unsubscribe()
			case <-sub.done:
			}
		}()
	}

	return sub, nil
}

// Publish delivers payload to every subscription of topic.
// It returns the context error if ctx is done before all deliveries finish.
func (b *Broker) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	// Stable delivery order across subscriptions keeps tests deterministic.
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].createdAt.Before(targets[j].createdAt)
	})

	msg := Message{Topic: topic, Payload: payload}
	for _, sub := range targets {
		if err := sub.deliver(ctx, msg); err != nil {
			return err
		}
	}

	b.log.Debug("pubsub publish", "topic", topic, "subscribers", len(targets))
	return nil
}

// ListTopics returns topics that currently have subscribers, sorted.
func (b *Broker) ListTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// ListSubscriptions returns information about all active subscriptions.
func (b *Broker) ListSubscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		infos = append(infos, SubscriptionInfo{
			ID:        sub.id,
			Topics:    append([]string(nil), sub.topics...),
			CreatedAt: sub.createdAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Close removes all subscriptions and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, sub.id)
	for _, topic := range sub.topics {
		subs := b.topics[topic]
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}
