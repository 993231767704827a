package pubsub

import (
	"context"
	"sync"
	"time"
)

// Subscription is an active registration on one or more topics.
type Subscription struct {
	id        string
	topics    []string
	ch        chan Message
	done      chan struct{}
	once      sync.Once
	broker    *Broker
	createdAt time.Time
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Topics returns the topics this subscription listens on.
func (s *Subscription) Topics() []string { return append([]string(nil), s.topics...) }

// C returns the delivery channel. It is never closed; select on Done as well.
func (s *Subscription) C() <-chan Message { return s.ch }

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s)
		s.broker.log.Debug("pubsub unsubscribe", "subscription", s.id)
	})
	return nil
}

func (s *Subscription) deliver(ctx context.Context, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
