package gqltest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// errorBuffer is the capacity of the Err channel.
const errorBuffer = 16

// SubscriptionRequest describes one subscription.
type SubscriptionRequest struct {
	// Query is the subscription document.
	Query Document
	// Variables are the operation variables.
	Variables map[string]any
	// OperationName selects an operation in a multi-operation document.
	OperationName string

	// OnData receives the data member of every next payload, in the order
	// the server sent them. It runs on the connection's read goroutine, so
	// callbacks on one connection never overlap. Required.
	OnData func(data json.RawMessage)
	// OnError receives errors reported after Subscribe returned, such as an
	// error frame, a next payload carrying errors, or a lost connection.
	OnError func(err error)

	// ConnectionConfig is used when a new connection has to be opened.
	ConnectionConfig
}

// Subscription is a live subscription returned by Client.Subscribe.
type Subscription struct {
	id      string
	conn    *wireConn
	onData  func(json.RawMessage)
	onError func(error)
	release func()
	log     *slog.Logger

	// active gates callbacks. deliverMu is held while a callback runs and
	// inCallback marks that window, so Unsubscribe can tell whether it
	// must wait for a callback to return.
	active     atomic.Bool
	inCallback atomic.Bool
	deliverMu  sync.Mutex

	mu        sync.Mutex
	pending   bool
	rejectErr error
	finished  bool
	err       error
	errCh     chan error
	done      chan struct{}

	unsubscribeOnce sync.Once
}

func newSubscription(conn *wireConn, req *SubscriptionRequest, release func(), log *slog.Logger) *Subscription {
	s := &Subscription{
		id:      conn.operationID(),
		conn:    conn,
		onData:  req.OnData,
		onError: req.OnError,
		release: release,
		log:     log,
		pending: true,
		errCh:   make(chan error, errorBuffer),
		done:    make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// ID returns the operation id used on the wire.
func (s *Subscription) ID() string {
	return s.id
}

// Err returns a channel receiving errors reported after Subscribe
// returned. It is closed when the subscription ends.
func (s *Subscription) Err() <-chan error {
	return s.errCh
}

// Done is closed when the subscription ends: the server completed it,
// failed it, the connection was lost or Unsubscribe was called.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the subscription ends and returns the terminal error,
// nil after a normal completion or Unsubscribe.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe stops the subscription. No OnData call starts after it
// returns, and frames still in flight for the operation are dropped. A stop
// frame is sent when the server may still be running the operation; write
// failures are ignored. Calling Unsubscribe again does nothing. It always
// returns nil.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.unsubscribeOnce.Do(func() {
		s.deactivate()
		if s.conn.take(s.id) != nil {
			if err := s.conn.write(ctx, message{ID: s.id, Type: s.conn.proto.stop}); err != nil {
				s.log.Debug("stop frame not sent", "id", s.id, "error", err)
			}
		}
		s.finish(nil)
	})
	return nil
}

// deactivate stops callbacks. Called from inside a callback it returns at
// once; otherwise it waits for a running callback to return.
func (s *Subscription) deactivate() {
	if s.inCallback.Load() {
		s.active.Store(false)
		return
	}
	s.deliverMu.Lock()
	s.active.Store(false)
	s.deliverMu.Unlock()
}

// deliver runs fn as a callback unless the subscription was deactivated.
func (s *Subscription) deliver(fn func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.active.Load() {
		return
	}
	// inCallback is only set once fn is certain to run, so a deactivate
	// that sees it set may return without waiting.
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	fn()
}

// next handles a next/data payload.
func (s *Subscription) next(payload json.RawMessage) {
	var r result
	if err := json.Unmarshal(payload, &r); err != nil {
		s.report(&TransportError{Op: "decode", Err: err})
		return
	}
	if r.hasData() {
		s.deliver(func() { s.onData(r.Data) })
	}
	if len(r.Errors) > 0 {
		s.report(&GraphQLOperationError{OperationID: s.id, Errors: r.Errors})
	}
}

// report sends a non-terminal error to the side channel.
func (s *Subscription) report(err error) {
	if s.onError != nil {
		s.deliver(func() { s.onError(err) })
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.push(err)
}

// push queues err on the Err channel. Caller holds s.mu.
func (s *Subscription) push(err error) {
	select {
	case s.errCh <- err:
	default:
		s.log.Warn("subscription error channel full", "id", s.id, "error", err)
	}
}

// finish ends the subscription once. The connection reference is released
// before Done is closed. A terminal error that arrives while Subscribe is
// still running is returned by Subscribe instead of being reported.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	rejected := s.pending && err != nil
	if rejected {
		s.rejectErr = err
	}
	s.mu.Unlock()

	report := err != nil && !rejected
	if report && s.onError != nil {
		s.deliver(func() { s.onError(err) })
	}
	s.active.Store(false)

	s.log.Debug("subscription ended", "id", s.id, "error", err)
	if s.release != nil {
		s.release()
	}

	s.mu.Lock()
	if report {
		s.push(err)
	}
	close(s.errCh)
	close(s.done)
	s.mu.Unlock()
}

// settle ends the pending window and returns the error that arrived
// during it, if any.
func (s *Subscription) settle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	return s.rejectErr
}
