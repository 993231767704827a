package gqltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getmockd/gqltest/pkg/logging"
)

// Client runs GraphQL operations against a server under test. Queries and
// mutations are injected through the server's http.Handler; subscriptions
// use a real WebSocket connection, opened on first use and shared by every
// subscription with the same connection config.
//
// A Client is safe for concurrent use.
type Client struct {
	server   Server
	opts     options
	log      *slog.Logger
	registry *registry

	listenMu sync.Mutex
	ep       endpoint

	closed atomic.Bool
}

// New creates a Client for server. The server is borrowed: a listener the
// server already had is never stopped by the client.
func New(server Server, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		server: server,
		opts:   o,
		log:    o.log.With("component", "gqltest"),
	}
	c.registry = newRegistry(c.log, func() {
		if err := c.releaseEndpoint(); err != nil {
			c.log.Debug("stopping listener", "error", err)
		}
	})
	return c
}

// NewForTest creates a Client that logs through t and is closed when the
// test finishes.
func NewForTest(t testing.TB, server Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewTest(t, logging.LevelDebug))}, opts...)
	c := New(server, opts...)
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Logf("gqltest: close: %v", err)
		}
	})
	return c
}

// Subscribe starts a subscription and returns once the subscribe frame has
// been written. Data arrives through req.OnData. An error frame received
// before Subscribe returns fails the call; later errors are delivered to
// req.OnError and Subscription.Err.
func (c *Client) Subscribe(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	if err := checkServer(c.server); err != nil {
		return nil, err
	}
	query, err := resolveDocument(req.Query)
	if err != nil {
		return nil, err
	}
	if req.OnData == nil {
		return nil, ErrMissingOnData
	}
	if c.closed.Load() {
		return nil, &TransportError{Op: "subscribe", Err: ErrConnectionClosed}
	}

	payload, err := json.Marshal(operationPayload{
		Query:         query,
		Variables:     req.Variables,
		OperationName: req.OperationName,
	})
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	wc, err := c.connect(ctx, req.ConnectionConfig)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(wc, &req, func() { c.registry.release(wc) }, wc.log)
	if !wc.register(sub) {
		c.registry.release(wc)
		return nil, &TransportError{Op: "subscribe", Err: ErrConnectionClosed}
	}

	if err := wc.write(ctx, message{ID: sub.id, Type: wc.proto.subscribe, Payload: payload}); err != nil {
		if wc.take(sub.id) != nil {
			sub.finish(nil)
		}
		return nil, &TransportError{Op: "write", Err: err}
	}
	wc.log.Debug("subscribed", "id", sub.id, "operation", req.OperationName)

	if grace := c.opts.subscribeGrace; grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-sub.done:
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	if err := sub.settle(); err != nil {
		return nil, err
	}
	return sub, nil
}

// connect returns a handshaken connection for cfg with a reference taken,
// binding the server and dialing as needed.
func (c *Client) connect(ctx context.Context, cfg ConnectionConfig) (*wireConn, error) {
	fp, err := cfg.fingerprint()
	if err != nil {
		return nil, err
	}

	ep, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}

	key := ep.addr + "|" + fp
	return c.registry.acquire(ctx, key, func(dctx context.Context) (*wireConn, error) {
		return dial(dctx, key, ep, cfg, &c.opts, c.registry.forget)
	})
}

// Close closes every subscription connection and stops a listener the
// client started. Live subscriptions end without error.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(
		c.registry.closeAll(),
		c.releaseEndpoint(),
	)
}

// String describes the client for log and test output.
func (c *Client) String() string {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	if c.ep.addr == "" {
		return fmt.Sprintf("gqltest.Client{path=%s}", c.opts.path)
	}
	return fmt.Sprintf("gqltest.Client{addr=%s path=%s}", c.ep.addr, c.opts.path)
}
