package gqltest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// dialAttempts bounds how often acquire redials a connection that closed
// between the dial and the reference being taken.
const dialAttempts = 3

// registry tracks the open connections of one Client, keyed by address and
// connection config.
type registry struct {
	mu    sync.Mutex
	conns map[string]*wireConn
	group singleflight.Group

	// onIdle runs after the last owned connection closed.
	onIdle func()
	log    *slog.Logger
}

func newRegistry(log *slog.Logger, onIdle func()) *registry {
	return &registry{
		conns:  make(map[string]*wireConn),
		onIdle: onIdle,
		log:    log,
	}
}

// acquire returns a connection for key with its reference count raised,
// dialing one if needed. Concurrent callers for the same key share a dial.
// The dial itself is bounded by the handshake timeout rather than ctx so a
// cancelled caller does not fail the others waiting on it.
func (r *registry) acquire(ctx context.Context, key string, dialFn func(context.Context) (*wireConn, error)) (*wireConn, error) {
	for range dialAttempts {
		r.mu.Lock()
		if wc := r.conns[key]; wc != nil && !wc.isClosed() {
			wc.refs++
			r.mu.Unlock()
			return wc, nil
		}
		r.mu.Unlock()

		ch := r.group.DoChan(key, func() (any, error) {
			wc, err := dialFn(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			r.conns[key] = wc
			r.mu.Unlock()
			return wc, nil
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &TransportError{Op: "dial", Err: ErrConnectionClosed}
}

// release drops one reference. A connection whose listener this client
// started is closed when its last subscription goes away.
func (r *registry) release(wc *wireConn) {
	r.mu.Lock()
	wc.refs--
	if wc.refs > 0 || !wc.owned {
		r.mu.Unlock()
		return
	}
	if r.conns[wc.key] == wc {
		delete(r.conns, wc.key)
	}
	idle := len(r.conns) == 0
	r.mu.Unlock()

	if err := wc.close(); err != nil {
		r.log.Debug("closing idle connection", "addr", wc.addr, "error", err)
	}
	if idle && r.onIdle != nil {
		r.onIdle()
	}
}

// forget removes a connection that shut down on its own so the next
// acquire dials again.
func (r *registry) forget(wc *wireConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[wc.key] == wc {
		delete(r.conns, wc.key)
	}
}

// size returns the number of tracked connections.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll closes every tracked connection in parallel.
func (r *registry) closeAll() error {
	r.mu.Lock()
	conns := make([]*wireConn, 0, len(r.conns))
	for _, wc := range r.conns {
		conns = append(conns, wc)
	}
	r.conns = make(map[string]*wireConn)
	r.mu.Unlock()

	var g errgroup.Group
	errs := make([]error, len(conns))
	for i, wc := range conns {
		g.Go(func() error {
			errs[i] = wc.close()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
