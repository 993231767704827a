package gqltest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
)

// Server is the application under test. Queries and mutations are injected
// through ServeHTTP without a socket.
type Server interface {
	http.Handler
}

// Listener is implemented by servers that bind their own port. Listen must
// be idempotent and Addr must return nil while the server is not listening.
type Listener interface {
	Listen(ctx context.Context) (net.Addr, error)
	Addr() net.Addr
}

// endpoint is the bound address subscriptions connect to.
type endpoint struct {
	addr string
	// owned is true when this client started the listener.
	owned bool
	stop  func() error
}

// checkServer fails for handles that cannot serve requests at all.
func checkServer(s Server) error {
	if isNilHandle(s) {
		return &ConnectionError{
			Err:    ErrMalformedServer,
			Reason: `cannot read property "Listen" of nil server`,
		}
	}
	return nil
}

func isNilHandle(s Server) bool {
	if s == nil {
		return true
	}
	rv := reflect.ValueOf(s)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Interface, reflect.Chan, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// endpoint returns the address to dial, binding the server first when it
// is not listening yet.
func (c *Client) endpoint(ctx context.Context) (endpoint, error) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()

	if c.ep.addr != "" {
		return c.ep, nil
	}
	if err := checkServer(c.server); err != nil {
		return endpoint{}, err
	}

	l, ok := c.server.(Listener)
	if !ok {
		ts := httptest.NewServer(c.server)
		c.ep = endpoint{addr: ts.Listener.Addr().String(), owned: true, stop: func() error {
			ts.Close()
			return nil
		}}
		c.log.Debug("started test listener", "addr", c.ep.addr)
		return c.ep, nil
	}

	if addr := l.Addr(); addr != nil {
		c.ep = endpoint{addr: dialAddr(addr)}
		c.log.Debug("reusing server listener", "addr", c.ep.addr)
		return c.ep, nil
	}

	addr, err := l.Listen(ctx)
	if err != nil {
		return endpoint{}, &ConnectionError{Err: fmt.Errorf("listen: %w", err)}
	}
	if addr == nil {
		return endpoint{}, &ConnectionError{
			Err:    ErrMalformedServer,
			Reason: `Listen returned no address, cannot read property "port"`,
		}
	}

	c.ep = endpoint{addr: dialAddr(addr), owned: true}
	if closer, ok := c.server.(io.Closer); ok {
		c.ep.stop = closer.Close
	}
	c.log.Debug("server listening", "addr", c.ep.addr)
	return c.ep, nil
}

// releaseEndpoint stops a listener this client started. Listeners that
// cannot be stopped stay recorded as owned.
func (c *Client) releaseEndpoint() error {
	c.listenMu.Lock()
	ep := c.ep
	if !ep.owned || ep.stop == nil {
		c.listenMu.Unlock()
		return nil
	}
	c.ep = endpoint{}
	c.listenMu.Unlock()

	c.log.Debug("stopping listener", "addr", ep.addr)
	return ep.stop()
}

// dialAddr turns a bound address into one reachable over loopback.
func dialAddr(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
