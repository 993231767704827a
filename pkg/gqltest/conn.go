package gqltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxFrameSize is the read limit for a single inbound frame.
const maxFrameSize = 4 << 20

// ConnectionConfig is sent when a subscription connection is opened.
// Subscriptions with different configs never share a connection.
type ConnectionConfig struct {
	// InitPayload is the connection_init payload. An empty object is sent
	// when nil.
	InitPayload any
	// Cookies are sent in a single Cookie header on the upgrade request.
	Cookies map[string]string
	// Headers are merged into the upgrade request.
	Headers map[string]string
}

// header builds the upgrade request headers.
func (cfg ConnectionConfig) header() http.Header {
	h := http.Header{}
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	if len(cfg.Cookies) > 0 {
		names := make([]string, 0, len(cfg.Cookies))
		for name := range cfg.Cookies {
			names = append(names, name)
		}
		slices.Sort(names)

		parts := make([]string, 0, len(names))
		if existing := h.Get("Cookie"); existing != "" {
			parts = append(parts, existing)
		}
		for _, name := range names {
			parts = append(parts, (&http.Cookie{Name: name, Value: cfg.Cookies[name]}).String())
		}
		h.Set("Cookie", strings.Join(parts, "; "))
	}
	return h
}

// fingerprint identifies configs that can share a connection.
func (cfg ConnectionConfig) fingerprint() (string, error) {
	data, err := json.Marshal(struct {
		InitPayload any               `json:"i"`
		Cookies     map[string]string `json:"c"`
		Headers     map[string]string `json:"h"`
	}{cfg.InitPayload, cfg.Cookies, cfg.Headers})
	if err != nil {
		return "", &ConnectionError{Err: fmt.Errorf("encode connection config: %w", err)}
	}
	return string(data), nil
}

// initPayload returns the encoded connection_init payload.
func (cfg ConnectionConfig) initPayload() (json.RawMessage, error) {
	if cfg.InitPayload == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(cfg.InitPayload)
	if err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("encode init payload: %w", err)}
	}
	return data, nil
}

// wireConn is one WebSocket connection multiplexing subscriptions. Frames
// are read by a single goroutine, which also runs every callback.
type wireConn struct {
	key          string
	addr         string
	conn         *websocket.Conn
	proto        wireProtocol
	owned        bool
	writeTimeout time.Duration
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	nextID  atomic.Uint64
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*Subscription

	// refs counts live subscriptions; guarded by registry.mu.
	refs int

	closed     atomic.Bool
	done       chan struct{}
	onShutdown func(*wireConn)
}

// dial opens a connection to ep and completes the connection_init
// handshake within the handshake timeout.
func dial(ctx context.Context, key string, ep endpoint, cfg ConnectionConfig, o *options, onShutdown func(*wireConn)) (*wireConn, error) {
	proto := protocolFor(o.protocol)
	url := "ws://" + ep.addr + o.path

	payload, err := cfg.initPayload()
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(hctx, url, &websocket.DialOptions{
		Subprotocols: []string{string(proto.name)},
		HTTPHeader:   cfg.header(),
	})
	if err != nil {
		return nil, upgradeError(hctx, ep.addr, resp, err)
	}
	conn.SetReadLimit(maxFrameSize)

	if conn.Subprotocol() != string(proto.name) {
		_ = conn.CloseNow()
		return nil, &ConnectionError{
			Addr:   ep.addr,
			Err:    ErrConnectionRejected,
			Reason: fmt.Sprintf("server did not accept subprotocol %q", proto.name),
		}
	}

	if err := handshake(hctx, conn, proto, payload); err != nil {
		_ = conn.CloseNow()
		var ce *ConnectionError
		if errors.As(err, &ce) {
			ce.Addr = ep.addr
		}
		return nil, err
	}

	wctx, wcancel := context.WithCancel(context.Background())
	c := &wireConn{
		key:          key,
		addr:         ep.addr,
		conn:         conn,
		proto:        proto,
		owned:        ep.owned,
		writeTimeout: o.writeTimeout,
		log:          o.log.With("addr", ep.addr, "protocol", string(proto.name)),
		ctx:          wctx,
		cancel:       wcancel,
		subs:         make(map[string]*Subscription),
		done:         make(chan struct{}),
		onShutdown:   onShutdown,
	}
	c.log.Debug("subscription connection established", "owned", ep.owned)

	go c.readLoop()
	return c, nil
}

// handshake sends connection_init and waits for connection_ack. Pings
// received before the ack are answered.
func handshake(ctx context.Context, conn *websocket.Conn, proto wireProtocol, payload json.RawMessage) error {
	if err := wsjson.Write(ctx, conn, message{Type: typeConnectionInit, Payload: payload}); err != nil {
		return handshakeError(ctx, err)
	}

	for {
		var msg message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return handshakeError(ctx, err)
		}

		switch proto.classify(msg.Type) {
		case frameAck:
			return nil
		case framePing:
			if err := wsjson.Write(ctx, conn, message{Type: typePong}); err != nil {
				return handshakeError(ctx, err)
			}
		case framePong, frameKeepAlive:
		case frameConnectionError, frameError:
			return &ConnectionError{
				Err:    ErrConnectionRejected,
				Reason: decodeErrors(msg.Payload)[0].Message,
			}
		default:
			return &ConnectionError{Err: fmt.Errorf("expected connection_ack, got %q", msg.Type)}
		}
	}
}

func handshakeError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return &ConnectionError{Err: ErrHandshakeTimeout}
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &ConnectionError{
			Err:       ErrConnectionRejected,
			CloseCode: int(ce.Code),
			Reason:    ce.Reason,
		}
	}
	return &ConnectionError{Err: err}
}

// upgradeError describes a failed WebSocket upgrade, including the body of
// a refused upgrade response.
func upgradeError(ctx context.Context, addr string, resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		var reason string
		if resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			reason = strings.TrimSpace(string(body))
		}
		return &ConnectionError{
			Addr:       addr,
			StatusCode: resp.StatusCode,
			Reason:     reason,
			Err:        ErrConnectionRejected,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return &ConnectionError{Addr: addr, Err: ErrHandshakeTimeout}
	}
	return &ConnectionError{Addr: addr, Err: err}
}

// register adds sub to the dispatch table. It fails once the connection
// has shut down.
func (c *wireConn) register(sub *Subscription) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.subs[sub.id] = sub
	return true
}

func (c *wireConn) lookup(id string) *Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs[id]
}

// take removes and returns the subscription for id.
func (c *wireConn) take(id string) *Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub := c.subs[id]
	delete(c.subs, id)
	return sub
}

// drain empties the dispatch table.
func (c *wireConn) drain() []*Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*Subscription)
	return subs
}

// subCount returns the number of registered subscriptions.
func (c *wireConn) subCount() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

// operationID returns the next id, unique for the lifetime of the connection.
func (c *wireConn) operationID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

// write sends one frame. Cancelling ctx before the write starts aborts it;
// once started the write is bounded by the write timeout only, so a caller
// cannot tear down a shared connection mid-frame.
func (c *wireConn) write(ctx context.Context, msg message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.conn, msg)
}

func (c *wireConn) readLoop() {
	for {
		var msg message
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			c.shutdown(err)
			return
		}
		c.handle(&msg)
	}
}

func (c *wireConn) handle(msg *message) {
	switch c.proto.classify(msg.Type) {
	case framePing:
		if err := c.write(c.ctx, message{Type: typePong, Payload: msg.Payload}); err != nil {
			c.log.Debug("pong not sent", "error", err)
		}

	case framePong, frameKeepAlive, frameAck:

	case frameData:
		sub := c.lookup(msg.ID)
		if sub == nil {
			c.log.Debug("dropping frame for inactive operation", "id", msg.ID, "type", msg.Type)
			return
		}
		sub.next(msg.Payload)

	case frameError:
		sub := c.take(msg.ID)
		if sub == nil {
			c.log.Debug("dropping frame for inactive operation", "id", msg.ID, "type", msg.Type)
			return
		}
		sub.finish(&GraphQLOperationError{OperationID: msg.ID, Errors: decodeErrors(msg.Payload)})

	case frameComplete:
		sub := c.take(msg.ID)
		if sub == nil {
			c.log.Debug("dropping frame for inactive operation", "id", msg.ID, "type", msg.Type)
			return
		}
		sub.finish(nil)

	case frameConnectionError:
		c.shutdown(fmt.Errorf("%w: %s", ErrConnectionRejected, decodeErrors(msg.Payload)[0].Message))

	default:
		c.log.Debug("ignoring unknown frame", "type", msg.Type, "id", msg.ID)
	}
}

// shutdown tears the connection down after a transport failure. Every live
// subscription ends with a TransportError.
func (c *wireConn) shutdown(cause error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.log.Warn("subscription connection lost", "error", cause)
	_ = c.conn.CloseNow()
	c.cancel()
	close(c.done)
	if c.onShutdown != nil {
		c.onShutdown(c)
	}

	for _, sub := range c.drain() {
		sub.finish(&TransportError{Op: "read", Err: cause})
	}
}

// close performs an orderly close. Live subscriptions end without error.
func (c *wireConn) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.proto.terminate != "" {
		c.writeMu.Lock()
		wctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		_ = wsjson.Write(wctx, c.conn, message{Type: c.proto.terminate})
		cancel()
		c.writeMu.Unlock()
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	close(c.done)
	if c.onShutdown != nil {
		c.onShutdown(c)
	}
	c.log.Debug("subscription connection closed")

	for _, sub := range c.drain() {
		sub.finish(nil)
	}

	var ce websocket.CloseError
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.As(err, &ce) {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (c *wireConn) isClosed() bool {
	return c.closed.Load()
}
