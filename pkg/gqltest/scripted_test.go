package gqltest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer speaks the wire protocol from a test script so the client
// can be driven through situations the reference server never produces.
// It is already listening, so connections to it are never closed on idle.
type scriptedServer struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader
	script   func(conn *scriptConn)
}

func newScriptedServer(t *testing.T, subprotocol string, script func(conn *scriptConn)) *scriptedServer {
	t.Helper()
	s := &scriptedServer{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		script: script,
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "scripted server only speaks WebSocket", http.StatusNotImplemented)
}

func (s *scriptedServer) Listen(context.Context) (net.Addr, error) {
	return s.ts.Listener.Addr(), nil
}

func (s *scriptedServer) Addr() net.Addr {
	return s.ts.Listener.Addr()
}

func (s *scriptedServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.script(&scriptConn{conn: conn})
}

// scriptConn wraps the server side of one connection. Failed reads and
// writes end the script quietly; the client side asserts the outcome.
type scriptConn struct {
	conn *websocket.Conn
}

func (c *scriptConn) read() (message, bool) {
	var msg message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return message{}, false
	}
	return msg, true
}

// readType reads frames until one of the given type arrives.
func (c *scriptConn) readType(frameType string) (message, bool) {
	for {
		msg, ok := c.read()
		if !ok || msg.Type == frameType {
			return msg, ok
		}
	}
}

func (c *scriptConn) send(id, frameType, payload string) bool {
	msg := message{ID: id, Type: frameType}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	return c.conn.WriteJSON(msg) == nil
}

// accept completes the connection_init handshake.
func (c *scriptConn) accept() bool {
	if _, ok := c.readType(typeConnectionInit); !ok {
		return false
	}
	return c.send("", typeConnectionAck, "")
}

// drain blocks until the client goes away.
func (c *scriptConn) drain() {
	for {
		if _, ok := c.read(); !ok {
			return
		}
	}
}

func subscribeNoop(t *testing.T, client *Client, opts ...func(*SubscriptionRequest)) (*Subscription, error) {
	t.Helper()
	req := SubscriptionRequest{
		Query:  Text(`subscription { events }`),
		OnData: func(json.RawMessage) {},
	}
	for _, opt := range opts {
		opt(&req)
	}
	return client.Subscribe(testContext(t), req)
}

// ============================================================================
// Handshake
// ============================================================================

func TestScripted_HandshakeTimeout(t *testing.T) {
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		conn.drain()
	})
	client := NewForTest(t, srv, WithHandshakeTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := subscribeNoop(t, client)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestScripted_PingBeforeAck(t *testing.T) {
	pong := make(chan message, 1)
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if _, ok := conn.readType(typeConnectionInit); !ok {
			return
		}
		conn.send("", typePing, "")
		msg, ok := conn.read()
		if !ok {
			return
		}
		pong <- msg
		conn.send("", typeConnectionAck, "")
		conn.drain()
	})
	client := NewForTest(t, srv)

	_, err := subscribeNoop(t, client)
	require.NoError(t, err)
	assert.Equal(t, typePong, (<-pong).Type)
}

func TestScripted_PingAfterAck(t *testing.T) {
	pong := make(chan message, 1)
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		if _, ok := conn.readType(typeSubscribe); !ok {
			return
		}
		conn.send("", typePing, `{"seq":7}`)
		msg, ok := conn.readType(typePong)
		if !ok {
			return
		}
		pong <- msg
		conn.drain()
	})
	client := NewForTest(t, srv)

	_, err := subscribeNoop(t, client)
	require.NoError(t, err)

	select {
	case msg := <-pong:
		assert.JSONEq(t, `{"seq":7}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestScripted_ConnectionErrorBeforeAck(t *testing.T) {
	srv := newScriptedServer(t, string(ProtocolLegacyWS), func(conn *scriptConn) {
		if _, ok := conn.readType(typeConnectionInit); !ok {
			return
		}
		conn.send("", typeConnectionError, `{"message":"not today"}`)
	})
	client := NewForTest(t, srv, WithProtocol(ProtocolLegacyWS))

	_, err := subscribeNoop(t, client)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrConnectionRejected)
	assert.Equal(t, "not today", connErr.Reason)
}

func TestScripted_SubprotocolMismatch(t *testing.T) {
	srv := newScriptedServer(t, string(ProtocolLegacyWS), func(conn *scriptConn) {
		conn.drain()
	})
	client := NewForTest(t, srv)

	_, err := subscribeNoop(t, client)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrConnectionRejected)
	assert.Contains(t, connErr.Reason, "subprotocol")
}

// ============================================================================
// Dispatch
// ============================================================================

func TestScripted_SubscribeFrame(t *testing.T) {
	frames := make(chan message, 1)
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		msg, ok := conn.readType(typeSubscribe)
		if !ok {
			return
		}
		frames <- msg
		conn.drain()
	})
	client := NewForTest(t, srv)

	sub, err := subscribeNoop(t, client, func(req *SubscriptionRequest) {
		req.Variables = map[string]any{"topic": "news"}
		req.OperationName = "Events"
	})
	require.NoError(t, err)

	msg := <-frames
	assert.Equal(t, sub.ID(), msg.ID)

	var payload operationPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, `subscription { events }`, payload.Query)
	assert.Equal(t, "Events", payload.OperationName)
	assert.Equal(t, map[string]any{"topic": "news"}, payload.Variables)
}

func TestScripted_LateFramesDropped(t *testing.T) {
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		first, ok := conn.readType(typeSubscribe)
		if !ok {
			return
		}
		conn.send(first.ID, typeNext, `{"data":{"n":1}}`)

		if _, ok := conn.readType(typeComplete); !ok {
			return
		}
		conn.send(first.ID, typeNext, `{"data":{"n":2}}`)
		conn.send(first.ID, typeError, `[{"message":"too late"}]`)
		conn.send(first.ID, typeComplete, "")

		second, ok := conn.readType(typeSubscribe)
		if !ok {
			return
		}
		conn.send(second.ID, typeNext, `{"data":{"n":3}}`)
		conn.drain()
	})
	client := NewForTest(t, srv)
	ctx := testContext(t)

	first := NewRecorder()
	sub, err := client.Subscribe(ctx, SubscriptionRequest{
		Query:   Text(`subscription { n }`),
		OnData:  first.OnData,
		OnError: first.OnError,
	})
	require.NoError(t, err)

	data, err := first.Next(ctx)
	require.NoError(t, err)
	AssertJSON(t, data, `{"n":1}`)
	require.NoError(t, sub.Unsubscribe(ctx))

	second := NewRecorder()
	sub2, err := client.Subscribe(ctx, SubscriptionRequest{
		Query:  Text(`subscription { n }`),
		OnData: second.OnData,
	})
	require.NoError(t, err)
	assert.NotEqual(t, sub.ID(), sub2.ID())

	data, err = second.Next(ctx)
	require.NoError(t, err)
	AssertJSON(t, data, `{"n":3}`)

	// Frames are handled in order, so the late ones were seen by now.
	assert.Len(t, first.Data(), 1)
	assert.Empty(t, first.Errors())
	assert.NoError(t, sub.Wait(ctx))
}

func TestScripted_ErrorAfterSubscribe(t *testing.T) {
	proceed := make(chan struct{})
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		msg, ok := conn.readType(typeSubscribe)
		if !ok {
			return
		}
		<-proceed
		conn.send(msg.ID, typeError, `[{"message":"boom","path":["events"]}]`)
		conn.drain()
	})
	client := NewForTest(t, srv)
	ctx := testContext(t)

	rec := NewRecorder()
	sub, err := client.Subscribe(ctx, SubscriptionRequest{
		Query:   Text(`subscription { events }`),
		OnData:  rec.OnData,
		OnError: rec.OnError,
	})
	require.NoError(t, err)
	close(proceed)

	select {
	case err := <-sub.Err():
		AssertGraphQLError(t, err, "boom")
		var gqlErr *GraphQLOperationError
		require.ErrorAs(t, err, &gqlErr)
		assert.Equal(t, sub.ID(), gqlErr.OperationID)
		assert.Equal(t, []any{"events"}, gqlErr.Errors[0].Path)
	case <-ctx.Done():
		t.Fatal("no error delivered")
	}

	AssertGraphQLError(t, sub.Wait(ctx), "boom")
	AssertGraphQLError(t, rec.WaitError(ctx), "boom")
}

func TestScripted_ErrorBeforeSubscribeReturns(t *testing.T) {
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		msg, ok := conn.readType(typeSubscribe)
		if !ok {
			return
		}
		conn.send(msg.ID, typeError, `[{"message":"rejected early"}]`)
		conn.drain()
	})
	client := NewForTest(t, srv, WithSubscribeGrace(time.Second))

	var onErrorCalls atomic.Int32
	sub, err := subscribeNoop(t, client, func(req *SubscriptionRequest) {
		req.OnError = func(error) { onErrorCalls.Add(1) }
	})
	assert.Nil(t, sub)
	AssertGraphQLError(t, err, "rejected early")
	assert.Zero(t, onErrorCalls.Load(), "an error returned by Subscribe is not reported again")
}

func TestScripted_NextWithErrors(t *testing.T) {
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		msg, ok := conn.readType(typeSubscribe)
		if !ok {
			return
		}
		conn.send(msg.ID, typeNext, `{"data":{"n":null},"errors":[{"message":"partial"}]}`)
		conn.send(msg.ID, typeNext, `{"data":null,"errors":[{"message":"no data"}]}`)
		conn.send(msg.ID, typeComplete, "")
		conn.drain()
	})
	client := NewForTest(t, srv)
	ctx := testContext(t)

	rec := NewRecorder()
	sub, err := client.Subscribe(ctx, SubscriptionRequest{
		Query:   Text(`subscription { n }`),
		OnData:  rec.OnData,
		OnError: rec.OnError,
	})
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx), "errors in next payloads are not terminal")

	data := rec.Data()
	require.Len(t, data, 1)
	AssertJSON(t, data[0], `{"n":null}`)

	errs := rec.Errors()
	require.Len(t, errs, 2)
	AssertGraphQLError(t, errs[0], "partial")
	AssertGraphQLError(t, errs[1], "no data")

	var fromChannel []error
	for err := range sub.Err() {
		fromChannel = append(fromChannel, err)
	}
	assert.Len(t, fromChannel, 2)
}

func TestScripted_ConnectionDropped(t *testing.T) {
	var conns atomic.Int32
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		if conns.Add(1) > 1 {
			conn.drain()
			return
		}
		msg, ok := conn.readType(typeSubscribe)
		if !ok {
			return
		}
		conn.send(msg.ID, typeNext, `{"data":{"n":1}}`)
	})
	client := NewForTest(t, srv)
	ctx := testContext(t)

	rec := NewRecorder()
	sub, err := client.Subscribe(ctx, SubscriptionRequest{
		Query:   Text(`subscription { n }`),
		OnData:  rec.OnData,
		OnError: rec.OnError,
	})
	require.NoError(t, err)

	var transportErr *TransportError
	require.ErrorAs(t, sub.Wait(ctx), &transportErr)
	assert.Equal(t, "read", transportErr.Op)
	assert.Len(t, rec.Data(), 1)
	assert.Zero(t, client.registry.size(), "a dropped connection must be forgotten")

	// The next subscription dials again.
	_, err = subscribeNoop(t, client)
	require.NoError(t, err)
	assert.Equal(t, 1, client.registry.size())
}

func TestScripted_LegacyFrames(t *testing.T) {
	stopped := make(chan message, 1)
	srv := newScriptedServer(t, string(ProtocolLegacyWS), func(conn *scriptConn) {
		if _, ok := conn.readType(typeConnectionInit); !ok {
			return
		}
		conn.send("", typeConnectionAck, "")
		conn.send("", typeConnectionKeepAlive, "")
		msg, ok := conn.readType(typeStart)
		if !ok {
			return
		}
		conn.send("", typeConnectionKeepAlive, "")
		conn.send(msg.ID, typeData, `{"data":{"n":1}}`)
		stop, ok := conn.readType(typeStop)
		if !ok {
			return
		}
		stopped <- stop
		conn.drain()
	})
	client := NewForTest(t, srv, WithProtocol(ProtocolLegacyWS))
	ctx := testContext(t)

	rec := NewRecorder()
	sub, err := client.Subscribe(ctx, SubscriptionRequest{
		Query:  Text(`subscription { n }`),
		OnData: rec.OnData,
	})
	require.NoError(t, err)

	data, err := rec.Next(ctx)
	require.NoError(t, err)
	AssertJSON(t, data, `{"n":1}`)

	require.NoError(t, sub.Unsubscribe(ctx))
	select {
	case msg := <-stopped:
		assert.Equal(t, sub.ID(), msg.ID)
	case <-ctx.Done():
		t.Fatal("stop frame not received")
	}
}

func TestScripted_CloseSendsTerminate(t *testing.T) {
	terminated := make(chan struct{})
	srv := newScriptedServer(t, string(ProtocolLegacyWS), func(conn *scriptConn) {
		if !conn.accept() {
			return
		}
		if _, ok := conn.readType(typeConnectionTerminate); ok {
			close(terminated)
		}
		conn.drain()
	})
	client := New(srv, WithProtocol(ProtocolLegacyWS))

	_, err := subscribeNoop(t, client)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("connection_terminate not received")
	}
}

func TestScripted_InitPayloadAndHeaders(t *testing.T) {
	type seen struct {
		init   message
		cookie string
		header string
	}
	got := make(chan seen, 1)

	s := &scriptedServer{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{string(ProtocolTransportWS)},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sc := &scriptConn{conn: conn}
		init, ok := sc.readType(typeConnectionInit)
		if !ok {
			return
		}
		got <- seen{init: init, cookie: r.Header.Get("Cookie"), header: r.Header.Get("X-Tenant")}
		sc.send("", typeConnectionAck, "")
		sc.drain()
	}))
	t.Cleanup(s.ts.Close)

	client := NewForTest(t, s)
	_, err := subscribeNoop(t, client, func(req *SubscriptionRequest) {
		req.ConnectionConfig = ConnectionConfig{
			InitPayload: map[string]any{"authToken": "abc"},
			Cookies:     map[string]string{"b": "2", "a": "1"},
			Headers:     map[string]string{"X-Tenant": "acme"},
		}
	})
	require.NoError(t, err)

	req := <-got
	assert.JSONEq(t, `{"authToken":"abc"}`, string(req.init.Payload))
	assert.Equal(t, "a=1; b=2", req.cookie)
	assert.Equal(t, "acme", req.header)
}

func TestScripted_DialCancelledByCaller(t *testing.T) {
	srv := newScriptedServer(t, string(ProtocolTransportWS), func(conn *scriptConn) {
		conn.drain()
	})
	client := NewForTest(t, srv, WithHandshakeTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Subscribe(ctx, SubscriptionRequest{
		Query:  Text(`subscription { n }`),
		OnData: func(json.RawMessage) {},
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}
