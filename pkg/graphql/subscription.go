package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/getmockd/gqltest/pkg/logging"
	"github.com/google/uuid"
)

// Subprotocol identifiers.
const (
	// ProtocolTransportWS is the graphql-transport-ws protocol.
	ProtocolTransportWS = "graphql-transport-ws"
	// ProtocolLegacyWS is the subscriptions-transport-ws protocol, which
	// negotiates as "graphql-ws".
	ProtocolLegacyWS = "graphql-ws"
)

// WebSocket message types for graphql-transport-ws (modern) and subscriptions-transport-ws (legacy)
const (
	// Common message types (used by both protocols)
	msgTypeConnectionInit = "connection_init"
	msgTypeConnectionAck  = "connection_ack"
	msgTypeError          = "error"
	msgTypeComplete       = "complete"

	// graphql-transport-ws protocol (modern)
	msgTypePing      = "ping"
	msgTypePong      = "pong"
	msgTypeSubscribe = "subscribe"
	msgTypeNext      = "next"

	// subscriptions-transport-ws protocol (legacy) - additional types
	msgTypeConnectionError     = "connection_error"
	msgTypeConnectionKeepAlive = "ka"
	msgTypeStart               = "start"
	msgTypeData                = "data"
	msgTypeStop                = "stop"
	msgTypeConnectionTerminate = "connection_terminate"
)

// Close codes defined by graphql-transport-ws.
const (
	closeInvalidMessage         websocket.StatusCode = 4400
	closeUnauthorized           websocket.StatusCode = 4401
	closeForbidden              websocket.StatusCode = 4403
	closeInitTimeout            websocket.StatusCode = 4408
	closeSubscriberExists       websocket.StatusCode = 4409
	closeTooManyInitialRequests websocket.StatusCode = 4429
)

// maxCloseReason is the longest close reason a control frame can carry.
const maxCloseReason = 123

// wsMessage represents a WebSocket message for GraphQL subscriptions.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VerifyClientFunc inspects the WebSocket upgrade request. A non-nil error
// refuses the upgrade with 403 Forbidden and the error message as body.
type VerifyClientFunc func(r *http.Request) error

// OnConnectFunc receives the connection_init payload. The returned value is
// exposed to resolvers through ConnectionContext; an error rejects the
// connection with the error message as close reason.
type OnConnectFunc func(ctx context.Context, payload map[string]any) (any, error)

// SubscriptionHandler handles GraphQL subscriptions over WebSocket.
type SubscriptionHandler struct {
	executor    *Executor
	acceptOpts  websocket.AcceptOptions
	initTimeout time.Duration
	verify      VerifyClientFunc
	onConnect   OnConnectFunc
	log         *slog.Logger

	mu    sync.RWMutex
	conns map[string]*subscriptionConn
}

// subscriptionConn represents an active WebSocket connection.
type subscriptionConn struct {
	id          string
	conn        *websocket.Conn
	protocol    string
	initialized bool
	connCtx     any

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewSubscriptionHandler creates a subscription handler.
func NewSubscriptionHandler(executor *Executor, cfg SubscriptionConfig, verify VerifyClientFunc, onConnect OnConnectFunc, logger *slog.Logger) *SubscriptionHandler {
	// Determine skipOriginVerify (default: true for test-friendly behavior)
	skipOriginVerify := true
	if cfg.SkipOriginVerify != nil {
		skipOriginVerify = *cfg.SkipOriginVerify
	}

	initTimeout := DefaultConnectionInitTimeout
	if cfg.ConnectionInitTimeout != "" {
		if d, err := time.ParseDuration(cfg.ConnectionInitTimeout); err == nil && d > 0 {
			initTimeout = d
		}
	}

	return &SubscriptionHandler{
		executor: executor,
		acceptOpts: websocket.AcceptOptions{
			Subprotocols:       []string{ProtocolTransportWS, ProtocolLegacyWS},
			InsecureSkipVerify: skipOriginVerify,
		},
		initTimeout: initTimeout,
		verify:      verify,
		onConnect:   onConnect,
		log:         logging.OrNop(logger),
		conns:       make(map[string]*subscriptionConn),
	}
}

// ServeHTTP verifies the client, upgrades HTTP to WebSocket and serves the
// connection until it closes.
func (h *SubscriptionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.verify != nil {
		if err := h.verify(r); err != nil {
			h.log.Debug("websocket client rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &h.acceptOpts)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

// handleConnection runs the read loop of one connection.
func (h *SubscriptionHandler) handleConnection(parent context.Context, conn *websocket.Conn) {
	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = ProtocolTransportWS
	}

	sc := &subscriptionConn{
		id:       uuid.New().String(),
		conn:     conn,
		protocol: protocol,
		subs:     make(map[string]context.CancelFunc),
	}

	h.mu.Lock()
	h.conns[sc.id] = sc
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	log := h.log.With("conn", sc.id, "protocol", protocol)
	log.Debug("websocket connection opened")

	initTimer := time.AfterFunc(h.initTimeout, func() {
		if !sc.isInitialized() {
			_ = conn.Close(closeInitTimeout, "Connection initialisation timeout")
		}
	})

	defer func() {
		initTimer.Stop()
		cancel()
		sc.cancelAll()

		h.mu.Lock()
		delete(h.conns, sc.id)
		h.mu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
		log.Debug("websocket connection closed")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.closeInvalid(sc, "Invalid message received")
			return
		}

		if !h.handleMessage(ctx, sc, &msg, log) {
			return
		}
	}
}

// handleMessage handles a single message. It returns false once the
// connection has been closed.
func (h *SubscriptionHandler) handleMessage(ctx context.Context, sc *subscriptionConn, msg *wsMessage, log *slog.Logger) bool {
	switch msg.Type {
	case msgTypeConnectionInit:
		return h.handleConnectionInit(ctx, sc, msg, log)

	case msgTypePing:
		_ = h.sendMessage(sc, &wsMessage{Type: msgTypePong, Payload: msg.Payload})

	case msgTypePong:
		// Ignore pong messages

	case msgTypeSubscribe, msgTypeStart:
		if !sc.isInitialized() {
			_ = sc.conn.Close(closeUnauthorized, "Unauthorized")
			return false
		}
		return h.handleSubscribe(ctx, sc, msg, log)

	case msgTypeComplete, msgTypeStop:
		sc.cancel(msg.ID)

	case msgTypeConnectionTerminate:
		sc.cancelAll()
		_ = sc.conn.Close(websocket.StatusNormalClosure, "connection terminated")
		return false

	default:
		if sc.protocol == ProtocolTransportWS {
			h.closeInvalid(sc, fmt.Sprintf("Invalid message type %q", msg.Type))
			return false
		}
	}
	return true
}

// handleConnectionInit runs OnConnect and acknowledges the connection.
func (h *SubscriptionHandler) handleConnectionInit(ctx context.Context, sc *subscriptionConn, msg *wsMessage, log *slog.Logger) bool {
	if sc.isInitialized() {
		_ = sc.conn.Close(closeTooManyInitialRequests, "Too many initialisation requests")
		return false
	}

	var payload map[string]any
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.closeInvalid(sc, "connection_init payload must be an object")
			return false
		}
	}

	var connCtx any
	if h.onConnect != nil {
		v, err := h.onConnect(ctx, payload)
		if err != nil {
			log.Debug("connection_init rejected", "error", err)
			h.rejectConnection(sc, err.Error())
			return false
		}
		connCtx = v
	}

	sc.mu.Lock()
	sc.initialized = true
	sc.connCtx = connCtx
	sc.mu.Unlock()

	_ = h.sendMessage(sc, &wsMessage{Type: msgTypeConnectionAck})

	// For legacy protocol, also send keep-alive
	if sc.protocol == ProtocolLegacyWS {
		_ = h.sendMessage(sc, &wsMessage{Type: msgTypeConnectionKeepAlive})
	}
	return true
}

// rejectConnection refuses connection_init. The legacy protocol reports the
// reason in a connection_error message before closing.
func (h *SubscriptionHandler) rejectConnection(sc *subscriptionConn, reason string) {
	if sc.protocol == ProtocolLegacyWS {
		payload, _ := json.Marshal(map[string]string{"message": reason})
		_ = h.sendMessage(sc, &wsMessage{Type: msgTypeConnectionError, Payload: payload})
	}
	_ = sc.conn.Close(closeForbidden, truncateReason(reason))
}

// handleSubscribe starts a subscription and streams its events.
func (h *SubscriptionHandler) handleSubscribe(ctx context.Context, sc *subscriptionConn, msg *wsMessage, log *slog.Logger) bool {
	if msg.ID == "" {
		h.closeInvalid(sc, "subscription id is required")
		return false
	}

	var req GraphQLRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		h.sendErrors(sc, msg.ID, []GraphQLError{{Message: "invalid subscription payload"}})
		return true
	}

	subCtx, cancel := context.WithCancel(withConnectionContext(ctx, sc.connectionContext()))

	sc.mu.Lock()
	if _, exists := sc.subs[msg.ID]; exists {
		sc.mu.Unlock()
		cancel()
		_ = sc.conn.Close(closeSubscriberExists, truncateReason(fmt.Sprintf("Subscriber for %s already exists", msg.ID)))
		return false
	}
	sc.subs[msg.ID] = cancel
	sc.mu.Unlock()

	events, err := h.executor.Subscribe(subCtx, &req)
	if err != nil {
		sc.remove(msg.ID)
		cancel()
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			h.sendErrors(sc, msg.ID, reqErr.Errors)
		} else {
			h.sendErrors(sc, msg.ID, []GraphQLError{{Message: err.Error()}})
		}
		return true
	}

	log.Debug("subscription started", "id", msg.ID)
	go h.streamEvents(subCtx, sc, msg.ID, events, log)
	return true
}

// streamEvents forwards execution results until the source ends or the
// client completes the subscription.
func (h *SubscriptionHandler) streamEvents(ctx context.Context, sc *subscriptionConn, id string, events <-chan *GraphQLResponse, log *slog.Logger) {
	for resp := range events {
		if ctx.Err() != nil {
			break
		}
		h.sendNext(sc, id, resp)
	}

	// The server only reports completion for streams the client did not stop.
	if sc.remove(id) {
		h.sendComplete(sc, id)
	}
	log.Debug("subscription finished", "id", id)
}

// sendMessage sends a WebSocket message.
func (h *SubscriptionHandler) sendMessage(sc *subscriptionConn, msg *wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return sc.conn.Write(ctx, websocket.MessageText, data)
}

// sendNext sends a next/data message.
func (h *SubscriptionHandler) sendNext(sc *subscriptionConn, id string, resp *GraphQLResponse) {
	msgType := msgTypeNext
	if sc.protocol == ProtocolLegacyWS {
		msgType = msgTypeData
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.Warn("failed to encode subscription event", "id", id, "error", err)
		return
	}
	_ = h.sendMessage(sc, &wsMessage{ID: id, Type: msgType, Payload: payload})
}

// sendErrors sends an error message. graphql-transport-ws carries the error
// list as payload; the legacy protocol carries a single error object.
func (h *SubscriptionHandler) sendErrors(sc *subscriptionConn, id string, errs []GraphQLError) {
	var payload []byte
	if sc.protocol == ProtocolLegacyWS && len(errs) > 0 {
		payload, _ = json.Marshal(errs[0])
	} else {
		payload, _ = json.Marshal(errs)
	}
	_ = h.sendMessage(sc, &wsMessage{ID: id, Type: msgTypeError, Payload: payload})
}

// sendComplete sends a complete message.
func (h *SubscriptionHandler) sendComplete(sc *subscriptionConn, id string) {
	_ = h.sendMessage(sc, &wsMessage{ID: id, Type: msgTypeComplete})
}

func (h *SubscriptionHandler) closeInvalid(sc *subscriptionConn, reason string) {
	_ = sc.conn.Close(closeInvalidMessage, truncateReason(reason))
}

// ConnectionCount returns the number of active connections.
func (h *SubscriptionHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriptionCount returns the total number of active subscriptions across all connections.
func (h *SubscriptionHandler) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, sc := range h.conns {
		sc.mu.Lock()
		count += len(sc.subs)
		sc.mu.Unlock()
	}
	return count
}

// CloseAll closes all active connections.
func (h *SubscriptionHandler) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]*subscriptionConn, 0, len(h.conns))
	for _, sc := range h.conns {
		conns = append(conns, sc)
	}
	h.mu.RUnlock()

	for _, sc := range conns {
		sc.cancelAll()
		_ = sc.conn.Close(websocket.StatusGoingAway, truncateReason(reason))
	}
}

func (sc *subscriptionConn) isInitialized() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.initialized
}

func (sc *subscriptionConn) connectionContext() any {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.connCtx
}

// remove forgets a subscription and reports whether it was still registered.
func (sc *subscriptionConn) remove(id string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.subs[id]
	delete(sc.subs, id)
	return ok
}

func (sc *subscriptionConn) cancel(id string) {
	sc.mu.Lock()
	cancel, ok := sc.subs[id]
	delete(sc.subs, id)
	sc.mu.Unlock()
	if ok {
		cancel()
	}
}

func (sc *subscriptionConn) cancelAll() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = make(map[string]context.CancelFunc)
	sc.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
