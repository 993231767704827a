package graphql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/getmockd/gqltest/pkg/logging"
	"github.com/getmockd/gqltest/pkg/pubsub"
)

// Server errors.
var (
	ErrNoSchema     = errors.New("graphql: schema or schemaFile is required")
	ErrServerClosed = errors.New("graphql: server closed")
)

// shutdownGrace bounds the graceful HTTP shutdown in Close.
const shutdownGrace = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithPubSub sets the broker passed to resolvers. A private broker is
// created when none is given.
func WithPubSub(broker *pubsub.Broker) Option {
	return func(s *Server) {
		s.pubsub = broker
	}
}

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = logging.OrNop(log)
	}
}

// WithVerifyClient installs a hook that can refuse WebSocket upgrades.
func WithVerifyClient(fn VerifyClientFunc) Option {
	return func(s *Server) {
		s.verify = fn
	}
}

// WithOnConnect installs a hook that receives connection_init payloads.
func WithOnConnect(fn OnConnectFunc) Option {
	return func(s *Server) {
		s.onConnect = fn
	}
}

// Server is a GraphQL endpoint that can be injected into directly as an
// http.Handler or bound to a loopback port with Listen.
type Server struct {
	config        Config
	schema        *Schema
	executor      *Executor
	handler       *Handler
	subscriptions *SubscriptionHandler
	mux           *http.ServeMux
	pubsub        *pubsub.Broker
	ownsPubSub    bool
	verify        VerifyClientFunc
	onConnect     OnConnectFunc
	log           *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool
}

// NewServer builds a server from the configured schema and resolvers.
func NewServer(cfg Config, resolvers Resolvers, opts ...Option) (*Server, error) {
	var (
		schema *Schema
		err    error
	)
	switch {
	case cfg.Schema != "":
		schema, err = ParseSchema(cfg.Schema)
	case cfg.SchemaFile != "":
		schema, err = ParseSchemaFile(cfg.SchemaFile)
	default:
		return nil, ErrNoSchema
	}
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if err := resolvers.validate(schema); err != nil {
		return nil, err
	}

	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	s := &Server{
		config: cfg,
		schema: schema,
		log:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pubsub == nil {
		s.pubsub = pubsub.New(pubsub.WithLogger(s.log))
		s.ownsPubSub = true
	}

	s.executor = NewExecutor(schema, resolvers, s.pubsub, s.log)
	if !cfg.Subscription.Disabled {
		s.subscriptions = NewSubscriptionHandler(s.executor, cfg.Subscription, s.verify, s.onConnect, s.log)
	}
	s.handler = NewHandler(s.executor, s.subscriptions, cfg.Path, s.log)

	s.mux = http.NewServeMux()
	s.mux.Handle(s.handler.Pattern(), s.handler)

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Path returns the endpoint path.
func (s *Server) Path() string {
	return s.config.Path
}

// Schema returns the parsed schema.
func (s *Server) Schema() *Schema {
	return s.schema
}

// PubSub returns the broker passed to resolvers.
func (s *Server) PubSub() *pubsub.Broker {
	return s.pubsub
}

// Subscriptions returns the WebSocket handler, or nil when disabled.
func (s *Server) Subscriptions() *SubscriptionHandler {
	return s.subscriptions
}

// Listen binds the server to an ephemeral port on 127.0.0.1 and serves in
// the background. When already listening it returns the bound address.
func (s *Server) Listen(ctx context.Context) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	if s.listener != nil {
		return s.listener.Addr(), nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.listener = listener

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("graphql server error", "error", err)
		}
	}()

	s.log.Debug("graphql server listening", "addr", listener.Addr().String(), "path", s.config.Path)
	return listener.Addr(), nil
}

// Addr returns the bound address, or nil when the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops listening and closes every WebSocket connection. The server
// can Listen again afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if s.subscriptions != nil {
		s.subscriptions.CloseAll("server shutting down")
	}
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

// Shutdown closes the server for good, including a broker it created.
func (s *Server) Shutdown() error {
	err := s.Close()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.ownsPubSub {
		err = errors.Join(err, s.pubsub.Close())
	}
	return err
}
