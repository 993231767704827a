package graphql

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/getmockd/gqltest/pkg/pubsub"
)

func TestNewServer_Errors(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		resolvers Resolvers
		wantErr   string
	}{
		{
			name:    "no schema",
			cfg:     Config{},
			wantErr: "schema or schemaFile is required",
		},
		{
			name:    "invalid schema",
			cfg:     Config{Schema: `type Query {`},
			wantErr: "failed to parse GraphQL schema",
		},
		{
			name:    "no query type fields",
			cfg:     Config{Schema: `type Mutation { a: Int }`},
			wantErr: "schema",
		},
		{
			name:      "resolver for unknown field",
			cfg:       Config{Schema: `type Query { a: Int }`},
			resolvers: Resolvers{Fields: map[string]ResolverFunc{"Query.b": nil}},
			wantErr:   `resolver "Query.b"`,
		},
		{
			name:    "missing schema file",
			cfg:     Config{SchemaFile: "does-not-exist.graphql"},
			wantErr: "failed to read schema file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.cfg, tt.resolvers)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestServer_Defaults(t *testing.T) {
	srv := newTestServer(t, Config{})

	if srv.Path() != DefaultPath {
		t.Errorf("Path() = %q, want %q", srv.Path(), DefaultPath)
	}
	if srv.PubSub() == nil {
		t.Error("PubSub() should create a broker")
	}
	if srv.Schema() == nil || !srv.Schema().HasSubscription() {
		t.Error("Schema() should expose the subscription type")
	}
	if srv.Subscriptions() == nil {
		t.Error("Subscriptions() should be enabled by default")
	}
}

func TestServer_WithPubSub(t *testing.T) {
	broker := pubsub.New()
	defer func() { _ = broker.Close() }()

	srv := newTestServer(t, Config{}, WithPubSub(broker))
	if srv.PubSub() != broker {
		t.Error("PubSub() should return the configured broker")
	}

	// Shutdown must not close a broker the server does not own.
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := broker.Subscribe(context.Background(), "x"); err != nil {
		t.Errorf("broker closed by server: %v", err)
	}
}

func TestServer_ListenIdempotent(t *testing.T) {
	srv := newTestServer(t, Config{})

	if srv.Addr() != nil {
		t.Fatalf("Addr() = %v before Listen, want nil", srv.Addr())
	}

	addr1, err := srv.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr2, err := srv.Listen(context.Background())
	if err != nil {
		t.Fatalf("second Listen() error = %v", err)
	}
	if addr1.String() != addr2.String() {
		t.Errorf("Listen() returned %s then %s", addr1, addr2)
	}
	if !strings.HasPrefix(addr1.String(), "127.0.0.1:") {
		t.Errorf("Listen() bound %s, want loopback", addr1)
	}
	if srv.Addr() == nil || srv.Addr().String() != addr1.String() {
		t.Errorf("Addr() = %v, want %s", srv.Addr(), addr1)
	}

	resp, err := http.Post("http://"+addr1.String()+"/graphql", "application/json", strings.NewReader(`{"query":"{ nullable }"}`))
	if err != nil {
		t.Fatalf("http.Post() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if srv.Addr() != nil {
		t.Errorf("Addr() = %v after Close, want nil", srv.Addr())
	}

	// Close is not terminal: the server can listen again.
	if _, err := srv.Listen(context.Background()); err != nil {
		t.Fatalf("Listen() after Close error = %v", err)
	}
}

func TestServer_ListenAfterShutdown(t *testing.T) {
	srv := newTestServer(t, Config{})

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := srv.Listen(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Listen() error = %v, want ErrServerClosed", err)
	}
}
