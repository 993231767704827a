package gqltest

import (
	"log/slog"
	"time"

	"github.com/getmockd/gqltest/pkg/logging"
)

// Protocol is a GraphQL over WebSocket subprotocol.
type Protocol string

// Supported subprotocols.
const (
	// ProtocolTransportWS is graphql-transport-ws.
	ProtocolTransportWS Protocol = "graphql-transport-ws"
	// ProtocolLegacyWS is the older subscriptions-transport-ws protocol,
	// negotiated as "graphql-ws".
	ProtocolLegacyWS Protocol = "graphql-ws"
)

// Defaults.
const (
	DefaultPath             = "/graphql"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
)

type options struct {
	path             string
	protocol         Protocol
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	subscribeGrace   time.Duration
	log              *slog.Logger
}

func defaultOptions() options {
	return options{
		path:             DefaultPath,
		protocol:         ProtocolTransportWS,
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		log:              logging.Nop(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithPath sets the GraphQL endpoint path used for injection and WebSocket
// connections. Defaults to /graphql.
func WithPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.path = path
		}
	}
}

// WithProtocol selects the subscription subprotocol.
func WithProtocol(p Protocol) Option {
	return func(o *options) {
		if p != "" {
			o.protocol = p
		}
	}
}

// WithHandshakeTimeout bounds the WebSocket upgrade plus the wait for
// connection_ack.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds each frame written to a subscription connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithSubscribeGrace keeps Subscribe waiting for d after the subscribe
// frame is written, so an error the server sends right away fails the
// Subscribe call instead of going to the error side channel.
func WithSubscribeGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.subscribeGrace = d
		}
	}
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = logging.OrNop(log)
	}
}
