package gqltest

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	// ErrInvalidDocument reports a document that is missing, empty or not
	// a GraphQL operation document at all.
	ErrInvalidDocument = errors.New("invalid AST node")

	// ErrMalformedServer reports a server handle that cannot serve
	// requests or be bound to a port.
	ErrMalformedServer = errors.New("malformed server handle")

	// ErrHandshakeTimeout reports that connection_ack did not arrive in time.
	ErrHandshakeTimeout = errors.New("connection_ack timeout")

	// ErrConnectionRejected reports that the server refused the WebSocket
	// upgrade or the connection_init payload.
	ErrConnectionRejected = errors.New("connection rejected")

	// ErrConnectionClosed reports use of a connection that is already closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMissingOnData reports a SubscriptionRequest without an OnData callback.
	ErrMissingOnData = errors.New("gqltest: SubscriptionRequest.OnData is required")
)

// QueryParseError is returned when a document cannot be turned into a
// GraphQL operation. No network activity happens before it is returned.
type QueryParseError struct {
	// Reason describes what was wrong with the document.
	Reason string
	// Err is the underlying parser error, if any.
	Err error
}

func (e *QueryParseError) Error() string {
	msg := ErrInvalidDocument.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrInvalidDocument and the parser error.
func (e *QueryParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidDocument}
	}
	return []error{ErrInvalidDocument, e.Err}
}

// ConnectionError is returned when a subscription connection cannot be
// established: malformed server handle, refused upgrade, rejected or timed
// out connection_init.
type ConnectionError struct {
	// Addr is the host:port the client tried to reach, if known.
	Addr string
	// StatusCode is the HTTP status of a refused upgrade.
	StatusCode int
	// CloseCode is the WebSocket close code sent by the server.
	CloseCode int
	// Reason is the rejection reason given by the server.
	Reason string
	// Err is the cause.
	Err error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	b.WriteString("gqltest: connect")
	if e.Addr != "" {
		b.WriteString(" " + e.Addr)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.CloseCode != 0 {
		fmt.Fprintf(&b, " (close %d)", e.CloseCode)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// GraphQLError is one entry of a GraphQL errors array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Location is a position in a GraphQL document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLOperationError is returned when the server answers with a
// non-empty errors array.
type GraphQLOperationError struct {
	// OperationID is the subscription operation id, empty for injected requests.
	OperationID string
	// Errors holds every error the server returned.
	Errors []GraphQLError
}

func (e *GraphQLOperationError) Error() string {
	return e.Message()
}

// Message returns the first error message.
func (e *GraphQLOperationError) Message() string {
	if len(e.Errors) == 0 {
		return "graphql operation failed"
	}
	return e.Errors[0].Message
}

// TransportError reports a failure below the GraphQL layer: an unusable
// server handle, an undecodable response or a socket that went away.
type TransportError struct {
	// Op is the operation that failed ("inject", "read", "write").
	Op string
	// StatusCode is the HTTP status of an injected request, if any.
	StatusCode int
	// Err is the cause.
	Err error
}

func (e *TransportError) Error() string {
	msg := "gqltest: " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }
