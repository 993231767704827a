package gqltest

import (
	"encoding/json"
	"strings"
)

// Frame types shared by both subprotocols.
const (
	typeConnectionInit = "connection_init"
	typeConnectionAck  = "connection_ack"
	typeError          = "error"
	typeComplete       = "complete"
)

// graphql-transport-ws frame types.
const (
	typePing      = "ping"
	typePong      = "pong"
	typeSubscribe = "subscribe"
	typeNext      = "next"
)

// graphql-ws (legacy) frame types.
const (
	typeConnectionError     = "connection_error"
	typeConnectionKeepAlive = "ka"
	typeConnectionTerminate = "connection_terminate"
	typeStart               = "start"
	typeData                = "data"
	typeStop                = "stop"
)

// message is one JSON text frame.
type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// operationPayload is the payload of subscribe/start frames and the body
// of injected requests.
type operationPayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// result is the payload of next/data frames and the injected response body.
type result struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// hasData reports whether the result carries a non-null data member.
func (r *result) hasData() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}

// frameKind classifies inbound frames independent of the subprotocol.
type frameKind int

const (
	frameUnknown frameKind = iota
	frameAck
	frameData
	frameError
	frameComplete
	framePing
	framePong
	frameKeepAlive
	frameConnectionError
)

// wireProtocol names the frames of one subprotocol.
type wireProtocol struct {
	name      Protocol
	subscribe string
	stop      string
	// terminate is sent before an orderly close, if the protocol has it.
	terminate string
}

var (
	transportWS = wireProtocol{name: ProtocolTransportWS, subscribe: typeSubscribe, stop: typeComplete}
	legacyWS    = wireProtocol{name: ProtocolLegacyWS, subscribe: typeStart, stop: typeStop, terminate: typeConnectionTerminate}
)

func protocolFor(p Protocol) wireProtocol {
	if p == ProtocolLegacyWS {
		return legacyWS
	}
	return transportWS
}

func (p wireProtocol) classify(frameType string) frameKind {
	switch frameType {
	case typeConnectionAck:
		return frameAck
	case typeNext, typeData:
		return frameData
	case typeError:
		return frameError
	case typeComplete:
		return frameComplete
	case typePing:
		return framePing
	case typePong:
		return framePong
	case typeConnectionKeepAlive:
		return frameKeepAlive
	case typeConnectionError:
		return frameConnectionError
	}
	return frameUnknown
}

// decodeErrors reads an error payload. graphql-transport-ws sends a list of
// GraphQL errors; the legacy protocol sends a single error object.
func decodeErrors(payload json.RawMessage) []GraphQLError {
	trimmed := strings.TrimSpace(string(payload))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var errs []GraphQLError
		if err := json.Unmarshal(payload, &errs); err == nil && len(errs) > 0 {
			return errs
		}
	case strings.HasPrefix(trimmed, "{"):
		var single GraphQLError
		if err := json.Unmarshal(payload, &single); err == nil && single.Message != "" {
			return []GraphQLError{single}
		}
	case strings.HasPrefix(trimmed, `"`):
		var msg string
		if err := json.Unmarshal(payload, &msg); err == nil && msg != "" {
			return []GraphQLError{{Message: msg}}
		}
	}
	return []GraphQLError{{Message: "subscription error"}}
}
