package graphql

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getmockd/gqltest/pkg/logging"
)

// MaxRequestBodySize is the maximum allowed request body size (1MB).
const MaxRequestBodySize = 1 << 20 // 1MB

// Handler handles GraphQL HTTP requests and hands WebSocket upgrades to the
// subscription handler.
type Handler struct {
	executor      *Executor
	subscriptions *SubscriptionHandler
	path          string
	log           *slog.Logger
}

// NewHandler creates a new GraphQL HTTP handler. subscriptions may be nil.
func NewHandler(executor *Executor, subscriptions *SubscriptionHandler, path string, logger *slog.Logger) *Handler {
	if path == "" {
		path = DefaultPath
	}
	return &Handler{
		executor:      executor,
		subscriptions: subscriptions,
		path:          path,
		log:           logging.OrNop(logger),
	}
}

// Pattern returns the URL path this handler serves.
func (h *Handler) Pattern() string {
	return h.path
}

// ServeHTTP handles GET and POST requests, and WebSocket upgrades.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		if h.subscriptions == nil {
			h.writeError(w, http.StatusBadRequest, "subscriptions are disabled")
			return
		}
		h.subscriptions.ServeHTTP(w, r)
		return
	}

	startTime := time.Now()

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req *GraphQLRequest
	var err error
	if r.Method == http.MethodGet {
		req, err = h.parseGetRequest(r)
	} else {
		req, err = h.parsePostRequest(r)
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := h.executor.Execute(r.Context(), req)
	h.writeResponse(w, resp)

	h.log.Debug("graphql request",
		"method", r.Method,
		"operationName", req.OperationName,
		"errors", len(resp.Errors),
		"duration", time.Since(startTime),
	)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// parseGetRequest parses a GraphQL request from GET query parameters.
func (h *Handler) parseGetRequest(r *http.Request) (*GraphQLRequest, error) {
	query := r.URL.Query()

	req := &GraphQLRequest{
		Query:         query.Get("query"),
		OperationName: query.Get("operationName"),
	}

	if varsStr := query.Get("variables"); varsStr != "" {
		var variables map[string]any
		if err := json.Unmarshal([]byte(varsStr), &variables); err != nil {
			return nil, &parseError{message: "invalid variables JSON"}
		}
		req.Variables = variables
	}

	return req, nil
}

// parsePostRequest parses a GraphQL request from the POST body.
// It accepts application/json and application/graphql bodies.
func (h *Handler) parsePostRequest(r *http.Request) (*GraphQLRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize))
	if err != nil {
		return nil, &parseError{message: "failed to read request body"}
	}
	defer func() { _ = r.Body.Close() }()

	if len(body) == 0 {
		return nil, &parseError{message: "empty request body"}
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/graphql") {
		return &GraphQLRequest{Query: string(body)}, nil
	}

	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &parseError{message: "invalid JSON request body"}
	}
	return &req, nil
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(&GraphQLResponse{
		Errors: []GraphQLError{{Message: message}},
	})
}

// writeResponse writes a GraphQL response with status 200.
func (h *Handler) writeResponse(w http.ResponseWriter, resp *GraphQLResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("failed to encode graphql response", "error", err)
	}
}

// parseError represents a request parsing error.
type parseError struct {
	message string
}

func (e *parseError) Error() string {
	return e.message
}
