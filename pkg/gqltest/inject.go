package gqltest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
)

// Request is an operation injected through the server's http.Handler.
type Request struct {
	Query         Document
	Variables     map[string]any
	OperationName string
	// Headers are set on the injected request.
	Headers map[string]string
}

// Query runs doc through the server's handler without opening a socket and
// returns the data member of the response. A response carrying errors
// fails with *GraphQLOperationError; partial data is not returned.
func (c *Client) Query(ctx context.Context, doc Document, variables map[string]any) (json.RawMessage, error) {
	return c.Do(ctx, Request{Query: doc, Variables: variables})
}

// Mutate is Query under a name that reads better for mutations. Both
// accept any operation type.
func (c *Client) Mutate(ctx context.Context, doc Document, variables map[string]any) (json.RawMessage, error) {
	return c.Do(ctx, Request{Query: doc, Variables: variables})
}

// QueryInto runs doc and decodes the data member into out.
func (c *Client) QueryInto(ctx context.Context, doc Document, variables map[string]any, out any) error {
	data, err := c.Query(ctx, doc, variables)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: "decode", Err: err}
	}
	return nil
}

// Do injects req and returns the data member of the response.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if isNilHandle(c.server) {
		return nil, &TransportError{Op: "inject", Err: ErrMalformedServer}
	}
	query, err := resolveDocument(req.Query)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(operationPayload{
		Query:         query,
		Variables:     req.Variables,
		OperationName: req.OperationName,
	})
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	httpReq := httptest.NewRequestWithContext(ctx, http.MethodPost, c.opts.path, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	if err := c.serve(rec, httpReq); err != nil {
		return nil, err
	}
	resp := rec.Result()
	defer resp.Body.Close()

	var r result
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, &TransportError{
			Op:         "inject",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	if len(r.Errors) > 0 {
		return nil, &GraphQLOperationError{Errors: r.Errors}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			Op:         "inject",
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	if len(r.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return r.Data, nil
}

// serve runs the handler, turning a panic into a TransportError.
func (c *Client) serve(w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &TransportError{Op: "inject", Err: fmt.Errorf("%w: handler panicked: %v", ErrMalformedServer, p)}
		}
	}()
	c.server.ServeHTTP(w, r)
	return nil
}
