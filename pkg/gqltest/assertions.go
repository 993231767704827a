package gqltest

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// AssertJSON asserts that data is JSON equal to expected. The expected
// value can be a string, []byte, json.RawMessage, or any value that is
// JSON encoded before comparison.
func AssertJSON(t testing.TB, data []byte, expected any) {
	t.Helper()

	expectedJSON, err := normalizeJSON(expected)
	if err != nil {
		t.Errorf("failed to parse expected JSON: %v", err)
		return
	}

	var actualJSON any
	if err := json.Unmarshal(data, &actualJSON); err != nil {
		t.Errorf("data is not valid JSON: %v\ndata: %s", err, data)
		return
	}

	if !reflect.DeepEqual(actualJSON, expectedJSON) {
		expectedBytes, _ := json.MarshalIndent(expectedJSON, "", "  ")
		actualBytes, _ := json.MarshalIndent(actualJSON, "", "  ")
		t.Errorf("data does not match expected JSON\nexpected:\n%s\nactual:\n%s",
			string(expectedBytes), string(actualBytes))
	}
}

// AssertPath asserts that the first value at a JSONPath expression in data
// equals expected once both are JSON encoded, so AssertPath(t, data,
// "$.user.name", "Alice") compares strings and numbers compare by value.
func AssertPath(t testing.TB, data []byte, path string, expected any) {
	t.Helper()

	actual, err := Lookup(data, path)
	if err != nil {
		t.Errorf("%v\ndata: %s", err, data)
		return
	}

	actualJSON, err := roundTrip(actual)
	if err != nil {
		t.Errorf("failed to encode value at %s: %v", path, err)
		return
	}
	expectedJSON, err := roundTrip(expected)
	if err != nil {
		t.Errorf("failed to encode expected value: %v", err)
		return
	}

	if !reflect.DeepEqual(actualJSON, expectedJSON) {
		t.Errorf("value at %s mismatch\nexpected: %v\nactual: %v", path, expectedJSON, actualJSON)
	}
}

// AssertGraphQLError asserts that err is a *GraphQLOperationError whose
// first message contains substr.
func AssertGraphQLError(t testing.TB, err error, substr string) {
	t.Helper()

	var gqlErr *GraphQLOperationError
	if !errors.As(err, &gqlErr) {
		t.Errorf("expected *GraphQLOperationError, got %T: %v", err, err)
		return
	}
	if !strings.Contains(gqlErr.Message(), substr) {
		t.Errorf("GraphQL error does not contain %q\nmessage: %q", substr, gqlErr.Message())
	}
}

// normalizeJSON decodes expected values into the generic form produced by
// encoding/json so they compare with reflect.DeepEqual.
func normalizeJSON(v any) (any, error) {
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	case json.RawMessage:
		raw = val
	default:
		return roundTrip(val)
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
