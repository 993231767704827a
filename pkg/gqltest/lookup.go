package gqltest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// ErrPathNotFound is returned by Lookup when the path matches nothing.
var ErrPathNotFound = errors.New("gqltest: path not found")

var (
	pathMu    sync.RWMutex
	pathCache = make(map[string]jp.Expr)
)

// Lookup returns the first value matching a JSONPath expression in a
// result, for example Lookup(data, "$.users[0].name"). Integers decode as
// int64 and other numbers as float64.
func Lookup(data []byte, path string) (any, error) {
	results, err := LookupAll(data, path)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return results[0], nil
}

// LookupAll returns every value matching a JSONPath expression.
func LookupAll(data []byte, path string) ([]any, error) {
	expr, err := compilePath(path)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := oj.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return expr.Get(doc), nil
}

func compilePath(path string) (jp.Expr, error) {
	pathMu.RLock()
	if cached, ok := pathCache[path]; ok {
		pathMu.RUnlock()
		return cached, nil
	}
	pathMu.RUnlock()

	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath %q: %w", path, err)
	}

	pathMu.Lock()
	pathCache[path] = expr
	pathMu.Unlock()
	return expr, nil
}
