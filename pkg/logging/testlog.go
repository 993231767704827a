package logging

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
)

// tbWriter forwards each log line to testing.TB.Log.
// Lines written after the test has finished are dropped, since testing
// panics when Log is called on a completed test.
type tbWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *tbWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return len(p), nil
	}
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func (w *tbWriter) stop() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// NewTestHandler returns a text handler that writes through t.Log.
// The handler goes quiet once t and all its cleanups have completed.
func NewTestHandler(t testing.TB, level Level) slog.Handler {
	w := &tbWriter{t: t}
	t.Cleanup(w.stop)
	return NewHandler(Config{Level: level, Format: FormatText, Output: w})
}

// NewTest returns a logger that writes through t.Log.
func NewTest(t testing.TB, level Level) *slog.Logger {
	return slog.New(NewTestHandler(t, level))
}
