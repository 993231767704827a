package gqltest

import (
	"context"
	"encoding/json"
	"sync"
)

// Recorder collects subscription events for assertions. Its OnData and
// OnError methods plug into a SubscriptionRequest.
//
//	rec := gqltest.NewRecorder()
//	sub, err := client.Subscribe(ctx, gqltest.SubscriptionRequest{
//	    Query:   gqltest.Text(`subscription { userAdded { name } }`),
//	    OnData:  rec.OnData,
//	    OnError: rec.OnError,
//	})
//	data, err := rec.Next(ctx)
type Recorder struct {
	mu     sync.Mutex
	data   []json.RawMessage
	errs   []error
	cursor int
	notify chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// OnData records one payload.
func (r *Recorder) OnData(data json.RawMessage) {
	r.mu.Lock()
	r.data = append(r.data, append(json.RawMessage(nil), data...))
	r.signal()
	r.mu.Unlock()
}

// OnError records one error.
func (r *Recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.signal()
	r.mu.Unlock()
}

// signal wakes waiters. Caller holds r.mu.
func (r *Recorder) signal() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// Data returns a copy of the payloads received so far.
func (r *Recorder) Data() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]json.RawMessage(nil), r.data...)
}

// Errors returns a copy of the errors received so far.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Next waits for the next payload not yet returned by Next.
func (r *Recorder) Next(ctx context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	want := r.cursor + 1
	r.mu.Unlock()

	if err := r.waitData(ctx, want); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	data := r.data[r.cursor]
	r.cursor++
	return data, nil
}

// WaitData waits until at least n payloads were received and returns them.
func (r *Recorder) WaitData(ctx context.Context, n int) ([]json.RawMessage, error) {
	if err := r.waitData(ctx, n); err != nil {
		return nil, err
	}
	return r.Data(), nil
}

func (r *Recorder) waitData(ctx context.Context, n int) error {
	for {
		r.mu.Lock()
		if len(r.data) >= n {
			r.mu.Unlock()
			return nil
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitError waits for the first recorded error and returns it. When ctx
// ends first it returns ctx.Err().
func (r *Recorder) WaitError(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.errs) > 0 {
			first := r.errs[0]
			r.mu.Unlock()
			return first
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
