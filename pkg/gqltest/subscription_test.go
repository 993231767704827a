package gqltest

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGatedSubscription() *Subscription {
	s := &Subscription{}
	s.active.Store(true)
	return s
}

func TestSubscription_DeliverAfterDeactivate(t *testing.T) {
	s := newGatedSubscription()

	var calls atomic.Int32
	s.deliver(func() { calls.Add(1) })
	s.deactivate()
	s.deliver(func() { calls.Add(1) })

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.inCallback.Load())
}

func TestSubscription_InactiveDeliverNeverMarksCallback(t *testing.T) {
	s := newGatedSubscription()
	s.deactivate()

	var ran, marked atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			s.deliver(func() { ran.Store(true) })
		}
	}()

	for {
		if s.inCallback.Load() {
			marked.Store(true)
		}
		select {
		case <-done:
			assert.False(t, ran.Load(), "callback ran after deactivate")
			assert.False(t, marked.Load(), "a skipped delivery must not look like a running callback")
			return
		default:
		}
	}
}

func TestSubscription_DeactivateFromCallback(t *testing.T) {
	s := newGatedSubscription()

	var calls atomic.Int32
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		s.deliver(func() {
			calls.Add(1)
			s.deactivate()
		})
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("deactivate inside a callback deadlocked")
	}
	s.deliver(func() { calls.Add(1) })
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubscription_DeactivateWhileCallbackRuns(t *testing.T) {
	s := newGatedSubscription()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	go s.deliver(func() {
		calls.Add(1)
		close(entered)
		<-release
	})
	<-entered

	deactivated := make(chan struct{})
	go func() {
		s.deactivate()
		close(deactivated)
	}()

	select {
	case <-deactivated:
	case <-time.After(2 * time.Second):
		t.Fatal("deactivate blocked behind a running callback")
	}
	close(release)

	s.deliver(func() { calls.Add(1) })
	require.Equal(t, int32(1), calls.Load(), "no callback may start after deactivate returned")
}

func TestSubscription_ConcurrentDeactivate(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := newGatedSubscription()

		var afterStop atomic.Int32
		var stopped atomic.Bool
		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 50; j++ {
				// A delivery begun once deactivate returned must be skipped.
				begunAfterStop := stopped.Load()
				s.deliver(func() {
					if begunAfterStop {
						afterStop.Add(1)
					}
				})
			}
		}()

		s.deactivate()
		stopped.Store(true)
		<-done
		require.Zero(t, afterStop.Load(), "iteration %d", i)
	}
}
