package gqltest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_WaitError(t *testing.T) {
	rec := NewRecorder()
	boom := errors.New("boom")

	go func() {
		time.Sleep(20 * time.Millisecond)
		rec.OnError(boom)
		rec.OnError(errors.New("second"))
	}()

	assert.ErrorIs(t, rec.WaitError(testContext(t)), boom)
	assert.Len(t, rec.Errors(), 2)
}

func TestRecorder_WaitErrorContextEnded(t *testing.T) {
	rec := NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, rec.WaitError(ctx), context.DeadlineExceeded)
}

func TestRecorder_Next(t *testing.T) {
	rec := NewRecorder()
	ctx := testContext(t)

	rec.OnData(json.RawMessage(`{"n":1}`))
	go rec.OnData(json.RawMessage(`{"n":2}`))

	first, err := rec.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(first))

	second, err := rec.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(second))

	all, err := rec.WaitData(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
