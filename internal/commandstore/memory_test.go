package commandstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDuplicateIdempotencyKeyReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Enqueue(ctx, "p1", "instance-a", "mouse_click", json.RawMessage(`{}`), "key-1", "")
	require.NoError(t, err)

	second, err := s.Enqueue(ctx, "p1", "instance-a", "mouse_click", json.RawMessage(`{"x":1}`), "key-1", "")
	require.NoError(t, err)

	require.Equal(t, first.CommandID, second.CommandID)

	pending, err := s.FetchPending(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestFetchPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStoreWithClock(clock)

	_, err := s.Enqueue(ctx, "p1", "a", "mouse_click", nil, "k1", "")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Enqueue(ctx, "p1", "a", "key_press", nil, "k2", "")
	require.NoError(t, err)

	pending, err := s.FetchPending(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "mouse_click", pending[0].Kind)
	require.Equal(t, "key_press", pending[1].Kind)
}

func TestMarkDoneIsTerminalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.Enqueue(ctx, "p1", "a", "mouse_click", nil, "k1", "")
	require.NoError(t, err)

	require.NoError(t, s.MarkDone(ctx, rec.CommandID, StatusCompleted, ""))
	require.NoError(t, s.MarkDone(ctx, rec.CommandID, StatusFailed, "should not apply"))

	got, ok, err := s.Get(ctx, rec.CommandID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, got.Status)
	require.Empty(t, got.ErrorMessage)
}

func TestExpireTransitionsOldPendingToFailed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStoreWithClock(clock)

	_, err := s.Enqueue(ctx, "p1", "a", "mouse_click", nil, "k1", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = s.Enqueue(ctx, "p1", "a", "key_press", nil, "k2", "")
	require.NoError(t, err)

	expired, err := s.Expire(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "mouse_click", expired[0].Kind)

	pending, err := s.FetchPending(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "key_press", pending[0].Kind)
}

func TestExpireRestrictsToGivenKinds(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStoreWithClock(clock)

	_, err := s.Enqueue(ctx, "p1", "a", "mouse_click", nil, "k1", "")
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "p1", "a", "start_capture", nil, "k2", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	expired, err := s.Expire(ctx, time.Minute, "mouse_click")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "mouse_click", expired[0].Kind)

	pending, err := s.FetchPending(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "start_capture", pending[0].Kind, "start_capture must be untouched by a mouse_click-only Expire call")
}
