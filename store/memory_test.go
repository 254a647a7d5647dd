package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryResolveUnblocksWaiter(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.PublishPending(ctx, sampleRequest("1-a")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Resolve("1-a", Verdict{Action: ActionBlock})
	}()

	v, err := s.AwaitVerdict(ctx, "1-a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, v.Action)
	assert.Equal(t, StateBlocked, s.State("1-a"))
	assert.Empty(t, s.PendingIDs())
}

func TestMemoryCancel(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.PublishPending(ctx, sampleRequest("1-a")))
	require.NoError(t, s.Cancel(ctx, "1-a"))

	_, err := s.AwaitVerdict(ctx, "1-a", time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, s.State("1-a"))
}

func TestMemoryZeroTimeout(t *testing.T) {
	s := NewMemory()
	_, err := s.AwaitVerdict(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestMemoryFailingMode(t *testing.T) {
	s := NewMemory()
	s.SetFailing(true)
	_, err := s.Blocklists(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	err = s.PublishPending(context.Background(), sampleRequest("1-a"))
	assert.ErrorIs(t, err, ErrUnavailable)
}
