package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdempotency(t *testing.T) (*Idempotency, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewIdempotency(client, time.Minute), mr
}

func TestReserveCompleteReplay(t *testing.T) {
	s, _ := newTestIdempotency(t)
	ctx := context.Background()

	ok, _, err := s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, val, err := s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Pending, val)

	require.NoError(t, s.Complete(ctx, "u1", "k1", "t-1"))

	ok, val, err = s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "t-1", val)
}

func TestKeysAreScopedPerUser(t *testing.T) {
	s, _ := newTestIdempotency(t)
	ctx := context.Background()

	ok, _, err := s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = s.Reserve(ctx, "u2", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease(t *testing.T) {
	s, _ := newTestIdempotency(t)
	ctx := context.Background()

	ok, _, err := s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release(ctx, "u1", "k1"))

	ok, _, err = s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReservationExpires(t *testing.T) {
	s, mr := newTestIdempotency(t)
	ctx := context.Background()

	ok, _, err := s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, _, err = s.Reserve(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewClientUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewClient(addr, "", 0)
	assert.Error(t, err)
}
