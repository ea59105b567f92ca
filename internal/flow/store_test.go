package flow

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownFlow)

	rec := &Record{FlowID: "f1", Handler: "onlycat", StepID: "user", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "onlycat", got.Handler)
	assert.Equal(t, "user", got.StepID)

	got.UniqueID = "changed"
	again, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, again.UniqueID)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, "f1"))
	require.NoError(t, s.Delete(ctx, "f1"))
	_, err = s.Get(ctx, "f1")
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(time.Minute))
}

func TestMemoryStoreExpiresIdleFlows(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(context.Background(), &Record{FlowID: "old"}))
	now = now.Add(2 * time.Minute)

	_, err := s.Get(context.Background(), "old")
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("FLOWSTORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLOWSTORE_REDIS_ADDR not set")
	}
	client, err := DialRedis(context.Background(), addr, os.Getenv("FLOWSTORE_REDIS_PASSWORD"))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	s := NewRedisStore(client, time.Minute)
	s.prefix = "onlycat-bridge-test:" + t.Name() + ":"
	exerciseStore(t, s)
}
