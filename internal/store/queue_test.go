package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-sync-service/internal/store"
)

func entry(entityID string, priority int, enqueuedAt int64) *store.QueueEntry {
	return &store.QueueEntry{
		ID:            uuid.NewString(),
		EntityType:    "order",
		EntityID:      entityID,
		Action:        "create",
		Payload:       json.RawMessage(`{"timestamp":1}`),
		EnqueuedAt:    enqueuedAt,
		Priority:      priority,
		NextAttemptAt: enqueuedAt,
	}
}

func TestQueueOrdering(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	inserted := []*store.QueueEntry{
		entry("a", 1, 100),
		entry("b", 2, 300),
		entry("c", 1, 100),
		entry("d", 2, 200),
		entry("e", 0, 50),
	}
	for _, e := range inserted {
		require.NoError(t, s.InsertEntry(ctx, e))
	}

	due, err := s.ListDue(ctx, 3, 1_000)
	require.NoError(t, err)

	var got []string
	for _, e := range due {
		got = append(got, e.EntityID)
	}
	assert.Equal(t, []string{"d", "b", "a", "c", "e"}, got)
	assert.JSONEq(t, `{"timestamp":1}`, string(due[0].Payload))
}

func TestQueueListDueSkipsBackoffAndExhausted(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	waiting := entry("waiting", 1, 100)
	exhausted := entry("exhausted", 1, 100)
	ready := entry("ready", 1, 100)
	for _, e := range []*store.QueueEntry{waiting, exhausted, ready} {
		require.NoError(t, s.InsertEntry(ctx, e))
	}

	require.NoError(t, s.UpdateEntryFailure(ctx, waiting.ID, 1, "timeout", 5_000))
	require.NoError(t, s.UpdateEntryFailure(ctx, exhausted.ID, 3, "boom", 100))

	due, err := s.ListDue(ctx, 3, 1_000)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ready", due[0].EntityID)

	due, err = s.ListDue(ctx, 3, 5_000)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	pending, failed, err := s.CountEntries(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 1, failed)

	got, err := s.GetEntry(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)

	ids, err := s.DeleteExhausted(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{exhausted.ID}, ids)

	pending, failed, err = s.CountEntries(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, failed)
}

func TestQueueDeleteEntriesForEntity(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEntry(ctx, entry("o1", 1, 1)))
	require.NoError(t, s.InsertEntry(ctx, entry("o1", 1, 2)))
	keep := entry("o2", 1, 3)
	require.NoError(t, s.InsertEntry(ctx, keep))

	ids, err := s.DeleteEntriesForEntity(ctx, "order", "o1")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	all, err := s.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keep.ID, all[0].ID)
}

func TestQueueDeleteEntry(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	e := entry("o1", 1, 1)
	require.NoError(t, s.InsertEntry(ctx, e))
	assert.NotZero(t, e.Seq)

	require.NoError(t, s.DeleteEntry(ctx, e.ID))
	assert.ErrorIs(t, s.DeleteEntry(ctx, e.ID), store.ErrNotFound)

	_, err := s.GetEntry(ctx, e.ID)
	assert.True(t, store.IsNotFound(err))
}
