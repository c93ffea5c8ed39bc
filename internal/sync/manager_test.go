package sync

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-sync-service/internal/network"
	"order-sync-service/internal/remote"
	"order-sync-service/internal/store"
)

func recordingHandler(seen *[]string, mu *sync.Mutex, fail func(entry *store.QueueEntry) error) EntityHandler {
	return funcHandler(func(_ context.Context, entry *store.QueueEntry) (Outcome, error) {
		mu.Lock()
		*seen = append(*seen, entry.EntityID)
		mu.Unlock()
		if fail != nil {
			if err := fail(entry); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{}, nil
	})
}

func TestDrainOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	h := newHarness(t, nil, WithHandler(EntityOrder, recordingHandler(&seen, &mu, nil)))
	ctx := context.Background()

	type queued struct {
		id         string
		priority   int
		enqueuedAt int64
		seq        int
	}

	rng := rand.New(rand.NewSource(42))
	var expected []queued
	for i := 0; i < 40; i++ {
		if rng.Intn(3) == 0 {
			h.clock.Advance(time.Millisecond)
		}
		q := queued{
			id:         string(rune('A' + i)),
			priority:   rng.Intn(4),
			enqueuedAt: h.clock.Now().UnixMilli(),
			seq:        i,
		}
		_, err := h.m.QueueAction(ctx, EntityOrder, q.id, ActionUpdate, map[string]int{"n": i}, q.priority)
		require.NoError(t, err)
		expected = append(expected, q)
	}

	sort.SliceStable(expected, func(i, j int) bool {
		if expected[i].priority != expected[j].priority {
			return expected[i].priority > expected[j].priority
		}
		return expected[i].enqueuedAt < expected[j].enqueuedAt
	})

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	want := make([]string, 0, len(expected))
	for _, q := range expected {
		want = append(want, q.id)
	}
	assert.Equal(t, want, seen)
	assert.Equal(t, 0, h.m.GetSyncStatus().PendingActions)
}

func TestHigherPriorityCreateGoesFirst(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o1 := h.createOrder(t, "o1")
	o2 := h.createOrder(t, "o2")
	h.queueOrder(t, o1, ActionCreate, 1)
	h.queueOrder(t, o2, ActionCreate, 2)

	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, 2, h.m.GetSyncStatus().PendingActions)

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"create:o2", "create:o1"}, h.remote.Calls())

	for _, id := range []string{o1.ID, o2.ID} {
		o, err := h.store.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.OrderSynced, o.SyncState)
		assert.NotEmpty(t, o.RemoteID)
	}

	status := h.m.GetSyncStatus()
	assert.Equal(t, 0, status.PendingActions)
	assert.Equal(t, h.clock.Now().UnixMilli(), status.LastSync)
	assert.Empty(t, status.Error)

	history, err := h.store.GetSyncHistory(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Succeeded)
	assert.Equal(t, historyCompleted, history[0].Status)

	state, err := h.store.GetSyncState(ctx, string(EntityOrder))
	require.NoError(t, err)
	assert.Equal(t, status.LastSync, state.LastSyncTime)
}

func TestRemoteNewerReplacesLineItems(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.clock.Set(100)
	o1 := h.createOrder(t, "o1")
	require.Equal(t, int64(100), o1.LastModified)

	h.remote.createFn = func(o *remote.Order) (*remote.Order, error) {
		return &remote.Order{
			ID:        "r-1",
			Timestamp: o.Timestamp,
			UpdatedAt: 200,
			LineItems: []remote.LineItem{
				{ID: "x", ProductID: "p-x", Name: "espresso", Price: 3, Quantity: 2},
				{ID: "y", ProductID: "p-y", Name: "croissant", Price: 4, Quantity: 1},
			},
		}, nil
	}

	h.queueOrder(t, o1, ActionCreate, 1)
	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	got, err := h.store.FindByID(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrderSynced, got.SyncState)
	assert.Equal(t, "r-1", got.RemoteID)
	require.Len(t, got.LineItems, 2)
	assert.Equal(t, "espresso", got.LineItems[0].Name)
	assert.Equal(t, 2, got.LineItems[0].Quantity)
	assert.Equal(t, "croissant", got.LineItems[1].Name)
}

func TestRetryCeilingAndClear(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	boom := errors.New("503 service unavailable")
	h := newHarness(t, nil, WithHandler(EntityOrder, recordingHandler(&seen, &mu, func(*store.QueueEntry) error { return boom })))
	ctx := context.Background()

	_, err := h.m.QueueAction(ctx, EntityOrder, "o1", ActionCreate, map[string]string{}, 1)
	require.NoError(t, err)
	h.m.SetOnline(true)

	require.NoError(t, h.m.SyncPendingActions(ctx))
	status := h.m.GetSyncStatus()
	assert.Equal(t, 1, status.PendingActions)
	assert.Equal(t, 0, status.FailedActions)
	assert.Contains(t, status.Error, "503")
	assert.Equal(t, 1, h.m.retries.Pending())

	// not due until the backoff elapses
	require.NoError(t, h.m.SyncPendingActions(ctx))
	assert.Len(t, seen, 1)

	h.clock.Advance(time.Second)
	require.NoError(t, h.m.SyncPendingActions(ctx))
	assert.Len(t, seen, 2)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.m.SyncPendingActions(ctx))
	assert.Len(t, seen, 3)

	status = h.m.GetSyncStatus()
	assert.Equal(t, 0, status.PendingActions)
	assert.Equal(t, 1, status.FailedActions)
	assert.Equal(t, 0, h.m.retries.Pending())

	entries, err := h.m.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].RetryCount)
	assert.Equal(t, boom.Error(), entries[0].LastError)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.m.SyncPendingActions(ctx))
	assert.Len(t, seen, 3)

	cleared, err := h.m.ClearFailedActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, 0, h.m.GetSyncStatus().FailedActions)

	entries, err = h.m.Queue().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFailureDoesNotBlockOtherEntries(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	h := newHarness(t, nil, WithHandler(EntityOrder, recordingHandler(&seen, &mu, func(e *store.QueueEntry) error {
		if e.EntityID == "bad" {
			return errors.New("timeout")
		}
		return nil
	})))
	ctx := context.Background()

	for _, id := range []string{"good-1", "bad", "good-2"} {
		_, err := h.m.QueueAction(ctx, EntityOrder, id, ActionUpdate, nil, 1)
		require.NoError(t, err)
	}

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"good-1", "bad", "good-2"}, seen)

	entries, err := h.m.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].EntityID)
	assert.Equal(t, 1, entries[0].RetryCount)

	history, err := h.store.GetSyncHistory(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Processed)
	assert.Equal(t, 2, history[0].Succeeded)
	assert.Equal(t, 1, history[0].Failed)
	assert.Equal(t, historyWithErrors, history[0].Status)
}

func TestForceSyncOffline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.queueOrder(t, h.createOrder(t, "o1"), ActionCreate, 1)
	before := h.m.GetSyncStatus()

	err := h.m.ForceSync(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, before, h.m.GetSyncStatus())
	assert.Equal(t, 1, h.m.GetSyncStatus().PendingActions)
	assert.Empty(t, h.remote.Calls())

	// the silent variant is a no-op
	require.NoError(t, h.m.SyncPendingActions(ctx))
	assert.Empty(t, h.remote.Calls())
}

func TestSyncWhileDrainingIsNoop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	h := newHarness(t, nil, WithHandler(EntityOrder, funcHandler(func(context.Context, *store.QueueEntry) (Outcome, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return Outcome{}, nil
	})))
	ctx := context.Background()

	_, err := h.m.QueueAction(ctx, EntityOrder, "o1", ActionUpdate, nil, 1)
	require.NoError(t, err)
	h.m.SetOnline(true)

	done := make(chan error, 1)
	go func() { done <- h.m.SyncPendingActions(ctx) }()
	<-entered

	assert.True(t, h.m.GetSyncStatus().IsSyncing)
	require.NoError(t, h.m.SyncPendingActions(ctx))
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.m.GetSyncStatus().IsSyncing)
}

func TestOfflineMidDrainStopsNextEntries(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	var h *harness
	h = newHarness(t, nil, WithHandler(EntityOrder, recordingHandler(&seen, &mu, func(*store.QueueEntry) error {
		h.m.SetOnline(false)
		return nil
	})))
	ctx := context.Background()

	for _, id := range []string{"first", "second"} {
		_, err := h.m.QueueAction(ctx, EntityOrder, id, ActionUpdate, nil, 1)
		require.NoError(t, err)
	}

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"first"}, seen)
	status := h.m.GetSyncStatus()
	assert.False(t, status.IsOnline)
	assert.Equal(t, 1, status.PendingActions)
}

func TestConflictFetchesRemoteAndRemovesEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o1 := h.createOrder(t, "o1")
	h.remote.createFn = func(*remote.Order) (*remote.Order, error) { return nil, remote.ErrConflict }
	h.remote.getFn = func(id string) (*remote.Order, error) {
		return &remote.Order{ID: "r-5", Timestamp: 1, UpdatedAt: 1}, nil
	}

	h.queueOrder(t, o1, ActionCreate, 1)
	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"create:o1", "get:" + o1.ID}, h.remote.Calls())

	got, err := h.store.FindByID(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-5", got.RemoteID)
	assert.Equal(t, store.OrderSynced, got.SyncState)

	status := h.m.GetSyncStatus()
	assert.Equal(t, 0, status.PendingActions)
	assert.Equal(t, 0, status.FailedActions)

	history, err := h.store.GetSyncHistory(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, history[0].Conflicts)

	conflicts, err := h.store.ListConflicts(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, string(TriggerConflict), conflicts[0].Trigger)
}

func TestUpdateAfterCreateUsesRemoteID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o1 := h.createOrder(t, "o1")
	h.queueOrder(t, o1, ActionCreate, 1)

	h.clock.Advance(time.Millisecond)
	updated, err := h.store.UpdateOrder(ctx, o1.ID, []store.OrderLineItem{item("o1", "2.00", 5)})
	require.NoError(t, err)
	h.queueOrder(t, updated, ActionUpdate, 1)

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"create:o1", "update:r-1"}, h.remote.Calls())
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o1 := h.createOrder(t, "o1")
	_, err := h.store.MarkSynced(ctx, o1.ID, "r-9")
	require.NoError(t, err)
	o1, err = h.store.MarkPendingDeletion(ctx, o1.ID)
	require.NoError(t, err)

	h.remote.deleteFn = func(string) error { return remote.ErrNotFound }
	h.queueOrder(t, o1, ActionDelete, 1)
	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"delete:r-9"}, h.remote.Calls())

	got, err := h.store.FindByID(ctx, o1.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, 0, h.m.GetSyncStatus().PendingActions)

	_, err = h.store.FindActive(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListenersAndCallbacks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		snapshots []SyncStatus
		completes int
	)
	unsubscribe := h.m.AddStatusListener(func(s SyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, s)
	})
	h.m.AddStatusListener(func(SyncStatus) { panic("listener bug") })
	unsubscribeCb := h.m.AddSyncCompleteCallback(func() {
		mu.Lock()
		defer mu.Unlock()
		completes++
	})

	h.queueOrder(t, h.createOrder(t, "o1"), ActionCreate, 1)
	h.queueOrder(t, h.createOrder(t, "o2"), ActionCreate, 1)

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	mu.Lock()
	assert.Equal(t, 1, completes)
	last := snapshots[len(snapshots)-1]
	mu.Unlock()
	assert.True(t, last.IsOnline)
	assert.False(t, last.IsSyncing)
	assert.Equal(t, 0, last.PendingActions)

	unsubscribe()
	unsubscribeCb()
	unsubscribe()

	mu.Lock()
	count := len(snapshots)
	mu.Unlock()

	require.NoError(t, h.m.SyncPendingActions(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completes)
	assert.Equal(t, count, len(snapshots))
}

func TestUnknownEntityType(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.QueueAction(context.Background(), EntityType("invoice"), "i1", ActionCreate, nil, 1)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestReconnectDrainsAutomatically(t *testing.T) {
	monitor := network.NewManual()
	h := newHarness(t, monitor)
	ctx := context.Background()

	require.NoError(t, h.m.Start(ctx))
	monitor.Set(false)

	h.queueOrder(t, h.createOrder(t, "o1"), ActionCreate, 1)
	assert.Never(t, func() bool { return len(h.remote.Calls()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	monitor.Set(true)
	require.Eventually(t, func() bool {
		return h.m.GetSyncStatus().PendingActions == 0 && len(h.remote.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// debounced drain after a mutation while online
	h.queueOrder(t, h.createOrder(t, "o2"), ActionCreate, 1)
	require.Eventually(t, func() bool {
		return h.m.GetSyncStatus().PendingActions == 0 && len(h.remote.Calls()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, h.m.Start(ctx))
}

func TestRestartAfterStopFails(t *testing.T) {
	h := newHarness(t, network.NewManual())
	ctx := context.Background()

	require.NoError(t, h.m.Start(ctx))
	h.m.Stop()
	assert.ErrorContains(t, h.m.Start(ctx), "cannot be restarted")
}

// purgeDuringCreate soft-deletes the order and drops its intents while the
// remote create is in flight.
func purgeDuringCreate(t *testing.T, h *harness, o *store.Order) {
	h.remote.createFn = func(in *remote.Order) (*remote.Order, error) {
		ctx := context.Background()
		_, err := h.m.DiscardActions(ctx, EntityOrder, o.ID)
		require.NoError(t, err)
		require.NoError(t, h.store.SoftDelete(ctx, o.ID))
		out := *in
		out.ID = "r-1"
		return &out, nil
	}
}

func TestPurgeDuringCreateDeletesRemoteCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o := h.createOrder(t, "o1")
	h.queueOrder(t, o, ActionCreate, 1)
	purgeDuringCreate(t, h, o)

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"create:o1", "delete:r-1"}, h.remote.Calls())

	local, err := h.store.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, local.Deleted)
	assert.Empty(t, local.RemoteID)

	entries, err := h.m.Queue().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeDuringCreateQueuesDeleteWhenRemoteFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o := h.createOrder(t, "o1")
	h.queueOrder(t, o, ActionCreate, 1)
	purgeDuringCreate(t, h, o)
	h.remote.deleteFn = func(string) error { return errors.New("gateway timeout") }

	h.m.SetOnline(true)
	require.NoError(t, h.m.SyncPendingActions(ctx))

	entries, err := h.m.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(ActionDelete), entries[0].Action)
	assert.Equal(t, o.ID, entries[0].EntityID)
	assert.Equal(t, 1, h.m.GetSyncStatus().PendingActions)

	h.remote.deleteFn = nil
	require.NoError(t, h.m.SyncPendingActions(ctx))

	assert.Equal(t, []string{"create:o1", "delete:r-1", "delete:r-1"}, h.remote.Calls())
	entries, err = h.m.Queue().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
