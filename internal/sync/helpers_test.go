package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"order-sync-service/internal/config"
	"order-sync-service/internal/network"
	"order-sync-service/internal/remote"
	"order-sync-service/internal/store"
	"order-sync-service/internal/testutil"
)

var testSyncConfig = config.SyncConfig{
	MaxRetries:     3,
	RetryBaseDelay: "1s",
	Debounce:       "10ms",
}

type fakeRemote struct {
	mu     sync.Mutex
	calls  []string
	nextID int

	createFn func(o *remote.Order) (*remote.Order, error)
	updateFn func(id string, o *remote.Order) (*remote.Order, error)
	getFn    func(id string) (*remote.Order, error)
	deleteFn func(id string) error
}

func label(o *remote.Order) string {
	if len(o.LineItems) == 0 {
		return "empty"
	}
	return o.LineItems[0].Name
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) Create(_ context.Context, o *remote.Order) (*remote.Order, error) {
	f.record("create:" + label(o))
	if f.createFn != nil {
		return f.createFn(o)
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("r-%d", f.nextID)
	f.mu.Unlock()
	out := *o
	out.ID = id
	return &out, nil
}

func (f *fakeRemote) Update(_ context.Context, id string, o *remote.Order) (*remote.Order, error) {
	f.record("update:" + id)
	if f.updateFn != nil {
		return f.updateFn(id, o)
	}
	out := *o
	out.ID = id
	return &out, nil
}

func (f *fakeRemote) Get(_ context.Context, id string) (*remote.Order, error) {
	f.record("get:" + id)
	if f.getFn != nil {
		return f.getFn(id)
	}
	return nil, remote.ErrNotFound
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.record("delete:" + id)
	if f.deleteFn != nil {
		return f.deleteFn(id)
	}
	return nil
}

type funcHandler func(ctx context.Context, entry *store.QueueEntry) (Outcome, error)

func (f funcHandler) Apply(ctx context.Context, entry *store.QueueEntry) (Outcome, error) {
	return f(ctx, entry)
}

type harness struct {
	m      *Manager
	store  *store.SQLStore
	clock  *testutil.Clock
	remote *fakeRemote
}

func newHarness(t *testing.T, monitor network.Monitor, opts ...Option) *harness {
	t.Helper()

	clock := testutil.NewClock(10_000)
	st := store.NewSQLStore(testutil.NewDatabase(t), store.WithClock(clock.Now))
	fr := &fakeRemote{}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m := NewManager(testSyncConfig, st, fr, monitor, opts...)
	t.Cleanup(func() {
		m.Stop()
		m.retries.Stop()
	})

	return &harness{m: m, store: st, clock: clock, remote: fr}
}

func (h *harness) createOrder(t *testing.T, name string) *store.Order {
	t.Helper()
	o, err := h.store.CreateOrder(context.Background(), &store.Order{
		LineItems: []store.OrderLineItem{item(name, "2.00", 1)},
	})
	require.NoError(t, err)
	return o
}

func (h *harness) queueOrder(t *testing.T, o *store.Order, action Action, priority int) string {
	t.Helper()
	id, err := h.m.QueueAction(context.Background(), EntityOrder, o.ID, action, NewOrderPayload(o), priority)
	require.NoError(t, err)
	return id
}
