package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-sync-service/internal/config"
	"order-sync-service/internal/logger"
	"order-sync-service/internal/network"
	"order-sync-service/internal/remote"
	"order-sync-service/internal/store"
)

const (
	historyRunning    = "running"
	historyCompleted  = "completed"
	historyWithErrors = "completed_with_errors"
	historyFailed     = "failed"
)

// Manager owns the intent queue and the sync status. Automatic drains go
// through a single Worker; manual drains run on the caller's goroutine and
// never overlap with them.
type Manager struct {
	store    store.Store
	queue    *Queue
	resolver *Resolver
	handlers map[EntityType]EntityHandler
	monitor  network.Monitor
	now      func() time.Time
	debounce time.Duration

	retries *retryScheduler
	worker  *Worker

	mu       sync.Mutex
	status   SyncStatus
	draining bool
	rerun    bool
	started  bool
	stopped  bool

	subMu     sync.Mutex
	nextSub   int
	listeners map[int]StatusListener
	callbacks map[int]SyncCompleteCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

// WithClock overrides the clock used for queue timestamps and bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHandler replaces the handler of a known entity type.
func WithHandler(entityType EntityType, h EntityHandler) Option {
	return func(m *Manager) {
		if _, ok := m.handlers[entityType]; ok {
			m.handlers[entityType] = h
		}
	}
}

func NewManager(cfg config.SyncConfig, s store.Store, rem RemoteOrderService, monitor network.Monitor, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		store:     s,
		monitor:   monitor,
		now:       time.Now,
		debounce:  cfg.GetDebounce(),
		listeners: make(map[int]StatusListener),
		callbacks: make(map[int]SyncCompleteCallback),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.handlers = map[EntityType]EntityHandler{
		EntityOrder: nil,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.queue = NewQueue(s, cfg, m.now)
	m.resolver = NewResolver(s, m.now)
	if m.handlers[EntityOrder] == nil {
		m.handlers[EntityOrder] = NewOrderHandler(s, rem, m.resolver, m.queue)
	}
	m.retries = newRetryScheduler(func(string) { m.RequestSync() })
	m.worker = newWorker(m.debounce, m.runAutomatic)

	return m
}

func (m *Manager) Queue() *Queue {
	return m.queue
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("sync manager is already running")
	}
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("sync manager cannot be restarted after Stop")
	}
	m.started = true
	m.mu.Unlock()

	logger.Log.Info("Starting sync manager")

	state, err := m.store.GetSyncState(ctx, string(EntityOrder))
	switch {
	case err == nil:
		m.mu.Lock()
		m.status.LastSync = state.LastSyncTime
		m.mu.Unlock()
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	m.refreshCounts(ctx)

	m.worker.Start()

	if m.monitor != nil {
		m.wg.Add(1)
		go m.watchNetwork()
		if err := m.monitor.Start(); err != nil {
			m.Stop()
			return fmt.Errorf("failed to start network monitor: %w", err)
		}
	}
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.stopped = true
	m.mu.Unlock()

	logger.Log.Info("Stopping sync manager")

	m.cancel()
	m.retries.Stop()
	m.worker.Stop()
	if m.monitor != nil {
		m.monitor.Stop()
	}
	m.wg.Wait()
}

func (m *Manager) watchNetwork() {
	defer m.wg.Done()

	events := m.monitor.Events()
	for {
		select {
		case online, ok := <-events:
			if !ok {
				return
			}
			m.SetOnline(online)
		case <-m.ctx.Done():
			return
		}
	}
}

// SetOnline records a connectivity transition. Coming online requests a
// drain right away; going offline stops an in-progress drain before its
// next entry.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.status.IsOnline != online
	m.status.IsOnline = online
	snapshot := m.status
	m.mu.Unlock()

	if !changed {
		return
	}

	logger.Log.Info("Network state changed", zap.Bool("online", online))
	m.notify(snapshot)
	if online {
		m.worker.Request()
	}
}

// QueueAction stores an intent and, when online, schedules a debounced drain.
func (m *Manager) QueueAction(ctx context.Context, entityType EntityType, entityID string, action Action, payload any, priority int) (string, error) {
	if _, ok := m.handlers[entityType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
	}

	id, err := m.queue.Enqueue(ctx, entityType, entityID, action, payload, priority)
	if err != nil {
		return "", fmt.Errorf("failed to queue %s %s: %w", action, entityType, err)
	}

	logger.Log.Debug("Queued sync action",
		zap.String("entryID", id),
		zap.String("entityType", string(entityType)),
		zap.String("entityID", entityID),
		zap.String("action", string(action)),
		zap.Int("priority", priority),
	)

	m.refreshCounts(ctx)
	if m.isOnline() {
		m.worker.RequestDebounced()
	}
	return id, nil
}

// DiscardActions drops every queued intent for one entity.
func (m *Manager) DiscardActions(ctx context.Context, entityType EntityType, entityID string) (int, error) {
	ids, err := m.queue.RemoveForEntity(ctx, entityType, entityID)
	if err != nil {
		return 0, err
	}
	m.retries.Cancel(ids...)
	m.refreshCounts(ctx)
	return len(ids), nil
}

// SyncPendingActions drains the queue on the calling goroutine. It returns
// immediately when offline or when a drain is already running.
func (m *Manager) SyncPendingActions(ctx context.Context) error {
	if !m.beginDrain(false) {
		return nil
	}
	return m.drain(ctx)
}

// ForceSync is SyncPendingActions that reports ErrOffline instead of
// returning silently.
func (m *Manager) ForceSync(ctx context.Context) error {
	if !m.isOnline() {
		return ErrOffline
	}
	return m.SyncPendingActions(ctx)
}

// RequestSync asks the worker for a drain when online.
func (m *Manager) RequestSync() {
	if m.isOnline() {
		m.worker.Request()
	}
}

func (m *Manager) GetSyncStatus() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ClearFailedActions purges exhausted intents and cancels their retries.
func (m *Manager) ClearFailedActions(ctx context.Context) (int, error) {
	ids, err := m.queue.ClearExhausted(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed actions: %w", err)
	}
	m.retries.Cancel(ids...)
	logger.Log.Info("Cleared failed actions", zap.Int("count", len(ids)))
	m.refreshCounts(ctx)
	return len(ids), nil
}

// ResolveConflict merges a remote order snapshot into a local order outside
// of a drain.
func (m *Manager) ResolveConflict(ctx context.Context, orderID string, rem *remote.Order) (*store.Order, Resolution, error) {
	return m.resolver.Resolve(ctx, orderID, rem, TriggerManual)
}

func (m *Manager) AddStatusListener(fn StatusListener) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	return m.unsubscribe(func() { delete(m.listeners, id) })
}

func (m *Manager) AddSyncCompleteCallback(fn SyncCompleteCallback) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.callbacks[id] = fn
	return m.unsubscribe(func() { delete(m.callbacks, id) })
}

func (m *Manager) unsubscribe(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			remove()
		})
	}
}

func (m *Manager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsOnline
}

func (m *Manager) beginDrain(automatic bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.status.IsOnline {
		return false
	}
	if m.draining {
		if automatic {
			m.rerun = true
		}
		return false
	}
	m.draining = true
	m.status.IsSyncing = true
	return true
}

func (m *Manager) runAutomatic(ctx context.Context) {
	if !m.beginDrain(true) {
		return
	}
	if err := m.drain(ctx); err != nil {
		logger.Log.Error("Sync drain failed", zap.Error(err))
	}
}

// drain processes every due entry once, in queue order. The caller must have
// won beginDrain.
func (m *Manager) drain(ctx context.Context) error {
	history := &store.SyncHistory{
		ID:        uuid.NewString(),
		StartedAt: m.now().UnixMilli(),
		Status:    historyRunning,
	}
	if err := m.store.CreateSyncHistory(ctx, history); err != nil {
		logger.Log.Warn("Failed to record sync start", zap.Error(err))
	}

	m.notify(m.GetSyncStatus())

	var lastErr error
	entries, err := m.queue.Drain(ctx)
	if err != nil {
		err = fmt.Errorf("failed to read sync queue: %w", err)
		lastErr = err
	}

	logger.Log.Info("Starting sync drain", zap.Int("due", len(entries)))

	for _, entry := range entries {
		if !m.isOnline() {
			logger.Log.Info("Went offline, stopping drain", zap.Int("remaining", len(entries)-history.Processed))
			break
		}
		if ctx.Err() != nil {
			break
		}

		history.Processed++
		outcome, applyErr := m.apply(ctx, entry)
		if applyErr != nil {
			history.Failed++
			lastErr = &entryError{entryID: entry.ID, err: applyErr}
			m.handleFailure(ctx, entry, applyErr)
			continue
		}

		history.Succeeded++
		if outcome.Conflict {
			history.Conflicts++
		}
		m.retries.Cancel(entry.ID)
		if rmErr := m.queue.Remove(ctx, entry.ID); rmErr != nil {
			logger.Log.Error("Failed to remove synced entry", zap.String("entryID", entry.ID), zap.Error(rmErr))
			lastErr = rmErr
		}
	}

	m.finishDrain(ctx, history, err, lastErr)
	return err
}

func (m *Manager) apply(ctx context.Context, entry *store.QueueEntry) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := m.handlers[EntityType(entry.EntityType)]
	if !ok || h == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entry.EntityType)
	}
	return h.Apply(ctx, entry)
}

func (m *Manager) handleFailure(ctx context.Context, entry *store.QueueEntry, cause error) {
	updated, err := m.queue.RecordFailure(ctx, entry.ID, cause)
	if err != nil {
		logger.Log.Error("Failed to record sync failure", zap.String("entryID", entry.ID), zap.Error(err))
		return
	}

	if m.queue.Exhausted(updated) {
		m.retries.Cancel(entry.ID)
		logger.Log.Warn("Sync action exhausted its retries",
			zap.String("entryID", entry.ID),
			zap.String("entityID", entry.EntityID),
			zap.Int("retryCount", updated.RetryCount),
			zap.Error(cause),
		)
		return
	}

	delay := m.queue.Backoff(updated.RetryCount)
	logger.Log.Info("Scheduling sync retry",
		zap.String("entryID", entry.ID),
		zap.Int("retryCount", updated.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	m.retries.Schedule(entry.ID, delay)
}

func (m *Manager) finishDrain(ctx context.Context, history *store.SyncHistory, drainErr, lastErr error) {
	ctx = context.WithoutCancel(ctx)

	pending, exhausted, countErr := m.queue.Counts(ctx)
	if countErr != nil {
		logger.Log.Error("Failed to count queue entries", zap.Error(countErr))
	}
	completed := m.now().UnixMilli()

	m.mu.Lock()
	m.draining = false
	m.status.IsSyncing = false
	m.status.LastSync = completed
	m.status.Error = ""
	if lastErr != nil {
		m.status.Error = lastErr.Error()
	}
	if countErr == nil {
		m.status.PendingActions = pending
		m.status.FailedActions = exhausted
	}
	rerun := m.rerun
	m.rerun = false
	snapshot := m.status
	m.mu.Unlock()

	history.CompletedAt = completed
	switch {
	case drainErr != nil:
		history.Status = historyFailed
		history.ErrorMessage = drainErr.Error()
	case lastErr != nil:
		history.Status = historyWithErrors
		history.ErrorMessage = lastErr.Error()
	default:
		history.Status = historyCompleted
	}
	if err := m.store.UpdateSyncHistory(ctx, history); err != nil {
		logger.Log.Warn("Failed to record sync result", zap.Error(err))
	}

	state := &store.SyncState{
		EntityType:   string(EntityOrder),
		LastSyncTime: completed,
		Status:       "idle",
		ErrorMessage: snapshot.Error,
	}
	if lastErr != nil {
		state.Status = "error"
	}
	if err := m.store.UpdateSyncState(ctx, state); err != nil {
		logger.Log.Warn("Failed to persist sync state", zap.Error(err))
	}

	logger.Log.Info("Sync drain finished",
		zap.Int("processed", history.Processed),
		zap.Int("succeeded", history.Succeeded),
		zap.Int("failed", history.Failed),
		zap.Int("conflicts", history.Conflicts),
		zap.Int("pending", snapshot.PendingActions),
		zap.Int("exhausted", snapshot.FailedActions),
	)

	m.notify(snapshot)
	m.fireSyncComplete()

	if rerun {
		m.worker.Request()
	}
}

func (m *Manager) refreshCounts(ctx context.Context) {
	pending, exhausted, err := m.queue.Counts(ctx)
	if err != nil {
		logger.Log.Error("Failed to count queue entries", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.status.PendingActions = pending
	m.status.FailedActions = exhausted
	snapshot := m.status
	m.mu.Unlock()

	m.notify(snapshot)
}

func (m *Manager) notify(snapshot SyncStatus) {
	m.subMu.Lock()
	ids := sortedKeys(m.listeners)
	fns := make([]StatusListener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		safeCall("status listener", func() { fn(snapshot) })
	}
}

func (m *Manager) fireSyncComplete() {
	m.subMu.Lock()
	ids := sortedKeys(m.callbacks)
	fns := make([]SyncCompleteCallback, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.callbacks[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		safeCall("sync complete callback", fn)
	}
}

func safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Recovered from panic", zap.String("subscriber", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
