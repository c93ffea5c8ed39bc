package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"order-sync-service/internal/config"
	"order-sync-service/internal/store"
)

// Queue is the durable intent queue. Entries drain by priority desc, then
// enqueue time, then insertion order.
type Queue struct {
	store      store.QueueStore
	now        func() time.Time
	maxRetries int
	baseDelay  time.Duration
}

func NewQueue(qs store.QueueStore, cfg config.SyncConfig, now func() time.Time) *Queue {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:      qs,
		now:        now,
		maxRetries: maxRetries,
		baseDelay:  cfg.GetRetryBaseDelay(),
	}
}

// Enqueue commits the intent before returning.
func (q *Queue) Enqueue(ctx context.Context, entityType EntityType, entityID string, action Action, payload any, priority int) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("invalid action %q", action)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	now := q.now().UnixMilli()
	entry := &store.QueueEntry{
		ID:            uuid.NewString(),
		EntityType:    string(entityType),
		EntityID:      entityID,
		Action:        string(action),
		Payload:       data,
		EnqueuedAt:    now,
		Priority:      priority,
		NextAttemptAt: now,
	}
	if err := q.store.InsertEntry(ctx, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Drain lists the entries that are due now. Nothing is removed.
func (q *Queue) Drain(ctx context.Context) ([]*store.QueueEntry, error) {
	return q.store.ListDue(ctx, q.maxRetries, q.now().UnixMilli())
}

// Remove deletes an entry. An entry that is already gone is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.DeleteEntry(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// RecordFailure bumps the retry count, keeps the error and pushes the next
// attempt out by the backoff delay.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) (*store.QueueEntry, error) {
	entry, err := q.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	entry.RetryCount++
	entry.LastError = cause.Error()
	entry.NextAttemptAt = q.now().Add(q.Backoff(entry.RetryCount)).UnixMilli()

	if err := q.store.UpdateEntryFailure(ctx, id, entry.RetryCount, entry.LastError, entry.NextAttemptAt); err != nil {
		return nil, err
	}
	return entry, nil
}

// Backoff is baseDelay × 2^(retryCount-1).
func (q *Queue) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return q.baseDelay << (retryCount - 1)
}

func (q *Queue) Exhausted(entry *store.QueueEntry) bool {
	return entry.RetryCount >= q.maxRetries
}

func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

func (q *Queue) Counts(ctx context.Context) (pending, exhausted int, err error) {
	return q.store.CountEntries(ctx, q.maxRetries)
}

func (q *Queue) CountPending(ctx context.Context) (int, error) {
	pending, _, err := q.Counts(ctx)
	return pending, err
}

func (q *Queue) CountExhausted(ctx context.Context) (int, error) {
	_, exhausted, err := q.Counts(ctx)
	return exhausted, err
}

func (q *Queue) ClearExhausted(ctx context.Context) ([]string, error) {
	return q.store.DeleteExhausted(ctx, q.maxRetries)
}

func (q *Queue) RemoveForEntity(ctx context.Context, entityType EntityType, entityID string) ([]string, error) {
	return q.store.DeleteEntriesForEntity(ctx, string(entityType), entityID)
}

func (q *Queue) List(ctx context.Context) ([]*store.QueueEntry, error) {
	return q.store.ListEntries(ctx)
}
