package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// OrderStore is the local order storage the sync engine and the order
// service work against. Every mutating call commits the order header and its
// full line-item set in one transaction.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *Order) (*Order, error)
	// UpdateOrder replaces the order's line items and marks it pending.
	UpdateOrder(ctx context.Context, orderID string, items []OrderLineItem) (*Order, error)
	MarkPendingDeletion(ctx context.Context, orderID string) (*Order, error)
	// SoftDelete sets the delete flag permanently and marks the order synced.
	SoftDelete(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (*Order, error)
	// FindActive returns the visible order, or ErrNotFound.
	FindActive(ctx context.Context) (*Order, error)
	FindPendingSync(ctx context.Context) ([]*Order, error)

	// MarkSynced keeps local data, stamps remoteID and marks order and items synced.
	MarkSynced(ctx context.Context, orderID, remoteID string) (*Order, error)
	// ReplaceFromRemote overwrites scalars and line items with a remote snapshot.
	ReplaceFromRemote(ctx context.Context, order *Order) (*Order, error)
}

type ProductCatalog interface {
	FindProductByName(ctx context.Context, name string) (*Product, error)
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)
	UpsertProducts(ctx context.Context, products []*Product) error
}

type QueueStore interface {
	InsertEntry(ctx context.Context, entry *QueueEntry) error
	// ListDue returns entries with retry_count below maxRetries and
	// next_attempt_at <= now, by priority desc, enqueued_at asc, seq asc.
	ListDue(ctx context.Context, maxRetries int, now int64) ([]*QueueEntry, error)
	ListEntries(ctx context.Context) ([]*QueueEntry, error)
	GetEntry(ctx context.Context, id string) (*QueueEntry, error)
	DeleteEntry(ctx context.Context, id string) error
	DeleteEntriesForEntity(ctx context.Context, entityType, entityID string) ([]string, error)
	UpdateEntryFailure(ctx context.Context, id string, retryCount int, lastError string, nextAttemptAt int64) error
	CountEntries(ctx context.Context, maxRetries int) (pending int, exhausted int, err error)
	DeleteExhausted(ctx context.Context, maxRetries int) ([]string, error)
}

type HistoryStore interface {
	// Sync State
	GetSyncState(ctx context.Context, entityType string) (*SyncState, error)
	UpdateSyncState(ctx context.Context, state *SyncState) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)
}

type Store interface {
	OrderStore
	ProductCatalog
	QueueStore
	HistoryStore

	// General
	Close() error
}
