package sync

import (
	"errors"
	"fmt"

	"order-sync-service/internal/store"
)

var (
	ErrOffline       = errors.New("device is offline")
	ErrUnknownEntity = errors.New("no handler registered for entity type")
)

type EntityType string

const EntityOrder EntityType = "order"

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Trigger records why a resolution ran.
type Trigger string

const (
	TriggerCreate   Trigger = "create"
	TriggerUpdate   Trigger = "update"
	TriggerConflict Trigger = "conflict"
	TriggerManual   Trigger = "manual"
)

type Resolution string

const (
	LocalWins  Resolution = "local_wins"
	RemoteWins Resolution = "remote_wins"
)

// SyncStatus is a point-in-time snapshot of the engine.
type SyncStatus struct {
	IsOnline       bool   `json:"isOnline"`
	IsSyncing      bool   `json:"isSyncing"`
	LastSync       int64  `json:"lastSync,omitempty"`
	Error          string `json:"error,omitempty"`
	PendingActions int    `json:"pendingActions"`
	FailedActions  int    `json:"failedActions"`
}

type StatusListener func(SyncStatus)

type SyncCompleteCallback func()

// OrderPayload is the snapshot queued with an order intent.
type OrderPayload struct {
	Timestamp int64                 `json:"timestamp"`
	LineItems []store.OrderLineItem `json:"lineItems"`
	RemoteID  string                `json:"remoteId,omitempty"`
}

// NewOrderPayload snapshots an order for the queue.
func NewOrderPayload(o *store.Order) OrderPayload {
	return OrderPayload{
		Timestamp: o.Timestamp,
		LineItems: o.LineItems,
		RemoteID:  o.RemoteID,
	}
}

// Outcome is what an entity handler reports for a successfully applied intent.
type Outcome struct {
	Conflict   bool
	Resolution Resolution
}

type entryError struct {
	entryID string
	err     error
}

func (e *entryError) Error() string {
	return fmt.Sprintf("queue entry %s: %v", e.entryID, e.err)
}

func (e *entryError) Unwrap() error { return e.err }
