package store

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type OrderSyncState string

const (
	OrderPending         OrderSyncState = "pending"
	OrderSynced          OrderSyncState = "synced"
	OrderFailed          OrderSyncState = "failed"
	OrderPendingDeletion OrderSyncState = "pending_deletion"
)

// Order is one shopping order with the line items it owns. Timestamps are
// unix milliseconds.
type Order struct {
	ID           string          `json:"id"`
	RemoteID     string          `json:"remoteId,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	LineItems    []OrderLineItem `json:"lineItems"`
	LastModified int64           `json:"lastModified"`
	SyncState    OrderSyncState  `json:"syncState"`
	Deleted      bool            `json:"deleted"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
}

// Total sums the line item totals.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.LineItems {
		total = total.Add(item.TotalPrice)
	}
	return total
}

type OrderLineItem struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	ProductID  string          `json:"productId"`
	Name       string          `json:"name"`
	Image      string          `json:"image,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int             `json:"quantity"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Synced     bool            `json:"synced"`
	Deleted    bool            `json:"-"`
}

// Recompute sets TotalPrice from Price and Quantity.
func (li *OrderLineItem) Recompute() {
	li.TotalPrice = li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image,omitempty"`
	UpdatedAt int64           `json:"updatedAt"`
}

type QueueEntry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    int64           `json:"enqueuedAt"`
	Priority      int             `json:"priority"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt int64           `json:"nextAttemptAt"`
}

type Conflict struct {
	ID              string          `json:"id"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	LocalTimestamp  int64           `json:"localTimestamp"`
	RemoteTimestamp int64           `json:"remoteTimestamp"`
	Resolution      string          `json:"resolution"`
	Trigger         string          `json:"trigger"`
	RemoteData      json.RawMessage `json:"remoteData"`
	ResolvedAt      int64           `json:"resolvedAt"`
}

type SyncHistory struct {
	ID           string `json:"id"`
	StartedAt    int64  `json:"startedAt"`
	CompletedAt  int64  `json:"completedAt,omitempty"`
	Processed    int    `json:"processed"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Conflicts    int    `json:"conflicts"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error,omitempty"`
}

type SyncState struct {
	EntityType   string `json:"entityType"`
	LastSyncTime int64  `json:"lastSyncTime,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error,omitempty"`
	UpdatedAt    int64  `json:"updatedAt"`
}
