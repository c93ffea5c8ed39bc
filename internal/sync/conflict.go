package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-sync-service/internal/logger"
	"order-sync-service/internal/remote"
	"order-sync-service/internal/store"
)

// lineItemNamespace seeds the ids of line items rebuilt from a remote
// snapshot, so replaying the same snapshot recreates the same rows.
var lineItemNamespace = uuid.MustParse("6f1c9e52-3d0b-4c1e-9a57-2f4be0d7c1a3")

// ResolverStore is the storage the resolver needs.
type ResolverStore interface {
	FindByID(ctx context.Context, orderID string) (*store.Order, error)
	MarkSynced(ctx context.Context, orderID, remoteID string) (*store.Order, error)
	ReplaceFromRemote(ctx context.Context, order *store.Order) (*store.Order, error)
	FindProductByName(ctx context.Context, name string) (*store.Product, error)
	CreateConflict(ctx context.Context, conflict *store.Conflict) error
}

// Resolver merges a remote order into the local one, last write wins.
type Resolver struct {
	store ResolverStore
	now   func() time.Time
}

func NewResolver(s ResolverStore, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: s, now: now}
}

// Resolve keeps the local order when its lastModified is at or after the
// remote modification time, and otherwise replaces it with the remote
// snapshot. Either way the order ends up synced and carries the remote id.
func (r *Resolver) Resolve(ctx context.Context, localID string, rem *remote.Order, trigger Trigger) (*store.Order, Resolution, error) {
	local, err := r.store.FindByID(ctx, localID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load local order: %w", err)
	}

	remoteTs := rem.ModifiedAt()

	var (
		merged     *store.Order
		resolution Resolution
	)
	if local.LastModified >= remoteTs {
		resolution = LocalWins
		merged, err = r.store.MarkSynced(ctx, localID, rem.ID)
	} else {
		resolution = RemoteWins
		snapshot := &store.Order{
			ID:           localID,
			RemoteID:     rem.ID,
			Timestamp:    rem.Timestamp,
			LastModified: remoteTs,
		}
		if snapshot.Timestamp == 0 {
			snapshot.Timestamp = local.Timestamp
		}
		if snapshot.LineItems, err = r.lineItems(ctx, localID, rem); err != nil {
			return nil, "", err
		}
		merged, err = r.store.ReplaceFromRemote(ctx, snapshot)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to apply %s: %w", resolution, err)
	}

	logger.Log.Info("Resolved order",
		zap.String("orderID", localID),
		zap.String("remoteID", rem.ID),
		zap.String("resolution", string(resolution)),
		zap.String("trigger", string(trigger)),
		zap.Int64("localTs", local.LastModified),
		zap.Int64("remoteTs", remoteTs),
	)

	r.record(ctx, local, rem, remoteTs, resolution, trigger)
	return merged, resolution, nil
}

// lineItems rebuilds the remote line items for local storage. Products are
// matched by name against the local catalog, falling back to the remote
// product id.
func (r *Resolver) lineItems(ctx context.Context, orderID string, rem *remote.Order) ([]store.OrderLineItem, error) {
	items := make([]store.OrderLineItem, 0, len(rem.LineItems))
	for i, it := range rem.LineItems {
		if it.Quantity <= 0 {
			continue
		}

		li := store.OrderLineItem{
			ID:        uuid.NewSHA1(lineItemNamespace, []byte(fmt.Sprintf("%s/%d/%s", orderID, i, it.ID))).String(),
			OrderID:   orderID,
			ProductID: it.ProductID,
			Name:      it.Name,
			Image:     it.Image,
			Price:     decimal.NewFromFloat(it.Price),
			Quantity:  it.Quantity,
			Synced:    true,
		}

		product, err := r.store.FindProductByName(ctx, it.Name)
		switch {
		case err == nil:
			li.ProductID = product.ID
			if li.Image == "" {
				li.Image = product.Image
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to look up product %q: %w", it.Name, err)
		}

		li.Recompute()
		items = append(items, li)
	}
	return items, nil
}

func (r *Resolver) record(ctx context.Context, local *store.Order, rem *remote.Order, remoteTs int64, resolution Resolution, trigger Trigger) {
	data, err := json.Marshal(rem)
	if err != nil {
		logger.Log.Warn("Failed to encode remote snapshot", zap.String("orderID", local.ID), zap.Error(err))
		data = []byte("null")
	}
	conflict := &store.Conflict{
		ID:              uuid.NewString(),
		EntityType:      string(EntityOrder),
		EntityID:        local.ID,
		LocalTimestamp:  local.LastModified,
		RemoteTimestamp: remoteTs,
		Resolution:      string(resolution),
		Trigger:         string(trigger),
		RemoteData:      data,
		ResolvedAt:      r.now().UnixMilli(),
	}
	if err := r.store.CreateConflict(ctx, conflict); err != nil {
		logger.Log.Warn("Failed to record resolution", zap.String("orderID", local.ID), zap.Error(err))
	}
}
