package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"order-sync-service/internal/logger"
	"order-sync-service/internal/remote"
	"order-sync-service/internal/store"
)

// RemoteOrderService is the upstream order API. Implementations return
// remote.ErrConflict for 409 and remote.ErrNotFound for 404.
type RemoteOrderService interface {
	Get(ctx context.Context, id string) (*remote.Order, error)
	Create(ctx context.Context, order *remote.Order) (*remote.Order, error)
	Update(ctx context.Context, id string, order *remote.Order) (*remote.Order, error)
	Delete(ctx context.Context, id string) error
}

// EntityHandler replays one queued intent for its entity type.
type EntityHandler interface {
	Apply(ctx context.Context, entry *store.QueueEntry) (Outcome, error)
}

// OrderStore is the order storage the order handler needs.
type OrderStore interface {
	FindByID(ctx context.Context, orderID string) (*store.Order, error)
	SoftDelete(ctx context.Context, orderID string) error
}

type OrderHandler struct {
	orders   OrderStore
	remote   RemoteOrderService
	resolver *Resolver
	queue    *Queue
}

func NewOrderHandler(orders OrderStore, remote RemoteOrderService, resolver *Resolver, queue *Queue) *OrderHandler {
	return &OrderHandler{
		orders:   orders,
		remote:   remote,
		resolver: resolver,
		queue:    queue,
	}
}

func (h *OrderHandler) Apply(ctx context.Context, entry *store.QueueEntry) (Outcome, error) {
	var payload OrderPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return Outcome{}, fmt.Errorf("failed to decode order payload: %w", err)
	}

	local, err := h.orders.FindByID(ctx, entry.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Log.Warn("Queued order no longer exists locally",
			zap.String("orderID", entry.EntityID),
			zap.String("action", entry.Action),
		)
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	switch Action(entry.Action) {
	case ActionCreate, ActionUpdate:
		if local.Deleted {
			logger.Log.Info("Skipping write for deleted order", zap.String("orderID", local.ID))
			return Outcome{}, nil
		}
		return h.upsert(ctx, entry, local, payload)
	case ActionDelete:
		return Outcome{}, h.delete(ctx, local, payload)
	default:
		return Outcome{}, fmt.Errorf("unknown order action %q", entry.Action)
	}
}

// upsert creates the order remotely until it has a remote id and updates it
// afterwards, whichever intent reaches the remote first.
func (h *OrderHandler) upsert(ctx context.Context, entry *store.QueueEntry, local *store.Order, payload OrderPayload) (Outcome, error) {
	remoteID := local.RemoteID
	if remoteID == "" {
		remoteID = payload.RemoteID
	}

	body := &remote.Order{
		Timestamp: payload.Timestamp,
		LineItems: toRemoteItems(payload.LineItems),
	}

	var (
		result  *remote.Order
		trigger Trigger
		err     error
	)
	if remoteID == "" {
		trigger = TriggerCreate
		result, err = h.remote.Create(ctx, body)
	} else {
		trigger = TriggerUpdate
		result, err = h.remote.Update(ctx, remoteID, body)
	}

	if errors.Is(err, remote.ErrConflict) {
		target := remoteID
		if target == "" {
			target = local.ID
		}
		result, err = h.remote.Get(ctx, target)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to fetch conflicting order: %w", err)
		}
		trigger = TriggerConflict
	} else if err != nil {
		return Outcome{}, err
	}

	if result.ID == "" {
		result.ID = remoteID
	}

	// The order may have been purged while the call was in flight.
	current, err := h.orders.FindByID(ctx, local.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}
	if current == nil || current.Deleted {
		return Outcome{}, h.retract(ctx, entry, local.ID, result.ID)
	}

	_, resolution, err := h.resolver.Resolve(ctx, local.ID, result, trigger)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Conflict: trigger == TriggerConflict, Resolution: resolution}, nil
}

// retract removes a remote copy whose local order is already gone. When the
// remote cannot be reached a delete intent is queued instead.
func (h *OrderHandler) retract(ctx context.Context, entry *store.QueueEntry, orderID, remoteID string) error {
	if remoteID == "" {
		return nil
	}
	logger.Log.Info("Local order deleted during sync, removing remote copy",
		zap.String("orderID", orderID),
		zap.String("remoteID", remoteID),
	)

	err := h.remote.Delete(ctx, remoteID)
	if err == nil || errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	if h.queue == nil {
		return err
	}

	logger.Log.Warn("Remote delete failed, queueing it", zap.String("remoteID", remoteID), zap.Error(err))
	if _, qerr := h.queue.Enqueue(ctx, EntityOrder, orderID, ActionDelete, OrderPayload{RemoteID: remoteID}, entry.Priority); qerr != nil {
		return fmt.Errorf("failed to queue delete of remote order %s: %w", remoteID, qerr)
	}
	return nil
}

// delete treats a remote 404 as success. Orders that never reached the
// remote are only deleted locally.
func (h *OrderHandler) delete(ctx context.Context, local *store.Order, payload OrderPayload) error {
	remoteID := local.RemoteID
	if remoteID == "" {
		remoteID = payload.RemoteID
	}

	if remoteID != "" {
		err := h.remote.Delete(ctx, remoteID)
		if errors.Is(err, remote.ErrNotFound) {
			logger.Log.Info("Remote order already gone", zap.String("remoteID", remoteID))
		} else if err != nil {
			return err
		}
	}

	return h.orders.SoftDelete(ctx, local.ID)
}

func toRemoteItems(items []store.OrderLineItem) []remote.LineItem {
	out := make([]remote.LineItem, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		it.Recompute()
		out = append(out, remote.LineItem{
			ID:         it.ID,
			ProductID:  it.ProductID,
			Name:       it.Name,
			Image:      it.Image,
			Price:      it.Price.InexactFloat64(),
			Quantity:   it.Quantity,
			TotalPrice: it.TotalPrice.InexactFloat64(),
		})
	}
	return out
}
