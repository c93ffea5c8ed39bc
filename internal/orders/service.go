// Package orders applies shopping-cart mutations to the local store and
// queues the matching sync intents.
package orders

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"order-sync-service/internal/logger"
	"order-sync-service/internal/store"
	"order-sync-service/internal/sync"
)

var (
	ErrNoActiveOrder = errors.New("no active order")
	ErrItemNotFound  = errors.New("line item not found")
)

// Syncer is the part of the sync engine the service queues intents on.
type Syncer interface {
	QueueAction(ctx context.Context, entityType sync.EntityType, entityID string, action sync.Action, payload any, priority int) (string, error)
	DiscardActions(ctx context.Context, entityType sync.EntityType, entityID string) (int, error)
}

type Store interface {
	store.OrderStore
	GetProduct(ctx context.Context, id string) (*store.Product, error)
}

type Service struct {
	store    Store
	syncer   Syncer
	priority int
}

func NewService(s Store, syncer Syncer, priority int) *Service {
	return &Service{
		store:    s,
		syncer:   syncer,
		priority: priority,
	}
}

// ActiveOrder returns the visible order, including one waiting for its
// delete to be confirmed.
func (s *Service) ActiveOrder(ctx context.Context) (*store.Order, error) {
	order, err := s.store.FindActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveOrder
	}
	return order, err
}

// editableOrder is the active order unless it is already being deleted.
func (s *Service) editableOrder(ctx context.Context) (*store.Order, error) {
	order, err := s.ActiveOrder(ctx)
	if err != nil {
		return nil, err
	}
	if order.SyncState == store.OrderPendingDeletion {
		return nil, ErrNoActiveOrder
	}
	return order, nil
}

// AddItem adds one unit of the product, starting a new order when there is
// none.
func (s *Service) AddItem(ctx context.Context, productID string) (*store.Order, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", productID, err)
	}

	order, err := s.editableOrder(ctx)
	if errors.Is(err, ErrNoActiveOrder) {
		created, err := s.store.CreateOrder(ctx, &store.Order{
			LineItems: []store.OrderLineItem{newLineItem(product)},
		})
		if err != nil {
			return nil, err
		}
		return created, s.queue(ctx, created, sync.ActionCreate)
	}
	if err != nil {
		return nil, err
	}

	items := order.LineItems
	found := false
	for i := range items {
		if items[i].ProductID == product.ID {
			items[i].Quantity++
			found = true
			break
		}
	}
	if !found {
		items = append(items, newLineItem(product))
	}

	return s.update(ctx, order.ID, items)
}

// SetQuantity sets an item's quantity. Zero or less removes the item.
func (s *Service) SetQuantity(ctx context.Context, itemID string, quantity int) (*store.Order, error) {
	order, err := s.editableOrder(ctx)
	if err != nil {
		return nil, err
	}

	idx := indexOf(order.LineItems, itemID)
	if idx < 0 {
		return nil, ErrItemNotFound
	}
	if quantity <= 0 {
		return s.remove(ctx, order, idx)
	}

	order.LineItems[idx].Quantity = quantity
	return s.update(ctx, order.ID, order.LineItems)
}

func (s *Service) Increment(ctx context.Context, itemID string) (*store.Order, error) {
	return s.adjust(ctx, itemID, 1)
}

func (s *Service) Decrement(ctx context.Context, itemID string) (*store.Order, error) {
	return s.adjust(ctx, itemID, -1)
}

func (s *Service) adjust(ctx context.Context, itemID string, delta int) (*store.Order, error) {
	order, err := s.editableOrder(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexOf(order.LineItems, itemID)
	if idx < 0 {
		return nil, ErrItemNotFound
	}
	return s.SetQuantity(ctx, itemID, order.LineItems[idx].Quantity+delta)
}

// RemoveItem drops a line item. Removing the last one clears the order and
// returns nil.
func (s *Service) RemoveItem(ctx context.Context, itemID string) (*store.Order, error) {
	order, err := s.editableOrder(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexOf(order.LineItems, itemID)
	if idx < 0 {
		return nil, ErrItemNotFound
	}
	return s.remove(ctx, order, idx)
}

func (s *Service) remove(ctx context.Context, order *store.Order, idx int) (*store.Order, error) {
	items := append(order.LineItems[:idx:idx], order.LineItems[idx+1:]...)
	if len(items) == 0 {
		return nil, s.clear(ctx, order)
	}
	return s.update(ctx, order.ID, items)
}

// ClearOrder deletes the active order. An order the remote never saw is
// purged along with its queued intents; otherwise a delete is queued.
func (s *Service) ClearOrder(ctx context.Context) error {
	order, err := s.editableOrder(ctx)
	if err != nil {
		return err
	}
	return s.clear(ctx, order)
}

func (s *Service) clear(ctx context.Context, order *store.Order) error {
	if order.RemoteID == "" {
		dropped, err := s.syncer.DiscardActions(ctx, sync.EntityOrder, order.ID)
		if err != nil {
			return fmt.Errorf("failed to drop queued actions: %w", err)
		}
		logger.Log.Info("Purging unsynced order", zap.String("orderID", order.ID), zap.Int("droppedActions", dropped))
		return s.store.SoftDelete(ctx, order.ID)
	}

	marked, err := s.store.MarkPendingDeletion(ctx, order.ID)
	if err != nil {
		return err
	}
	return s.queue(ctx, marked, sync.ActionDelete)
}

func (s *Service) update(ctx context.Context, orderID string, items []store.OrderLineItem) (*store.Order, error) {
	updated, err := s.store.UpdateOrder(ctx, orderID, items)
	if err != nil {
		return nil, err
	}
	return updated, s.queue(ctx, updated, sync.ActionUpdate)
}

func (s *Service) queue(ctx context.Context, order *store.Order, action sync.Action) error {
	if _, err := s.syncer.QueueAction(ctx, sync.EntityOrder, order.ID, action, sync.NewOrderPayload(order), s.priority); err != nil {
		return fmt.Errorf("failed to queue %s: %w", action, err)
	}
	return nil
}

func newLineItem(p *store.Product) store.OrderLineItem {
	li := store.OrderLineItem{
		ProductID: p.ID,
		Name:      p.Name,
		Image:     p.Image,
		Price:     p.Price,
		Quantity:  1,
	}
	li.Recompute()
	return li
}

func indexOf(items []store.OrderLineItem, itemID string) int {
	for i, it := range items {
		if it.ID == itemID {
			return i
		}
	}
	return -1
}
