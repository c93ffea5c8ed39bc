package sync

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-sync-service/internal/logger"
	"order-sync-service/internal/remote"
	"order-sync-service/internal/store"
)

type ProductSource interface {
	ListProducts(ctx context.Context) ([]remote.Product, error)
}

// Catalog copies the remote product list into the local catalog used for
// name-based product matching.
type Catalog struct {
	source ProductSource
	store  store.ProductCatalog
}

func NewCatalog(source ProductSource, s store.ProductCatalog) *Catalog {
	return &Catalog{source: source, store: s}
}

func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	products, err := c.source.ListProducts(ctx)
	if err != nil {
		return 0, err
	}

	local := make([]*store.Product, 0, len(products))
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		local = append(local, &store.Product{
			ID:    p.ID,
			Name:  p.Name,
			Price: decimal.NewFromFloat(p.Price),
			Image: p.Image,
		})
	}

	if err := c.store.UpsertProducts(ctx, local); err != nil {
		return 0, fmt.Errorf("failed to store products: %w", err)
	}

	logger.Log.Info("Refreshed product catalog", zap.Int("products", len(local)))
	return len(local), nil
}
