package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const productColumns = `id, name, price, image, updated_at`

// FindProductByName returns the first product with exactly this name.
func (s *SQLStore) FindProductByName(ctx context.Context, name string) (*Product, error) {
	return scanProduct(s.db.DB.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE name = ? ORDER BY id LIMIT 1`, name))
}

func (s *SQLStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	return scanProduct(s.db.DB.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id))
}

func (s *SQLStore) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Image, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

func (s *SQLStore) UpsertProducts(ctx context.Context, products []*Product) error {
	now := s.nowMillis()
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, p := range products {
			res, err := tx.ExecContext(ctx,
				`UPDATE products SET name = ?, price = ?, image = ?, updated_at = ? WHERE id = ?`,
				p.Name, p.Price, p.Image, now, p.ID)
			if err != nil {
				return fmt.Errorf("failed to update product %s: %w", p.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?)`,
				p.ID, p.Name, p.Price, p.Image, now); err != nil {
				return fmt.Errorf("failed to insert product %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

func scanProduct(row *sql.Row) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Image, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return &p, nil
}
