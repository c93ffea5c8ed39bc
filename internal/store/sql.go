package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"order-sync-service/internal/database"
)

// SQLStore implements Store on database/sql. The same statements run on
// SQLite and MySQL; only the migrations differ per driver.
type SQLStore struct {
	db  *database.Database
	now func() time.Time
}

type Option func(*SQLStore)

// WithClock overrides the wall clock used for lastModified and bookkeeping
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

func NewSQLStore(db *database.Database, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

const orderColumns = `id, remote_id, placed_at, last_modified, sync_state, is_deleted, created_at, updated_at`

func (s *SQLStore) CreateOrder(ctx context.Context, order *Order) (*Order, error) {
	now := s.nowMillis()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Timestamp == 0 {
		order.Timestamp = now
	}

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)`
		if _, err := tx.ExecContext(ctx, query,
			order.ID,
			nullString(order.RemoteID),
			order.Timestamp,
			now,
			string(OrderPending),
			now,
			now,
		); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		for _, item := range order.LineItems {
			if err := insertLineItem(ctx, tx, order.ID, item, false, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.FindByID(ctx, order.ID)
}

func (s *SQLStore) UpdateOrder(ctx context.Context, orderID string, items []OrderLineItem) (*Order, error) {
	now := s.nowMillis()

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		header, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = ? AND is_deleted = FALSE`, orderID))
		if err != nil {
			return err
		}

		// lastModified never moves backwards, even if the wall clock does.
		lastModified := now
		if header.LastModified > lastModified {
			lastModified = header.LastModified
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET sync_state = ?, last_modified = ?, updated_at = ? WHERE id = ?`,
			string(OrderPending), lastModified, now, orderID,
		); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		existing, err := lineItemIDs(ctx, tx, orderID)
		if err != nil {
			return err
		}

		kept := make(map[string]bool, len(items))
		for _, item := range items {
			if item.Quantity <= 0 {
				continue
			}
			if item.ID != "" && existing[item.ID] {
				item.Recompute()
				if _, err := tx.ExecContext(ctx,
					`UPDATE order_line_items
					 SET product_id = ?, name = ?, image = ?, price = ?, quantity = ?, synced = FALSE, is_deleted = FALSE, updated_at = ?
					 WHERE id = ? AND order_id = ?`,
					item.ProductID, item.Name, item.Image, item.Price, item.Quantity, now, item.ID, orderID,
				); err != nil {
					return fmt.Errorf("failed to update line item: %w", err)
				}
				kept[item.ID] = true
				continue
			}
			item.ID = ""
			if err := insertLineItem(ctx, tx, orderID, item, false, now); err != nil {
				return err
			}
		}

		for id := range existing {
			if kept[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE order_line_items SET is_deleted = TRUE, synced = FALSE, updated_at = ? WHERE id = ? AND is_deleted = FALSE`,
				now, id,
			); err != nil {
				return fmt.Errorf("failed to remove line item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.FindByID(ctx, orderID)
}

func (s *SQLStore) MarkPendingDeletion(ctx context.Context, orderID string) (*Order, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE orders SET sync_state = ?, updated_at = ? WHERE id = ? AND is_deleted = FALSE`,
		string(OrderPendingDeletion), s.nowMillis(), orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order for deletion: %w", err)
	}
	if err := expectRows(res, orderID); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, orderID)
}

func (s *SQLStore) SoftDelete(ctx context.Context, orderID string) error {
	now := s.nowMillis()
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET is_deleted = TRUE, sync_state = ?, updated_at = ? WHERE id = ?`,
			string(OrderSynced), now, orderID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete order: %w", err)
		}
		if err := expectRows(res, orderID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE order_line_items SET is_deleted = TRUE, synced = TRUE, updated_at = ? WHERE order_id = ?`,
			now, orderID,
		); err != nil {
			return fmt.Errorf("failed to delete line items: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) FindByID(ctx context.Context, orderID string) (*Order, error) {
	order, err := scanOrder(s.db.DB.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID))
	if err != nil {
		return nil, err
	}
	if order.LineItems, err = loadLineItems(ctx, s.db.DB, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *SQLStore) FindActive(ctx context.Context) (*Order, error) {
	var id string
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE is_deleted = FALSE ORDER BY placed_at DESC, created_at DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active order: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *SQLStore) FindPendingSync(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id FROM orders WHERE sync_state <> ? ORDER BY placed_at`, string(OrderSynced))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	orders := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// A queued delete keeps pending_deletion until the delete itself is confirmed.
const syncedUnlessDeleting = `CASE WHEN sync_state = 'pending_deletion' THEN sync_state ELSE 'synced' END`

func (s *SQLStore) MarkSynced(ctx context.Context, orderID, remoteID string) (*Order, error) {
	now := s.nowMillis()
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET sync_state = `+syncedUnlessDeleting+`, remote_id = COALESCE(?, remote_id), updated_at = ? WHERE id = ?`,
			nullString(remoteID), now, orderID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark order synced: %w", err)
		}
		if err := expectRows(res, orderID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE order_line_items SET synced = TRUE, updated_at = ? WHERE order_id = ?`, now, orderID,
		); err != nil {
			return fmt.Errorf("failed to mark line items synced: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, orderID)
}

func (s *SQLStore) ReplaceFromRemote(ctx context.Context, order *Order) (*Order, error) {
	now := s.nowMillis()
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders
			 SET sync_state = `+syncedUnlessDeleting+`, remote_id = COALESCE(?, remote_id), placed_at = ?, last_modified = ?, updated_at = ?
			 WHERE id = ?`,
			nullString(order.RemoteID), order.Timestamp, order.LastModified, now, order.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to overwrite order: %w", err)
		}
		if err := expectRows(res, order.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_line_items WHERE order_id = ?`, order.ID); err != nil {
			return fmt.Errorf("failed to drop line items: %w", err)
		}
		for _, item := range order.LineItems {
			if err := insertLineItem(ctx, tx, order.ID, item, true, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, order.ID)
}

// insertLineItem drops zero-quantity items: a quantity of 0 means removal.
func insertLineItem(ctx context.Context, q database.DBTX, orderID string, item OrderLineItem, synced bool, now int64) error {
	if item.Quantity <= 0 {
		return nil
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO order_line_items (id, order_id, product_id, name, image, price, quantity, synced, is_deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?, ?)`,
		item.ID, orderID, item.ProductID, item.Name, item.Image, item.Price, item.Quantity, synced, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert line item: %w", err)
	}
	return nil
}

func lineItemIDs(ctx context.Context, q database.DBTX, orderID string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM order_line_items WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func loadLineItems(ctx context.Context, q database.DBTX, orderID string) ([]OrderLineItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, name, image, price, quantity, synced
		 FROM order_line_items WHERE order_id = ? AND is_deleted = FALSE ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	items := []OrderLineItem{}
	for rows.Next() {
		var li OrderLineItem
		if err := rows.Scan(&li.ID, &li.OrderID, &li.ProductID, &li.Name, &li.Image, &li.Price, &li.Quantity, &li.Synced); err != nil {
			return nil, err
		}
		// never trust a stored total
		li.Recompute()
		items = append(items, li)
	}
	return items, rows.Err()
}

func scanOrder(row *sql.Row) (*Order, error) {
	var (
		o        Order
		remoteID sql.NullString
		state    string
	)
	err := row.Scan(&o.ID, &remoteID, &o.Timestamp, &o.LastModified, &state, &o.Deleted, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	o.RemoteID = remoteID.String
	o.SyncState = OrderSyncState(state)
	return &o, nil
}

func expectRows(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
