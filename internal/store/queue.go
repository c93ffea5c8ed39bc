package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-sync-service/internal/database"
)

const queueColumns = `id, seq, entity_type, entity_id, action, payload, enqueued_at, priority, retry_count, last_error, next_attempt_at`

// queueOrder is the drain order: priority desc, then enqueue time, then insertion.
const queueOrder = ` ORDER BY priority DESC, enqueued_at ASC, seq ASC`

func (s *SQLStore) InsertEntry(ctx context.Context, e *QueueEntry) error {
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO sync_queue (id, entity_type, entity_id, action, payload, enqueued_at, priority, retry_count, last_error, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityType, e.EntityID, e.Action, string(e.Payload), e.EnqueuedAt, e.Priority, e.RetryCount, nullString(e.LastError), e.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

func (s *SQLStore) ListDue(ctx context.Context, maxRetries int, now int64) ([]*QueueEntry, error) {
	return queryEntries(ctx, s.db.DB,
		`SELECT `+queueColumns+` FROM sync_queue WHERE retry_count < ? AND next_attempt_at <= ?`+queueOrder,
		maxRetries, now)
}

func (s *SQLStore) ListEntries(ctx context.Context) ([]*QueueEntry, error) {
	return queryEntries(ctx, s.db.DB, `SELECT `+queueColumns+` FROM sync_queue`+queueOrder)
}

func (s *SQLStore) GetEntry(ctx context.Context, id string) (*QueueEntry, error) {
	entries, err := queryEntries(ctx, s.db.DB, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	return entries[0], nil
}

func (s *SQLStore) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return expectRows(res, id)
}

func (s *SQLStore) DeleteEntriesForEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	var ids []string
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = queryIDs(ctx, tx, `SELECT id FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete queue entries for %s %s: %w", entityType, entityID, err)
	}
	return ids, nil
}

func (s *SQLStore) UpdateEntryFailure(ctx context.Context, id string, retryCount int, lastError string, nextAttemptAt int64) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		retryCount, nullString(lastError), nextAttemptAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record queue failure: %w", err)
	}
	return expectRows(res, id)
}

func (s *SQLStore) CountEntries(ctx context.Context, maxRetries int) (int, int, error) {
	var pending, exhausted int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN retry_count < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END), 0)
		 FROM sync_queue`,
		maxRetries, maxRetries,
	).Scan(&pending, &exhausted)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return pending, exhausted, nil
}

func (s *SQLStore) DeleteExhausted(ctx context.Context, maxRetries int) ([]string, error) {
	var ids []string
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = queryIDs(ctx, tx, `SELECT id FROM sync_queue WHERE retry_count >= ?`, maxRetries)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE retry_count >= ?`, maxRetries)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete exhausted entries: %w", err)
	}
	return ids, nil
}

func queryEntries(ctx context.Context, q database.DBTX, query string, args ...any) ([]*QueueEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var (
			e         QueueEntry
			payload   string
			lastError sql.NullString
		)
		err := rows.Scan(
			&e.ID,
			&e.Seq,
			&e.EntityType,
			&e.EntityID,
			&e.Action,
			&payload,
			&e.EnqueuedAt,
			&e.Priority,
			&e.RetryCount,
			&lastError,
			&e.NextAttemptAt,
		)
		if err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.LastError = lastError.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func queryIDs(ctx context.Context, q database.DBTX, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
