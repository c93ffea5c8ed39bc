package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *SQLStore) GetSyncState(ctx context.Context, entityType string) (*SyncState, error) {
	query := `SELECT entity_type, last_sync_time, status, error_message, updated_at
			  FROM sync_state WHERE entity_type = ?`

	row := s.db.DB.QueryRowContext(ctx, query, entityType)

	var (
		state    SyncState
		lastSync sql.NullInt64
		errMsg   sql.NullString
	)
	err := row.Scan(
		&state.EntityType,
		&lastSync,
		&state.Status,
		&errMsg,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	state.LastSyncTime = lastSync.Int64
	state.ErrorMessage = errMsg.String
	return &state, nil
}

func (s *SQLStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	state.UpdatedAt = s.nowMillis()
	lastSync := sql.NullInt64{Int64: state.LastSyncTime, Valid: state.LastSyncTime > 0}

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_state SET last_sync_time = ?, status = ?, error_message = ?, updated_at = ? WHERE entity_type = ?`,
			lastSync, state.Status, nullString(state.ErrorMessage), state.UpdatedAt, state.EntityType)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_state (entity_type, last_sync_time, status, error_message, updated_at) VALUES (?, ?, ?, ?, ?)`,
			state.EntityType, lastSync, state.Status, nullString(state.ErrorMessage), state.UpdatedAt)
		return err
	})
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, entity_type, entity_id, local_timestamp, remote_timestamp, resolution, trigger_kind, remote_data, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		conflict.ID,
		conflict.EntityType,
		conflict.EntityID,
		conflict.LocalTimestamp,
		conflict.RemoteTimestamp,
		conflict.Resolution,
		conflict.Trigger,
		string(conflict.RemoteData),
		conflict.ResolvedAt,
	)

	return err
}

func (s *SQLStore) ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error) {
	query := `SELECT id, entity_type, entity_id, local_timestamp, remote_timestamp, resolution, trigger_kind, remote_data, resolved_at
			  FROM conflicts ORDER BY resolved_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		var (
			c    Conflict
			data string
		)
		err := rows.Scan(
			&c.ID,
			&c.EntityType,
			&c.EntityID,
			&c.LocalTimestamp,
			&c.RemoteTimestamp,
			&c.Resolution,
			&c.Trigger,
			&data,
			&c.ResolvedAt,
		)
		if err != nil {
			return nil, err
		}
		c.RemoteData = []byte(data)
		conflicts = append(conflicts, &c)
	}

	return conflicts, rows.Err()
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, processed, succeeded, failed, conflicts, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.ID,
		history.StartedAt,
		nullInt64(history.CompletedAt),
		history.Processed,
		history.Succeeded,
		history.Failed,
		history.Conflicts,
		history.Status,
		nullString(history.ErrorMessage),
	)

	return err
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, processed = ?, succeeded = ?, failed = ?, conflicts = ?, status = ?, error_message = ? WHERE id = ?`

	res, err := s.db.DB.ExecContext(ctx, query,
		nullInt64(history.CompletedAt),
		history.Processed,
		history.Succeeded,
		history.Failed,
		history.Conflicts,
		history.Status,
		nullString(history.ErrorMessage),
		history.ID,
	)
	if err != nil {
		return err
	}

	return expectRows(res, history.ID)
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, processed, succeeded, failed, conflicts, status, error_message
			  FROM sync_history ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h           SyncHistory
			completedAt sql.NullInt64
			errMsg      sql.NullString
		)
		err := rows.Scan(
			&h.ID,
			&h.StartedAt,
			&completedAt,
			&h.Processed,
			&h.Succeeded,
			&h.Failed,
			&h.Conflicts,
			&h.Status,
			&errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		h.CompletedAt = completedAt.Int64
		h.ErrorMessage = errMsg.String
		history = append(history, &h)
	}

	return history, rows.Err()
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
