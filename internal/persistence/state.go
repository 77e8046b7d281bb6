package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor returns the last-processed timestamp for a group.
// A group with no recorded cursor yields the zero time.
func (s *Store) GetCursor(ctx context.Context, groupID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor_ms FROM group_state WHERE group_id = ?;
	`, groupID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor %s: %w", groupID, err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// SetCursor records the last-processed timestamp for a group.
func (s *Store) SetCursor(ctx context.Context, groupID string, ts time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO group_state (group_id, cursor_ms, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(group_id) DO UPDATE SET
				cursor_ms = excluded.cursor_ms,
				updated_at = CURRENT_TIMESTAMP;
		`, groupID, ts.UnixMilli())
		if err != nil {
			return fmt.Errorf("set cursor %s: %w", groupID, err)
		}
		return nil
	})
}

// GetSession returns the active conversational session id for a group,
// or "" if the next worker invocation should start cold.
func (s *Store) GetSession(ctx context.Context, groupID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM group_state WHERE group_id = ?;
	`, groupID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", groupID, err)
	}
	return id, nil
}

// SetSession records the active session id for a group.
func (s *Store) SetSession(ctx context.Context, groupID, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO group_state (group_id, session_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(group_id) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = CURRENT_TIMESTAMP;
		`, groupID, sessionID)
		if err != nil {
			return fmt.Errorf("set session %s: %w", groupID, err)
		}
		return nil
	})
}

// SetCursorAndSession updates both fields in one transaction so a crash never
// observes a cursor without its paired session id.
func (s *Store) SetCursorAndSession(ctx context.Context, groupID string, ts time.Time, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin state tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_state (group_id, cursor_ms, session_id, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(group_id) DO UPDATE SET
				cursor_ms = excluded.cursor_ms,
				session_id = excluded.session_id,
				updated_at = CURRENT_TIMESTAMP;
		`, groupID, ts.UnixMilli(), sessionID); err != nil {
			return fmt.Errorf("update state %s: %w", groupID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit state tx: %w", err)
		}
		return nil
	})
}

// GetGroupState returns the full cursor/session record for a group.
func (s *Store) GetGroupState(ctx context.Context, groupID string) (*GroupState, error) {
	var st GroupState
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, cursor_ms, session_id, updated_at
		FROM group_state WHERE group_id = ?;
	`, groupID).Scan(&st.GroupID, &ms, &st.SessionID, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group state %s: %w", groupID, err)
	}
	if ms != 0 {
		st.Cursor = time.UnixMilli(ms)
	}
	return &st, nil
}
