package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrGroupNotFound is returned when a group id or destination has no row.
var ErrGroupNotFound = errors.New("group not found")

// RegisterGroup inserts a new group. Registering a second privileged group
// fails on the partial unique index.
func (s *Store) RegisterGroup(ctx context.Context, g Group) error {
	if g.ID == "" || g.ChatID == "" {
		return fmt.Errorf("group id and chat_id are required")
	}
	trigger := strings.ToLower(strings.TrimSpace(g.TriggerMode))
	if trigger == "" {
		trigger = "mention"
	}
	switch trigger {
	case "mention", "always":
	default:
		return fmt.Errorf("invalid trigger_mode %q", g.TriggerMode)
	}
	privileged := 0
	if g.Privileged {
		privileged = 1
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO groups (id, name, folder, chat_id, privileged, trigger_mode)
			VALUES (?, ?, ?, ?, ?, ?);
		`, g.ID, g.Name, g.Folder, g.ChatID, privileged, trigger)
		return err
	})
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.ID, err)
	}
	// Seed the cursor/session record so state reads never miss.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_state (group_id) VALUES (?)
		ON CONFLICT(group_id) DO NOTHING;
	`, g.ID)
	if err != nil {
		return fmt.Errorf("seed group state %s: %w", g.ID, err)
	}
	return nil
}

// GetGroup returns the group with the given id.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder, chat_id, privileged, trigger_mode, created_at
		FROM groups WHERE id = ?;
	`, id)
	return scanGroup(row)
}

// GroupByDestination returns the group owning the given transport destination.
func (s *Store) GroupByDestination(ctx context.Context, chatID string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder, chat_id, privileged, trigger_mode, created_at
		FROM groups WHERE chat_id = ?;
	`, chatID)
	return scanGroup(row)
}

// PrivilegedGroup returns the single privileged group, or ErrGroupNotFound
// if none is registered yet.
func (s *Store) PrivilegedGroup(ctx context.Context) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder, chat_id, privileged, trigger_mode, created_at
		FROM groups WHERE privileged = 1;
	`)
	return scanGroup(row)
}

// ListGroups returns all registered groups ordered by creation time.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, folder, chat_id, privileged, trigger_mode, created_at
		FROM groups ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var privileged int
		if err := rows.Scan(&g.ID, &g.Name, &g.Folder, &g.ChatID, &privileged, &g.TriggerMode, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Privileged = privileged == 1
		out = append(out, g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var privileged int
	var createdAt time.Time
	err := row.Scan(&g.ID, &g.Name, &g.Folder, &g.ChatID, &privileged, &g.TriggerMode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.Privileged = privileged == 1
	g.CreatedAt = createdAt
	return &g, nil
}
