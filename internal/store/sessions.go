package store

import (
	"context"
	"fmt"
	"time"
)

// SessionRecord is the persisted trace of a session: enough to enumerate
// known workspaces across restarts. Live process state is never persisted.
type SessionRecord struct {
	ID        string    `json:"id"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// TouchSession upserts a session record, refreshing last_seen.
func (s *Store) TouchSession(ctx context.Context, id, workDir string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, work_dir, created_at, last_seen)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET last_seen = NOW()`,
		id, workDir,
	)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns every recorded session, most recently seen first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, work_dir, created_at, last_seen
		FROM sessions ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.WorkDir, &rec.CreatedAt, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
