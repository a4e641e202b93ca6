package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidhogg/overseer/internal/toolserver"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// CreateToolServer inserts a new tool-server config. Returns ErrConflict
// when the name is taken.
func (s *Store) CreateToolServer(ctx context.Context, cfg toolserver.ServerConfig) error {
	command, env, headers, err := marshalToolServerFields(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tool_servers (name, transport, command, env, url, headers, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		cfg.Name, cfg.Transport, command, env, cfg.URL, headers, cfg.Enabled,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("tool-server %s: %w", cfg.Name, ErrConflict)
		}
		return fmt.Errorf("create tool-server %s: %w", cfg.Name, err)
	}
	return nil
}

// UpdateToolServer replaces every field of a config except its name.
func (s *Store) UpdateToolServer(ctx context.Context, cfg toolserver.ServerConfig) error {
	command, env, headers, err := marshalToolServerFields(cfg)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE tool_servers
		SET transport = $2, command = $3, env = $4, url = $5, headers = $6, enabled = $7
		WHERE name = $1`,
		cfg.Name, cfg.Transport, command, env, cfg.URL, headers, cfg.Enabled,
	)
	if err != nil {
		return fmt.Errorf("update tool-server %s: %w", cfg.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tool-server %s: %w", cfg.Name, ErrNotFound)
	}
	return nil
}

// SetToolServerEnabled flips a config's enabled flag in place.
func (s *Store) SetToolServerEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tool_servers SET enabled = $2 WHERE name = $1`, name, enabled)
	if err != nil {
		return fmt.Errorf("set tool-server %s enabled: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tool-server %s: %w", name, ErrNotFound)
	}
	return nil
}

// GetToolServer retrieves one config by name.
func (s *Store) GetToolServer(ctx context.Context, name string) (toolserver.ServerConfig, error) {
	row := s.db.QueryRow(ctx, `
		SELECT name, transport, command, env, url, headers, enabled, created_at
		FROM tool_servers WHERE name = $1`, name)
	cfg, err := scanToolServer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return toolserver.ServerConfig{}, fmt.Errorf("tool-server %s: %w", name, ErrNotFound)
	}
	return cfg, err
}

// ListToolServers returns every persisted config, ordered by creation time.
func (s *Store) ListToolServers(ctx context.Context) ([]toolserver.ServerConfig, error) {
	return s.queryToolServers(ctx, `
		SELECT name, transport, command, env, url, headers, enabled, created_at
		FROM tool_servers ORDER BY created_at`)
}

// ListEnabledToolServers returns the enabled configs the connection manager
// reconciles against. Satisfies toolserver.ConfigSource.
func (s *Store) ListEnabledToolServers(ctx context.Context) ([]toolserver.ServerConfig, error) {
	return s.queryToolServers(ctx, `
		SELECT name, transport, command, env, url, headers, enabled, created_at
		FROM tool_servers WHERE enabled ORDER BY created_at`)
}

// DeleteToolServer removes a config by name.
func (s *Store) DeleteToolServer(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tool_servers WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete tool-server %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tool-server %s: %w", name, ErrNotFound)
	}
	return nil
}

func (s *Store) queryToolServers(ctx context.Context, query string) ([]toolserver.ServerConfig, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tool-servers: %w", err)
	}
	defer rows.Close()

	var out []toolserver.ServerConfig
	for rows.Next() {
		cfg, err := scanToolServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool-server: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func marshalToolServerFields(cfg toolserver.ServerConfig) (command, env, headers []byte, err error) {
	if command, err = json.Marshal(cfg.Command); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal command: %w", err)
	}
	if env, err = json.Marshal(cfg.Env); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal env: %w", err)
	}
	if headers, err = json.Marshal(cfg.Headers); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal headers: %w", err)
	}
	return command, env, headers, nil
}

func scanToolServer(row pgx.Row) (toolserver.ServerConfig, error) {
	var cfg toolserver.ServerConfig
	var command, env, headers []byte
	var created time.Time
	if err := row.Scan(&cfg.Name, &cfg.Transport, &command, &env, &cfg.URL, &headers, &cfg.Enabled, &created); err != nil {
		return cfg, err
	}
	cfg.CreatedAt = created
	json.Unmarshal(command, &cfg.Command)
	json.Unmarshal(env, &cfg.Env)
	json.Unmarshal(headers, &cfg.Headers)
	return cfg, nil
}
