// Package notify delivers file-change notifications per working directory,
// independent of session lifecycle.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChangeEvent describes one observed change under a working directory.
type ChangeEvent struct {
	WorkDir string    `json:"work_dir"`
	Path    string    `json:"path"` // relative to WorkDir
	Op      string    `json:"op"`   // "create", "write", "remove", "rename"
	Time    time.Time `json:"time"`
}

// Notifier is the file-change notification collaborator. Subscriptions are
// keyed by working directory and outlive any session bound to it.
type Notifier interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Subscribe(ctx context.Context, workDir string) <-chan ChangeEvent
	Close() error
}

const streamPrefix = "overseer:changes:"

// Bus is a Redis Streams backed Notifier.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus creates a Redis-backed notifier.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// streamKey hashes the working directory so arbitrary paths stay within
// Redis key conventions.
func streamKey(workDir string) string {
	sum := sha256.Sum256([]byte(workDir))
	return streamPrefix + hex.EncodeToString(sum[:16])
}

// Publish appends a change event to the workspace's stream.
func (b *Bus) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := streamKey(ev.WorkDir)
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 1024,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish change for %s: %w", ev.WorkDir, err)
	}
	b.logger.Debug("published change",
		zap.String("work_dir", ev.WorkDir), zap.String("path", ev.Path))
	return nil
}

// Subscribe listens for change events under a working directory. Cancel the
// context to stop; the returned channel is closed on return.
func (b *Bus) Subscribe(ctx context.Context, workDir string) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)
	stream := streamKey(workDir)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev ChangeEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
