// Package workspace covers the per-session working directory: safe path
// resolution and the configuration artifacts the agent process reads at
// startup.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/toolserver"
)

// ErrTraversal indicates a user-supplied path escapes its workspace.
var ErrTraversal = errors.New("path escapes workspace")

// Sanitize joins a user-relative path onto base and rejects traversal
// outside it. Must be applied before any skill- or workspace-driven file
// access.
func Sanitize(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrTraversal, rel)
	}
	joined := filepath.Join(base, rel)
	back, err := filepath.Rel(base, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrTraversal, rel)
	}
	return joined, nil
}

// artifactRel is where the tool-server artifact lives inside a workspace.
const artifactRel = ".overseer/toolservers.json"

// ArtifactPath returns the tool-server artifact path for a workspace.
func ArtifactPath(workDir string) string {
	return filepath.Join(workDir, filepath.FromSlash(artifactRel))
}

// Syncer regenerates the per-workspace tool-server artifact the agent
// process consumes at session start. It must run for every live workspace
// whenever the tool-server registry changes.
type Syncer struct {
	source   toolserver.ConfigSource
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewSyncer creates a Syncer reading configs from source. A nil notifier
// disables change publication.
func NewSyncer(source toolserver.ConfigSource, notifier notify.Notifier, logger *zap.Logger) *Syncer {
	return &Syncer{source: source, notifier: notifier, logger: logger}
}

// Sync rewrites the artifact for one workspace. The write is staged and
// committed with a rename so the agent never reads a partial file.
func (s *Syncer) Sync(ctx context.Context, workDir string) error {
	configs, err := s.source.ListEnabledToolServers(ctx)
	if err != nil {
		return fmt.Errorf("list tool-servers: %w", err)
	}
	if configs == nil {
		configs = []toolserver.ServerConfig{}
	}

	path := ArtifactPath(workDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	data, err := json.MarshalIndent(struct {
		ToolServers []toolserver.ServerConfig `json:"tool_servers"`
	}{configs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit artifact: %w", err)
	}

	if s.notifier != nil {
		ev := notify.ChangeEvent{WorkDir: workDir, Path: artifactRel, Op: "write"}
		if err := s.notifier.Publish(ctx, ev); err != nil {
			// The artifact is committed; a lost notification is tolerable.
			s.logger.Warn("change publish failed",
				zap.String("work_dir", workDir), zap.Error(err))
		}
	}
	return nil
}

// SyncAll rewrites the artifact for every given workspace, continuing past
// individual failures.
func (s *Syncer) SyncAll(ctx context.Context, workDirs []string) {
	for _, dir := range workDirs {
		if err := s.Sync(ctx, dir); err != nil {
			s.logger.Warn("artifact sync failed",
				zap.String("work_dir", dir), zap.Error(err))
		}
	}
}
