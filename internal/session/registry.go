package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Registry is the process-wide table of live sessions. Sessions are created
// on first reference to an id and survive subscriber disconnects; only
// Dispose removes them.
type Registry struct {
	workRoot string
	start    StartFunc
	caps     CapabilitySource
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// registryEntry guards against duplicate concurrent creation: the first
// caller for an id runs the creation, everyone else waits on the same Once.
type registryEntry struct {
	once sync.Once
	sess *Session
	err  error
}

// NewRegistry creates a registry. Every session's working directory is the
// registry's workspace root joined with the session id; this one mapping is
// used for streaming and skill scoping alike.
func NewRegistry(workRoot string, start StartFunc, caps CapabilitySource, logger *zap.Logger) *Registry {
	return &Registry{
		workRoot: workRoot,
		start:    start,
		caps:     caps,
		logger:   logger,
		entries:  make(map[string]*registryEntry),
	}
}

// WorkDir returns the canonical working directory for a session id.
func (r *Registry) WorkDir(id string) string {
	return filepath.Join(r.workRoot, id)
}

// GetOrCreate returns the live session for id, creating it if absent. Two
// concurrent calls for the same new id yield the same session. A failed
// creation is not cached; the next call retries.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		entry = &registryEntry{}
		r.entries[id] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		workDir := r.WorkDir(id)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			entry.err = fmt.Errorf("create workspace: %w", err)
			return
		}
		sess, err := New(id, workDir, r.start, r.caps, r.logger)
		if err != nil {
			entry.err = err
			return
		}
		entry.sess = sess
	})

	if entry.err != nil {
		r.mu.Lock()
		if r.entries[id] == entry {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		return nil, entry.err
	}
	return entry.sess, nil
}

// Get returns the live session for id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.sess == nil {
		return nil, false
	}
	return entry.sess, true
}

// Dispose tears down the session for id and removes it from the registry.
// No-op for an unknown id.
func (r *Registry) Dispose(id string) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if ok && entry.sess != nil {
		entry.sess.Dispose()
	}
}

// List returns every live session.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.sess != nil {
			out = append(out, entry.sess)
		}
	}
	return out
}

// LiveWorkDirs returns the working directory of every live session. Used to
// resynchronize per-workspace artifacts after registry mutations.
func (r *Registry) LiveWorkDirs() []string {
	sessions := r.List()
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.WorkDir)
	}
	return out
}

// Close disposes every live session.
func (r *Registry) Close() {
	for _, s := range r.List() {
		s.Dispose()
	}
}
