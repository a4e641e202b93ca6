package skills

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound indicates the named skill is absent at the addressed tier.
var ErrNotFound = errors.New("skill not found")

// ErrConflict indicates the destination tier already holds the name.
var ErrConflict = errors.New("skill already exists at destination")

// sessionSkillsRel is where the session tier lives inside a workspace.
const sessionSkillsRel = ".overseer/skills"

// Store is the three-tier skill store. Global skills live in a single admin
// directory, user skills under a per-user root, session skills inside the
// session's workspace. Promote and demote move a definition between the
// session and user tiers atomically per moved name.
type Store struct {
	globalDir string
	usersRoot string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // (userID, name) → mutation lock

	logger *zap.Logger
}

// NewStore creates a Store rooted at the given global and per-user
// directories.
func NewStore(globalDir, usersRoot string, logger *zap.Logger) *Store {
	return &Store{
		globalDir: globalDir,
		usersRoot: usersRoot,
		locks:     make(map[string]*sync.Mutex),
		logger:    logger,
	}
}

// userDir returns the skill directory for one user's tier.
func (s *Store) userDir(userID string) string {
	return filepath.Join(s.usersRoot, userID, "skills")
}

// SessionDir returns the session-tier skill directory for a workspace.
func SessionDir(workDir string) string {
	return filepath.Join(workDir, sessionSkillsRel)
}

// keyLock returns the mutation lock for a (user, name) pair. Mutations for
// different keys proceed independently.
func (s *Store) keyLock(userID, name string) *sync.Mutex {
	key := userID + "\x00" + name
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// List enumerates the skills visible at a tier. Global ignores scopeKey;
// User is scoped by user id, Session by workspace path.
func (s *Store) List(tier Tier, scopeKey string) ([]*Skill, error) {
	switch tier {
	case TierGlobal:
		return loadFromDir(s.globalDir, TierGlobal)
	case TierUser:
		return loadFromDir(s.userDir(scopeKey), TierUser)
	case TierSession:
		return loadFromDir(SessionDir(scopeKey), TierSession)
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
}

// Visible returns the skills a session sees: the union of enabled global,
// user, and session skills. On a name collision the narrower tier wins:
// session over user over global.
func (s *Store) Visible(userID, workDir string) ([]*Skill, error) {
	byName := make(map[string]*Skill)
	for _, layer := range []struct {
		tier  Tier
		scope string
	}{
		{TierGlobal, ""},
		{TierUser, userID},
		{TierSession, workDir},
	} {
		if layer.tier == TierUser && userID == "" {
			continue
		}
		list, err := s.List(layer.tier, layer.scope)
		if err != nil {
			return nil, err
		}
		for _, sk := range list {
			if sk.Enabled {
				byName[sk.Name] = sk
			} else {
				delete(byName, sk.Name)
			}
		}
	}
	out := make([]*Skill, 0, len(byName))
	for _, sk := range byName {
		out = append(out, sk)
	}
	return out, nil
}

// Promote moves a skill from the session tier into the user's tier.
// Fails with ErrNotFound when the session store lacks the name and with
// ErrConflict when the user store already holds it; a failed destination
// write leaves the session tier untouched.
func (s *Store) Promote(userID, workDir, name string) error {
	l := s.keyLock(userID, name)
	l.Lock()
	defer l.Unlock()

	src := filepath.Join(SessionDir(workDir), name)
	dst := filepath.Join(s.userDir(userID), name)
	if err := s.move(src, dst); err != nil {
		return err
	}
	s.logger.Info("skill promoted",
		zap.String("skill", name), zap.String("user", userID))
	return nil
}

// Demote moves a skill from the user's tier into the session tier, with the
// mirrored NotFound/Conflict conditions.
func (s *Store) Demote(userID, workDir, name string) error {
	l := s.keyLock(userID, name)
	l.Lock()
	defer l.Unlock()

	src := filepath.Join(s.userDir(userID), name)
	dst := filepath.Join(SessionDir(workDir), name)
	if err := s.move(src, dst); err != nil {
		return err
	}
	s.logger.Info("skill demoted",
		zap.String("skill", name), zap.String("user", userID))
	return nil
}

// move relocates one skill directory. The definition is staged next to the
// destination and committed with a rename before the source is removed, so
// an external observer sees the skill in exactly one tier at any point.
func (s *Store) move(src, dst string) error {
	if _, err := os.Stat(filepath.Join(src, "skill.json")); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat source skill: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return ErrConflict
	}

	staging := dst + ".staging-" + uuid.New().String()
	if err := copyDir(src, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("stage skill copy: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("commit skill move: %w", err)
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("remove source skill: %w", err)
	}
	return nil
}

// Delete removes a skill from a user's store.
func (s *Store) Delete(userID, name string) error {
	l := s.keyLock(userID, name)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.userDir(userID), name)
	if _, err := os.Stat(filepath.Join(dir, "skill.json")); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat skill: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete skill: %w", err)
	}
	s.logger.Info("skill deleted",
		zap.String("skill", name), zap.String("user", userID))
	return nil
}

// SetEnabled toggles a global skill's availability without deleting its
// definition. Global tier only; user and session skills are toggled by
// editing their definitions directly.
func (s *Store) SetEnabled(name string, enabled bool) error {
	l := s.keyLock("", name)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.globalDir, name)
	sk, err := loadSkillFromSubdir(dir)
	if err != nil {
		return err
	}
	if sk == nil {
		return ErrNotFound
	}
	sk.Enabled = enabled
	if err := writeDefinition(dir, sk); err != nil {
		return err
	}
	return nil
}

// copyDir recursively copies a skill directory.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
