// Package capability assembles the effective capability set of a session:
// the union of tools from connected tool-servers and tier-visible skills.
package capability

import (
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/skills"
	"github.com/nidhogg/overseer/internal/toolserver"
)

// Source satisfies session.CapabilitySource. Snapshots are computed on
// demand from the manager's live state and the skill store, never cached,
// so connection flaps and skill migrations are reflected immediately.
type Source struct {
	Manager *toolserver.Manager
	Skills  *skills.Store
}

// Snapshot returns the capability set for one dispatch.
func (s *Source) Snapshot(userID, workDir string) (session.Capabilities, error) {
	visible, err := s.Skills.Visible(userID, workDir)
	if err != nil {
		return session.Capabilities{}, err
	}
	return session.Capabilities{
		Tools:  s.Manager.AllTools(),
		Skills: visible,
	}, nil
}
