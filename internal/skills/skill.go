package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tier is a skill visibility scope.
type Tier string

const (
	TierGlobal  Tier = "global"
	TierUser    Tier = "user"
	TierSession Tier = "session"
)

// Skill is one skill definition. Definitions live on disk as a directory
// holding skill.json and an optional prompt.md; the tier is determined by
// which store the directory sits in, not by the definition itself.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Prompt      string `json:"prompt,omitempty"`
	Tier        Tier   `json:"tier,omitempty"`
}

// loadFromDir scans a tier directory for skill subdirectories. Each
// subdirectory should contain a skill.json file and optionally a prompt.md
// that overrides the prompt field. A missing tier directory yields an
// empty slice without error.
func loadFromDir(dir string, tier Tier) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", dir, err)
	}

	var out []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := loadSkillFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading skill %s: %w", entry.Name(), err)
		}
		if s != nil {
			s.Tier = tier
			out = append(out, s)
		}
	}
	return out, nil
}

func loadSkillFromSubdir(dir string) (*Skill, error) {
	jsonPath := filepath.Join(dir, "skill.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill.json: %w", err)
	}

	// Enabled defaults to true when skill.json omits it.
	raw := struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     *bool  `json:"enabled"`
	}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing skill.json in %s: %w", dir, err)
	}

	s := &Skill{Name: raw.Name, Description: raw.Description, Enabled: true}
	if raw.Enabled != nil {
		s.Enabled = *raw.Enabled
	}
	if s.Name == "" {
		s.Name = filepath.Base(dir)
	}

	// Optionally override prompt with prompt.md content.
	promptPath := filepath.Join(dir, "prompt.md")
	if promptData, err := os.ReadFile(promptPath); err == nil {
		s.Prompt = strings.TrimSpace(string(promptData))
	}

	return s, nil
}

// writeDefinition persists a skill.json into dir, creating it if needed.
func writeDefinition(dir string, s *Skill) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create skill dir: %w", err)
	}
	data, err := json.MarshalIndent(struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     bool   `json:"enabled"`
	}{s.Name, s.Description, s.Enabled}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal skill.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "skill.json"), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write skill.json: %w", err)
	}
	if s.Prompt != "" {
		if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(s.Prompt+"\n"), 0o644); err != nil {
			return fmt.Errorf("write prompt.md: %w", err)
		}
	}
	return nil
}
