package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Agent       AgentConfig       `json:"agent"`
	Skills      SkillsConfig      `json:"skills"`
	Workspaces  WorkspacesConfig  `json:"workspaces"`
	Auth        AuthConfig        `json:"auth"`
	ToolServers ToolServersConfig `json:"tool_servers"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// AgentConfig describes how to launch the agent subprocess for a session.
type AgentConfig struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

// SkillsConfig locates the global and per-user skill stores. The session
// tier lives inside each workspace and needs no configuration here.
type SkillsConfig struct {
	GlobalDir string `json:"global_dir"`
	UsersRoot string `json:"users_root"`
}

// WorkspacesConfig locates the root directory under which every session
// workspace is created.
type WorkspacesConfig struct {
	Root string `json:"root"`
}

// AuthConfig maps bearer tokens to user ids. Intended for deployments where
// a real identity provider is not wired in.
type AuthConfig struct {
	Tokens map[string]string `json:"tokens"`
}

// ToolServersConfig controls the connection manager's reconcile loop.
type ToolServersConfig struct {
	ReconcileSeconds int `json:"reconcile_seconds"`
}

// ReconcileInterval returns the reconcile loop period, defaulting to 30s.
func (c ToolServersConfig) ReconcileInterval() time.Duration {
	if c.ReconcileSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReconcileSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
