// Package config loads and saves the daemon's ambient, user-level
// settings: where to put manifests, which debug/log toggles apply by
// default, and the port range the spawner's allocator should prefer.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Config holds user-level preferences stored in ~/.cortexd/config.json.
type Config struct {
	// DebugEnabled is stored and loaded with the rest of the file; nothing
	// in the module reads it, and obslog is switched on only by --debug or
	// the CORTEXD_DEBUG environment variables.
	DebugEnabled bool `json:"debug_enabled,omitempty"`

	// PortRangeMin/PortRangeMax bound the ephemeral range the port
	// allocator probes before falling back to its fixed list.
	PortRangeMin int `json:"port_range_min,omitempty"`
	PortRangeMax int `json:"port_range_max,omitempty"`

	// FallbackPorts is stored and loaded with the rest of the file; the
	// allocator does not read it and falls back to portutil.FallbackPorts.
	FallbackPorts []int `json:"fallback_ports,omitempty"`

	// MemoryServerOverride is an explicit path to the memory MCP server
	// binary the Memory RPC Client should spawn, bypassing npx discovery.
	// Empty means resolve npx normally.
	MemoryServerOverride string `json:"memory_server_override,omitempty"`

	// MemoryRetentionDays bounds how long entries survive in memory.jsonl
	// before a prune pass drops them.
	MemoryRetentionDays int `json:"memory_retention_days,omitempty"`

	// DefaultAgentKind is stored and loaded with the rest of the file;
	// nothing in the module reads it, so queuing a Background-Agent
	// without a kind does not fall back to it.
	DefaultAgentKind string `json:"default_agent_kind,omitempty"`
}

// Default returns the configuration used when no config.json exists yet.
func Default() Config {
	return Config{
		PortRangeMin:        60000,
		PortRangeMax:        61000,
		FallbackPorts:       []int{60001, 60002, 60003, 60999, 3001},
		DefaultAgentKind:    "explorer",
		MemoryRetentionDays: 90,
	}
}

// Dir returns the cortexd config directory (~/.cortexd), creating it if
// needed. Falls back to the OS temp directory if the home directory can't
// be resolved, matching the reference implementation's warn-and-continue
// behavior rather than failing outright.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".cortexd")
	os.MkdirAll(dir, 0755)
	return dir
}

// ManifestDir returns the directory compaction manifests are written to,
// creating it if needed. Grounded on the reference's per-OS HOME/APPDATA
// resolution, which in practice collapses to "home directory, or cwd on
// failure" since Go's os.UserHomeDir already does that branching.
func ManifestDir() string {
	dir := filepath.Join(Dir(), "manifests")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "."
	}
	return dir
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads ~/.cortexd/config.json, returning Default() if the file is
// absent.
func Load() (*Config, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			return &cfg, nil
		}
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to ~/.cortexd/config.json.
func Save(cfg *Config) error {
	if cfg == nil {
		defCfg := Default()
		cfg = &defCfg
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0644)
}
