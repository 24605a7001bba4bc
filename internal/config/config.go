// Package config loads and validates the robocurse configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/robocurse/robocurse/internal/types"
)

// ValidationError reports a bad profile/path/option combination. A run never
// starts while one of these is outstanding.
type ValidationError struct {
	Profile string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Profile == "" {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid profile %q: %s: %s", e.Profile, e.Field, e.Reason)
}

// Profile is a named source/destination pairing with its own options and
// snapshot settings.
type Profile struct {
	Name        string `yaml:"name"`
	Enabled     bool   `yaml:"enabled"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`

	// Chunk planning
	ScanMode      types.ScanMode `yaml:"scan_mode"`
	ChunkMaxDepth int            `yaml:"chunk_max_depth"`
	ChunkMaxFiles int            `yaml:"chunk_max_files"`
	ChunkMaxMB    int            `yaml:"chunk_max_mb"`

	// Copy-tool options
	Mirror       bool     `yaml:"mirror"`
	CopyThreads  int      `yaml:"copy_threads"`
	ExcludeDirs  []string `yaml:"exclude_dirs"`
	ExcludeFiles []string `yaml:"exclude_files"`
	ExtraFlags   []string `yaml:"extra_flags"`

	// Snapshot settings
	SnapshotSource     bool   `yaml:"snapshot_source"`
	SnapshotDest       bool   `yaml:"snapshot_destination"`
	SnapshotKeepSource int    `yaml:"snapshot_keep_source"`
	SnapshotKeepDest   int    `yaml:"snapshot_keep_destination"`
	SnapshotServer     string `yaml:"snapshot_server"` // empty = local
	SnapshotPersistent bool   `yaml:"snapshot_persistent"`
}

// SideEnabled reports whether snapshotting is enabled for the given side.
func (p *Profile) SideEnabled(side types.SnapshotSide) bool {
	switch side {
	case types.SideSource:
		return p.SnapshotSource
	case types.SideDestination:
		return p.SnapshotDest
	default:
		return false
	}
}

// KeepCount returns the configured retention count for the given side.
func (p *Profile) KeepCount(side types.SnapshotSide) int {
	switch side {
	case types.SideSource:
		return p.SnapshotKeepSource
	case types.SideDestination:
		return p.SnapshotKeepDest
	default:
		return 0
	}
}

// VolumeForSide returns the root path whose volume the side's snapshot covers.
func (p *Profile) VolumeForSide(side types.SnapshotSide) string {
	if side == types.SideDestination {
		return p.Destination
	}
	return p.Source
}

// Config contains the whole engine configuration.
type Config struct {
	// General settings
	LogLevel     string `yaml:"log_level"`
	UseColor     bool   `yaml:"use_color"`
	LogDir       string `yaml:"log_dir"`
	MetricsDir   string `yaml:"metrics_dir"`
	RegistryPath string `yaml:"snapshot_registry"`
	LockDir      string `yaml:"lock_dir"`

	// Scheduler settings
	WorkerCount        int `yaml:"workers"`
	MaxChunkAttempts   int `yaml:"max_chunk_attempts"`
	CopyTimeoutMinutes int `yaml:"copy_timeout_minutes"`

	Profiles []Profile `yaml:"profiles"`
}

const (
	defaultWorkerCount      = 2
	defaultMaxChunkAttempts = 3
	defaultCopyTimeoutMin   = 120
	defaultChunkMaxDepth    = 2
	defaultChunkMaxFiles    = 50000
	defaultChunkMaxMB       = 51200
)

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{UseColor: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaultWorkerCount
	}
	if c.MaxChunkAttempts <= 0 {
		c.MaxChunkAttempts = defaultMaxChunkAttempts
	}
	if c.CopyTimeoutMinutes <= 0 {
		c.CopyTimeoutMinutes = defaultCopyTimeoutMin
	}
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.ScanMode == "" {
			p.ScanMode = types.ScanModeFlat
		}
		if p.ChunkMaxDepth <= 0 {
			p.ChunkMaxDepth = defaultChunkMaxDepth
		}
		if p.ChunkMaxFiles <= 0 {
			p.ChunkMaxFiles = defaultChunkMaxFiles
		}
		if p.ChunkMaxMB <= 0 {
			p.ChunkMaxMB = defaultChunkMaxMB
		}
	}
}

// Validate checks the configuration shape. Path existence is verified later,
// during the profiling phase of a run.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Profiles {
		p := &c.Profiles[i]
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return &ValidationError{Field: "name", Reason: fmt.Sprintf("profile %d has no name", i)}
		}
		key := strings.ToLower(name)
		if seen[key] {
			return &ValidationError{Profile: name, Field: "name", Reason: "duplicate profile name"}
		}
		seen[key] = true

		if strings.TrimSpace(p.Source) == "" {
			return &ValidationError{Profile: name, Field: "source", Reason: "source path is empty"}
		}
		if strings.TrimSpace(p.Destination) == "" {
			return &ValidationError{Profile: name, Field: "destination", Reason: "destination path is empty"}
		}
		switch p.ScanMode {
		case types.ScanModeFlat, types.ScanModeSmart:
		default:
			return &ValidationError{Profile: name, Field: "scan_mode", Reason: fmt.Sprintf("unknown mode %q", p.ScanMode)}
		}
		if p.SnapshotSource && p.SnapshotKeepSource <= 0 {
			return &ValidationError{Profile: name, Field: "snapshot_keep_source", Reason: "must be > 0 when source snapshots are enabled"}
		}
		if p.SnapshotDest && p.SnapshotKeepDest <= 0 {
			return &ValidationError{Profile: name, Field: "snapshot_keep_destination", Reason: "must be > 0 when destination snapshots are enabled"}
		}
	}
	return nil
}

// SelectProfiles returns the profiles matching the requested names, in
// configuration order. An empty request selects every enabled profile;
// naming a profile explicitly selects it even when it is marked
// enabled: false, so disabled profiles can still be run on demand.
func (c *Config) SelectProfiles(names []string) ([]*Profile, error) {
	if len(names) == 0 {
		out := make([]*Profile, 0, len(c.Profiles))
		for i := range c.Profiles {
			if c.Profiles[i].Enabled {
				out = append(out, &c.Profiles[i])
			}
		}
		return out, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(strings.TrimSpace(n))] = true
	}

	out := make([]*Profile, 0, len(names))
	for i := range c.Profiles {
		if wanted[strings.ToLower(c.Profiles[i].Name)] {
			out = append(out, &c.Profiles[i])
			delete(wanted, strings.ToLower(c.Profiles[i].Name))
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for n := range wanted {
			missing = append(missing, n)
		}
		return nil, &ValidationError{Field: "profiles", Reason: fmt.Sprintf("unknown profile(s): %s", strings.Join(missing, ", "))}
	}
	return out, nil
}
