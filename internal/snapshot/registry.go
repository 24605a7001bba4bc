package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/pkg/utils"
)

const (
	registryEnvVar      = "ROBOCURSE_SNAPSHOT_REGISTRY"
	registryFallbackDir = "robocurse"
	registryFileName    = "snapshot-registry.json"
)

// RegistryEntry records one snapshot this installation created. Only
// snapshots present here are ever deletion candidates for retention;
// everything else on the volume is external.
type RegistryEntry struct {
	ShadowID   string    `json:"shadow_id"`
	Volume     string    `json:"volume"`
	ServerName string    `json:"server_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry is the persisted set of engine-owned snapshots, stored as a flat
// JSON file next to the main configuration. Access is guarded by a file
// lock so concurrent runs on the same installation stay consistent.
type Registry struct {
	registryPath string
	lockPath     string
	logger       *logging.Logger
	mu           sync.Mutex
}

// NewRegistry initializes a registry at the given path.
func NewRegistry(logger *logging.Logger, registryPath string) (*Registry, error) {
	if registryPath == "" {
		return nil, fmt.Errorf("registry path cannot be empty")
	}

	dir := filepath.Dir(registryPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	return &Registry{
		registryPath: registryPath,
		lockPath:     registryPath + ".lock",
		logger:       logger,
	}, nil
}

// ResolveRegistryPath picks the registry location: explicit config value,
// then environment override, then a per-user fallback under the temp dir.
func ResolveRegistryPath(configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	if custom := os.Getenv(registryEnvVar); strings.TrimSpace(custom) != "" {
		return custom
	}
	fallback := filepath.Join(os.TempDir(), registryFallbackDir, registryFileName)
	_ = os.MkdirAll(filepath.Dir(fallback), 0o755)
	return fallback
}

// Register stores a snapshot as engine-owned. Re-registering the same
// shadow replaces the previous entry.
func (r *Registry) Register(snap *Snapshot) error {
	return r.updateEntries(func(entries []RegistryEntry) ([]RegistryEntry, error) {
		filtered := make([]RegistryEntry, 0, len(entries)+1)
		for _, entry := range entries {
			if !sameSnapshot(entry, snap.ServerName, snap.ShadowID) {
				filtered = append(filtered, entry)
			}
		}

		filtered = append(filtered, RegistryEntry{
			ShadowID:   snap.ShadowID,
			Volume:     utils.NormalizeVolume(snap.SourceVolume),
			ServerName: snap.ServerName,
			CreatedAt:  snap.CreatedAt.UTC(),
		})
		return filtered, nil
	})
}

// Unregister removes a snapshot from the owned set.
func (r *Registry) Unregister(serverName, shadowID string) error {
	return r.updateEntries(func(entries []RegistryEntry) ([]RegistryEntry, error) {
		changed := false
		filtered := make([]RegistryEntry, 0, len(entries))
		for _, entry := range entries {
			if sameSnapshot(entry, serverName, shadowID) {
				changed = true
				continue
			}
			filtered = append(filtered, entry)
		}
		if !changed {
			return entries, nil
		}
		return filtered, nil
	})
}

// Entries returns the current registry content.
func (r *Registry) Entries() ([]RegistryEntry, error) {
	var out []RegistryEntry
	err := r.withLock(func(entries []RegistryEntry) ([]RegistryEntry, error) {
		out = append(out, entries...)
		return entries, nil
	})
	return out, err
}

// Contains reports whether the snapshot is engine-owned.
func (r *Registry) Contains(serverName, shadowID string) (bool, error) {
	found := false
	err := r.withLock(func(entries []RegistryEntry) ([]RegistryEntry, error) {
		for _, entry := range entries {
			if sameSnapshot(entry, serverName, shadowID) {
				found = true
				break
			}
		}
		return entries, nil
	})
	return found, err
}

func sameSnapshot(entry RegistryEntry, serverName, shadowID string) bool {
	return strings.EqualFold(entry.ServerName, serverName) && entry.ShadowID == shadowID
}

func (r *Registry) updateEntries(mutator func([]RegistryEntry) ([]RegistryEntry, error)) error {
	return r.withLock(mutator)
}

func (r *Registry) withLock(mutator func([]RegistryEntry) ([]RegistryEntry, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lockFile, err := os.OpenFile(r.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open registry lock: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock registry: %w", err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	entries, err := r.loadEntries()
	if err != nil {
		return err
	}

	modifiedEntries, err := mutator(entries)
	if err != nil {
		return err
	}

	return r.saveEntries(modifiedEntries)
}

func (r *Registry) loadEntries() ([]RegistryEntry, error) {
	data, err := os.ReadFile(r.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []RegistryEntry{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	if len(data) == 0 {
		return []RegistryEntry{}, nil
	}

	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return entries, nil
}

func (r *Registry) saveEntries(entries []RegistryEntry) error {
	content, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmpPath := r.registryPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o640); err != nil {
		return fmt.Errorf("write temp registry: %w", err)
	}
	return os.Rename(tmpPath, r.registryPath)
}
