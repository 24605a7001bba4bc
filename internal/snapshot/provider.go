// Package snapshot manages point-in-time volume snapshots: creation and
// enumeration through an injected provider, ownership bookkeeping in a
// persisted registry, and the retention policy that bounds how many
// engine-owned snapshots a volume accumulates.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/pkg/utils"
)

// ServerLocal is the ServerName for snapshots on this machine.
const ServerLocal = "Local"

// Snapshot represents a point-in-time copy of a volume.
type Snapshot struct {
	// ShadowID is the opaque handle assigned by the provider.
	ShadowID     string
	SourceVolume string
	CreatedAt    time.Time
	ServerName   string
}

// SnapshotError reports a failed provider operation. Sibling operations are
// not aborted by one of these.
type SnapshotError struct {
	Op       string // "create", "delete", "list"
	ShadowID string
	Volume   string
	Err      error
}

func (e *SnapshotError) Error() string {
	if e.ShadowID != "" {
		return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.ShadowID, e.Err)
	}
	return fmt.Sprintf("snapshot %s on %s: %v", e.Op, e.Volume, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Provider creates, enumerates and deletes volume snapshots.
type Provider interface {
	// List returns every snapshot currently present on the volume,
	// engine-owned or not.
	List(ctx context.Context, volume string) ([]Snapshot, error)

	// Create takes a new snapshot covering sourcePath. When skipTracking
	// is set the provider makes a persistent snapshot that the caller
	// will not register; such snapshots live outside ordinary retention.
	Create(ctx context.Context, sourcePath string, skipTracking bool) (*Snapshot, error)

	// Delete removes the snapshot with the given handle.
	Delete(ctx context.Context, shadowID string) error

	// Server names the host the provider operates on.
	Server() string
}

// CommandRunner executes the snapshot tooling (local shell or remote).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandProvider drives snapshot tooling through a CommandRunner. The
// same implementation serves local and remote volumes; the remote variant
// routes every command through the configured host.
type CommandProvider struct {
	runner CommandRunner
	server string
	logger *logging.Logger
}

// NewLocalProvider returns a provider for volumes on this machine.
func NewLocalProvider(logger *logging.Logger, runner CommandRunner) *CommandProvider {
	return &CommandProvider{runner: runner, server: ServerLocal, logger: logger}
}

// NewRemoteProvider returns a provider that manages snapshots on a remote host.
func NewRemoteProvider(logger *logging.Logger, runner CommandRunner, server string) *CommandProvider {
	server = strings.TrimSpace(server)
	if server == "" {
		server = ServerLocal
	}
	return &CommandProvider{runner: runner, server: server, logger: logger}
}

// ProviderForPath selects the local or remote variant from the path shape:
// UNC paths (\\server\share) and explicit servers go remote, everything
// else stays local.
func ProviderForPath(logger *logging.Logger, runner CommandRunner, path, server string) *CommandProvider {
	if server != "" {
		return NewRemoteProvider(logger, runner, server)
	}
	if host := uncHost(path); host != "" {
		return NewRemoteProvider(logger, runner, host)
	}
	return NewLocalProvider(logger, runner)
}

func uncHost(path string) string {
	path = strings.ReplaceAll(path, "/", `\`)
	if !strings.HasPrefix(path, `\\`) {
		return ""
	}
	rest := strings.TrimPrefix(path, `\\`)
	if i := strings.IndexByte(rest, '\\'); i > 0 {
		return rest[:i]
	}
	return rest
}

// Server returns the host name this provider manages.
func (p *CommandProvider) Server() string {
	return p.server
}

func (p *CommandProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	if p.server == ServerLocal {
		return p.runner.Run(ctx, "robocurse-shadow", args...)
	}
	remote := append([]string{p.server, "robocurse-shadow"}, args...)
	return p.runner.Run(ctx, "robocurse-remote", remote...)
}

// List enumerates all snapshots on the volume. Output is one snapshot per
// line: "<shadow-id>|<volume>|<rfc3339-created-at>".
func (p *CommandProvider) List(ctx context.Context, volume string) ([]Snapshot, error) {
	out, err := p.run(ctx, "list", volume)
	if err != nil {
		return nil, &SnapshotError{Op: "list", Volume: volume, Err: err}
	}

	var snaps []Snapshot
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			p.logger.Debug("Ignoring malformed snapshot list line: %q", line)
			continue
		}
		created, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[2]))
		if err != nil {
			p.logger.Debug("Ignoring snapshot %s with bad timestamp: %v", parts[0], err)
			continue
		}
		snaps = append(snaps, Snapshot{
			ShadowID:     strings.TrimSpace(parts[0]),
			SourceVolume: utils.NormalizeVolume(parts[1]),
			CreatedAt:    created,
			ServerName:   p.server,
		})
	}
	return snaps, nil
}

// Create takes a new snapshot of the volume holding sourcePath.
func (p *CommandProvider) Create(ctx context.Context, sourcePath string, skipTracking bool) (*Snapshot, error) {
	volume := VolumeOfPath(sourcePath)
	args := []string{"create", volume}
	if skipTracking {
		args = append(args, "--persistent")
	}

	out, err := p.run(ctx, args...)
	if err != nil {
		return nil, &SnapshotError{Op: "create", Volume: volume, Err: err}
	}

	shadowID := strings.TrimSpace(string(out))
	if shadowID == "" {
		return nil, &SnapshotError{Op: "create", Volume: volume, Err: fmt.Errorf("provider returned no shadow id")}
	}

	snap := &Snapshot{
		ShadowID:     shadowID,
		SourceVolume: volume,
		CreatedAt:    time.Now().UTC(),
		ServerName:   p.server,
	}
	p.logger.Debug("Created snapshot %s on %s (%s)", snap.ShadowID, snap.SourceVolume, p.server)
	return snap, nil
}

// Delete removes a snapshot by handle.
func (p *CommandProvider) Delete(ctx context.Context, shadowID string) error {
	if _, err := p.run(ctx, "delete", shadowID); err != nil {
		return &SnapshotError{Op: "delete", ShadowID: shadowID, Err: err}
	}
	p.logger.Debug("Deleted snapshot %s (%s)", shadowID, p.server)
	return nil
}

// VolumeOfPath extracts the volume identifier a path lives on. Windows-style
// drive letters and UNC shares become the volume; rootless paths fall back
// to the filesystem root.
func VolumeOfPath(path string) string {
	path = strings.TrimSpace(path)
	if vol := filepath.VolumeName(path); vol != "" {
		return utils.NormalizeVolume(vol)
	}
	if len(path) >= 2 && path[1] == ':' {
		return utils.NormalizeVolume(path[:2])
	}
	if host := uncHost(path); host != "" {
		return utils.NormalizeVolume(`\\` + host)
	}
	return "/"
}
