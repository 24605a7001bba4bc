package snapshot

import (
	"context"
	"sort"
	"strings"

	"github.com/robocurse/robocurse/internal/config"
	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/internal/types"
	"github.com/robocurse/robocurse/pkg/utils"
)

// RetentionResult summarizes one retention enforcement.
type RetentionResult struct {
	Deleted  int
	Kept     int
	External int
	Errors   []error
}

// EnforceOptions tune a retention run.
type EnforceOptions struct {
	// PreCreate targets keepCount-1, making room for the snapshot about
	// to be created so the volume nets back to exactly keepCount.
	PreCreate bool

	DryRun bool
}

// Policy enforces the per-volume snapshot retention rule: at most N
// registered snapshots, oldest deleted first, external snapshots untouched.
type Policy struct {
	logger   *logging.Logger
	registry *Registry
}

// NewPolicy creates a retention policy backed by the given registry.
func NewPolicy(logger *logging.Logger, registry *Registry) *Policy {
	return &Policy{logger: logger, registry: registry}
}

// Enforce applies the retention rule for one volume/side via the provider.
// Registered snapshots whose shadow no longer exists on the volume are
// dropped from the registry along the way; snapshots created with skip
// tracking were never registered and therefore bypass both the count and
// the cleanup.
func (p *Policy) Enforce(ctx context.Context, provider Provider, volume string, side types.SnapshotSide, keepCount int, opts EnforceOptions) RetentionResult {
	var result RetentionResult

	volume = utils.NormalizeVolume(volume)
	snaps, err := provider.List(ctx, volume)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	registered, external := p.partition(provider.Server(), volume, snaps)
	result.External = len(external)

	p.pruneOrphans(provider.Server(), volume, snaps, opts.DryRun)

	target := keepCount
	if opts.PreCreate {
		target--
	}
	if target < 0 {
		target = 0
	}

	// partition returns newest first (ties broken by shadow id);
	// deletion walks from the tail.
	if len(registered) <= target {
		result.Kept = len(registered)
		p.logger.Debug("Retention %s/%s: %d registered snapshot(s) within target %d (%d external ignored)",
			volume, side, len(registered), target, result.External)
		return result
	}

	toDelete := len(registered) - target
	p.logger.Info("Retention %s/%s: %d registered, target %d, deleting %d oldest (%d external ignored)",
		volume, side, len(registered), target, toDelete, result.External)

	for i := len(registered) - 1; i >= target; i-- {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}

		snap := registered[i]
		if opts.DryRun {
			p.logger.Info("[DRY RUN] Would delete snapshot %s (created %s)",
				snap.ShadowID, snap.CreatedAt.Format("2006-01-02 15:04:05"))
			result.Deleted++
			continue
		}

		if err := provider.Delete(ctx, snap.ShadowID); err != nil {
			p.logger.Warning("Failed to delete snapshot %s: %v", snap.ShadowID, err)
			result.Errors = append(result.Errors, err)
			continue
		}
		if err := p.registry.Unregister(snap.ServerName, snap.ShadowID); err != nil {
			p.logger.Warning("Snapshot %s deleted but not unregistered: %v", snap.ShadowID, err)
			result.Errors = append(result.Errors, err)
		}
		result.Deleted++
	}

	result.Kept = len(registered) - result.Deleted
	return result
}

// partition splits the volume's snapshots into engine-owned and external.
// Ties on creation time keep the ordering stable by shadow id.
func (p *Policy) partition(server, volume string, snaps []Snapshot) (registered, external []Snapshot) {
	entries, err := p.registry.Entries()
	if err != nil {
		// Unreadable registry means nothing can be proven owned; treat
		// everything as external rather than risk deleting a foreign
		// snapshot.
		p.logger.Warning("Snapshot registry unreadable, treating all snapshots as external: %v", err)
		return nil, snaps
	}

	owned := make(map[string]bool, len(entries))
	for _, e := range entries {
		owned[strings.ToLower(e.ServerName)+"\x00"+e.ShadowID] = true
	}

	for _, s := range snaps {
		if utils.NormalizeVolume(s.SourceVolume) != volume {
			continue
		}
		if owned[strings.ToLower(server)+"\x00"+s.ShadowID] {
			registered = append(registered, s)
		} else {
			external = append(external, s)
		}
	}

	sort.Slice(registered, func(i, j int) bool {
		if registered[i].CreatedAt.Equal(registered[j].CreatedAt) {
			return registered[i].ShadowID < registered[j].ShadowID
		}
		return registered[i].CreatedAt.After(registered[j].CreatedAt)
	})
	return registered, external
}

// pruneOrphans drops registry entries for this volume whose shadow no
// longer exists, keeping the registry consistent with the live set. In
// dry-run mode the would-be drops are reported and the registry stays
// untouched.
func (p *Policy) pruneOrphans(server, volume string, snaps []Snapshot, dryRun bool) {
	entries, err := p.registry.Entries()
	if err != nil {
		return
	}

	live := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		live[s.ShadowID] = true
	}

	for _, e := range entries {
		if !strings.EqualFold(e.ServerName, server) || utils.NormalizeVolume(e.Volume) != volume {
			continue
		}
		if live[e.ShadowID] {
			continue
		}
		if dryRun {
			p.logger.Info("[DRY RUN] Would drop orphaned registry entry %s (snapshot no longer present)", e.ShadowID)
			continue
		}
		p.logger.Debug("Dropping orphaned registry entry %s (snapshot no longer present)", e.ShadowID)
		if err := p.registry.Unregister(e.ServerName, e.ShadowID); err != nil {
			p.logger.Warning("Failed to drop orphaned registry entry %s: %v", e.ShadowID, err)
		}
	}
}

// EffectiveKeepCount computes the cross-profile retention target for a
// volume/side: the maximum configured keep across every profile whose
// matching snapshot side is enabled and targets the same volume. Profiles
// with the side disabled contribute nothing. Returns 0 when no profile
// covers the volume.
func EffectiveKeepCount(profiles []*config.Profile, volume string, side types.SnapshotSide) int {
	volume = utils.NormalizeVolume(volume)
	max := 0
	for _, p := range profiles {
		if !p.SideEnabled(side) {
			continue
		}
		if VolumeOfPath(p.VolumeForSide(side)) != volume {
			continue
		}
		if keep := p.KeepCount(side); keep > max {
			max = keep
		}
	}
	return max
}
