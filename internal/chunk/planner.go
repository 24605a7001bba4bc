package chunk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/robocurse/robocurse/internal/config"
	"github.com/robocurse/robocurse/internal/logging"
	"github.com/robocurse/robocurse/internal/robocopy"
	"github.com/robocurse/robocurse/internal/types"
)

// Planner walks a profile's source tree and partitions it into chunks.
// Every path under the source root lands in exactly one chunk.
type Planner struct {
	logger *logging.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger *logging.Logger) *Planner {
	return &Planner{logger: logger}
}

type dirStats struct {
	files int
	bytes int64
}

// Plan produces the ordered chunk sequence for a profile. Unreadable
// subdirectories are skipped and reported as warnings; an empty source tree
// yields zero chunks and no error.
func (p *Planner) Plan(ctx context.Context, profile *config.Profile) ([]Chunk, []Warning, error) {
	root := filepath.Clean(profile.Source)
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, fmt.Errorf("stat source %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("source %s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read source %s: %w", root, err)
	}
	if len(entries) == 0 {
		p.logger.Debug("Source %s is empty, nothing to plan", root)
		return nil, nil, nil
	}

	var warnings []Warning

	if profile.ScanMode == types.ScanModeFlat {
		st := p.measure(root, &warnings)
		chunks := []Chunk{p.subtreeChunk(profile, root, 0, st)}
		p.logPlan(profile, chunks, warnings)
		return chunks, warnings, nil
	}

	memo := make(map[string]dirStats)
	p.measureInto(root, memo, &warnings)

	var chunks []Chunk
	if err := p.planDir(ctx, profile, root, 0, memo, &chunks, &warnings); err != nil {
		return nil, warnings, err
	}
	p.logPlan(profile, chunks, warnings)
	return chunks, warnings, nil
}

func (p *Planner) planDir(ctx context.Context, profile *config.Profile, dir string, depth int, memo map[string]dirStats, chunks *[]Chunk, warnings *[]Warning) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := memo[dir]
	maxBytes := int64(profile.ChunkMaxMB) * 1024 * 1024
	fits := st.files <= profile.ChunkMaxFiles && st.bytes <= maxBytes

	entries, err := os.ReadDir(dir)
	if err != nil {
		*warnings = append(*warnings, Warning{Path: dir, Err: err})
		return nil
	}

	subdirs := make([]string, 0, len(entries))
	looseFiles := 0
	var looseBytes int64
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, filepath.Join(dir, e.Name()))
			continue
		}
		looseFiles++
		if fi, err := e.Info(); err == nil {
			looseBytes += fi.Size()
		}
	}
	sort.Strings(subdirs)

	// Stop splitting once the subtree fits the budget, the depth bound is
	// reached, or there is nothing left to split.
	if fits || depth >= profile.ChunkMaxDepth || len(subdirs) == 0 {
		*chunks = append(*chunks, p.subtreeChunk(profile, dir, depth, st))
		return nil
	}

	// The directory's own files become a non-recursive chunk so that the
	// subdirectory chunks stay disjoint from it.
	if looseFiles > 0 {
		*chunks = append(*chunks, p.topOnlyChunk(profile, dir, looseFiles, looseBytes))
	}

	for _, sub := range subdirs {
		if err := p.planDir(ctx, profile, sub, depth+1, memo, chunks, warnings); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) subtreeChunk(profile *config.Profile, dir string, depth int, st dirStats) Chunk {
	args := robocopy.BuildArgs(robocopy.Options{
		Mirror:       profile.Mirror,
		Threads:      profile.CopyThreads,
		ExcludeDirs:  profile.ExcludeDirs,
		ExcludeFiles: profile.ExcludeFiles,
		ExtraFlags:   profile.ExtraFlags,
	})
	return Chunk{
		SourcePath: dir,
		DestPath:   p.destFor(profile, dir),
		CopyArgs:   args,
		EstFiles:   st.files,
		EstBytes:   st.bytes,
	}
}

func (p *Planner) topOnlyChunk(profile *config.Profile, dir string, files int, bytes int64) Chunk {
	args := robocopy.BuildArgs(robocopy.Options{
		Threads:      profile.CopyThreads,
		ExcludeDirs:  profile.ExcludeDirs,
		ExcludeFiles: profile.ExcludeFiles,
		ExtraFlags:   profile.ExtraFlags,
		TopOnly:      true,
	})
	return Chunk{
		SourcePath: dir,
		DestPath:   p.destFor(profile, dir),
		CopyArgs:   args,
		EstFiles:   files,
		EstBytes:   bytes,
	}
}

func (p *Planner) destFor(profile *config.Profile, dir string) string {
	rel, err := filepath.Rel(filepath.Clean(profile.Source), dir)
	if err != nil || rel == "." {
		return filepath.Clean(profile.Destination)
	}
	return filepath.Join(profile.Destination, rel)
}

// measure walks a subtree once and returns its totals.
func (p *Planner) measure(dir string, warnings *[]Warning) dirStats {
	memo := make(map[string]dirStats)
	return p.measureInto(dir, memo, warnings)
}

// measureInto computes recursive totals for dir and every directory below
// it, recording unreadable directories as warnings instead of failing.
func (p *Planner) measureInto(dir string, memo map[string]dirStats, warnings *[]Warning) dirStats {
	entries, err := os.ReadDir(dir)
	if err != nil {
		*warnings = append(*warnings, Warning{Path: dir, Err: err})
		memo[dir] = dirStats{}
		return dirStats{}
	}

	var st dirStats
	for _, e := range entries {
		if e.IsDir() {
			sub := p.measureInto(filepath.Join(dir, e.Name()), memo, warnings)
			st.files += sub.files
			st.bytes += sub.bytes
			continue
		}
		st.files++
		if fi, err := e.Info(); err == nil {
			st.bytes += fi.Size()
		}
	}
	memo[dir] = st
	return st
}

// logPlan assigns final sequence IDs and logs the plan summary.
func (p *Planner) logPlan(profile *config.Profile, chunks []Chunk, warnings []Warning) {
	var totalFiles int
	var totalBytes int64
	for i := range chunks {
		chunks[i].ID = i
		totalFiles += chunks[i].EstFiles
		totalBytes += chunks[i].EstBytes
	}
	p.logger.Info("Profile %s: planned %d chunk(s), ~%d files, ~%s",
		profile.Name, len(chunks), totalFiles, humanize.IBytes(uint64(totalBytes)))
	for _, w := range warnings {
		p.logger.Warning("Planner skipped %s: %v", w.Path, w.Err)
	}
}
