package robocopy

import (
	"fmt"
	"strconv"
)

// Options captures the profile settings that shape the tool's argument list.
type Options struct {
	Mirror       bool
	Threads      int
	ExcludeDirs  []string
	ExcludeFiles []string
	ExtraFlags   []string

	// TopOnly restricts the invocation to the directory's own files,
	// leaving subdirectories to their own chunks.
	TopOnly bool
}

// BuildArgs derives the copy-tool argument list for one chunk. Source,
// destination and log path are appended by the runner at start time; the
// engine never retries inside the tool, so the tool-level retry count is
// pinned to zero.
func BuildArgs(opts Options) []string {
	args := []string{}

	if opts.TopOnly {
		args = append(args, "/LEV:1")
	} else if opts.Mirror {
		args = append(args, "/MIR")
	} else {
		args = append(args, "/E")
	}

	if opts.Threads > 0 {
		args = append(args, "/MT:"+strconv.Itoa(opts.Threads))
	}

	// Retries are owned by the scheduler, not the tool.
	args = append(args, "/R:0", "/W:0")

	if len(opts.ExcludeDirs) > 0 {
		args = append(args, "/XD")
		args = append(args, opts.ExcludeDirs...)
	}
	if len(opts.ExcludeFiles) > 0 {
		args = append(args, "/XF")
		args = append(args, opts.ExcludeFiles...)
	}

	args = append(args, opts.ExtraFlags...)
	return args
}

// CommandLine assembles the full argument vector for one invocation.
func CommandLine(source, dest string, copyArgs []string, logPath string) []string {
	argv := make([]string, 0, len(copyArgs)+4)
	argv = append(argv, source, dest)
	argv = append(argv, copyArgs...)
	argv = append(argv, "/NP")
	if logPath != "" {
		argv = append(argv, fmt.Sprintf("/LOG:%s", logPath))
	}
	return argv
}
