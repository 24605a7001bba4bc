// Package metrics exports run statistics in Prometheus textfile format for
// collection by node_exporter.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robocurse/robocurse/internal/logging"
)

// RunMetrics is the subset of run statistics exported as Prometheus metrics.
type RunMetrics struct {
	Hostname  string
	SessionID string

	StartTime time.Time
	Duration  time.Duration

	Profiles        int
	ChunksPlanned   int
	ChunksSkipped   int
	ChunksCompleted int
	ChunksFailed    int
	ExitCode        int
}

// TextfileExporter writes run metrics in Prometheus textfile format.
type TextfileExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewTextfileExporter creates an exporter using the provided directory.
func NewTextfileExporter(textfileDir string, logger *logging.Logger) *TextfileExporter {
	return &TextfileExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Export writes the metrics snapshot to robocurse.prom in textfileDir. The
// file is written to a temp path first and renamed so node_exporter never
// scrapes a partial file.
func (te *TextfileExporter) Export(m *RunMetrics) error {
	if te == nil || m == nil {
		return nil
	}

	if te.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}

	if err := os.MkdirAll(te.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", te.textfileDir, err)
	}

	tmpPath := filepath.Join(te.textfileDir, "robocurse.prom.tmp")
	finalPath := filepath.Join(te.textfileDir, "robocurse.prom")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file %s: %w", tmpPath, err)
	}
	defer f.Close()

	writeMetric := func(name, mtype, help, value string) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s %s\n", name, mtype)
		fmt.Fprintln(f, value)
	}

	writeMetric(
		"robocurse_run_start_time_seconds",
		"gauge",
		"Unix timestamp of replication run start",
		fmt.Sprintf("robocurse_run_start_time_seconds %.0f", float64(m.StartTime.Unix())),
	)
	writeMetric(
		"robocurse_run_duration_seconds",
		"gauge",
		"Duration of the replication run in seconds",
		fmt.Sprintf("robocurse_run_duration_seconds %.1f", m.Duration.Seconds()),
	)
	writeMetric(
		"robocurse_run_exit_code",
		"gauge",
		"Exit code of the replication run",
		fmt.Sprintf("robocurse_run_exit_code %d", m.ExitCode),
	)
	writeMetric(
		"robocurse_run_profiles",
		"gauge",
		"Number of profiles processed in the run",
		fmt.Sprintf("robocurse_run_profiles %d", m.Profiles),
	)
	writeMetric(
		"robocurse_chunks_planned_total",
		"gauge",
		"Chunks planned across all profiles",
		fmt.Sprintf("robocurse_chunks_planned_total %d", m.ChunksPlanned),
	)
	writeMetric(
		"robocurse_chunks_skipped_total",
		"gauge",
		"Chunks skipped via the resume checkpoint",
		fmt.Sprintf("robocurse_chunks_skipped_total %d", m.ChunksSkipped),
	)
	writeMetric(
		"robocurse_chunks_completed_total",
		"gauge",
		"Chunks copied successfully",
		fmt.Sprintf("robocurse_chunks_completed_total %d", m.ChunksCompleted),
	)
	writeMetric(
		"robocurse_chunks_failed_total",
		"gauge",
		"Chunks that permanently failed",
		fmt.Sprintf("robocurse_chunks_failed_total %d", m.ChunksFailed),
	)

	if err := f.Sync(); err != nil {
		te.logger.Warning("Failed to sync metrics file %s: %v", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("publish metrics file %s: %w", finalPath, err)
	}
	te.logger.Debug("Metrics exported to %s", finalPath)
	return nil
}
