// Package storage persists analysis results below the output root.
package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

const (
	MeasurementsFile  = "aggregations.csv"
	VisualizationFile = "vis.png"
)

// Writer stores each job's results in its own directory below root.
type Writer struct {
	root string
}

func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Write stores m as CSV and, when vis is non-empty, the visualization.
// dir is slash separated and relative to the output root.
func (w *Writer) Write(ctx context.Context, dir string, m domain.Measurements, vis []byte) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(m.Columns); err != nil {
		return nil, fmt.Errorf("encode measurements: %w", err)
	}
	if err := cw.WriteAll(m.Rows); err != nil {
		return nil, fmt.Errorf("encode measurements: %w", err)
	}

	csvPath := filepath.Join(target, MeasurementsFile)
	if err := writeAtomic(csvPath, buf.Bytes()); err != nil {
		return nil, err
	}
	written := []string{csvPath}

	if len(vis) > 0 {
		visPath := filepath.Join(target, VisualizationFile)
		if err := writeAtomic(visPath, vis); err != nil {
			return written, err
		}
		written = append(written, visPath)
	}
	return written, nil
}

// resolve keeps every job inside the output root.
func (w *Writer) resolve(dir string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(dir))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output dir %q escapes the output root", dir)
	}
	return filepath.Join(w.root, clean), nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
