// Package analysis adapts external image analyzers to ports.Analyzer. The
// analyzer contract is the same whether it runs as a local command or in a
// container: the input path is the last argument, options arrive as
// AGG_OPT_<NAME> variables, the measurements table is CSV on stdout and
// diagnostics are LEVEL:name:message lines on stderr. With AGG_MODE=render
// the analyzer writes a PNG visualization to stdout instead.
package analysis

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/logger"
)

const (
	envMode         = "AGG_MODE"
	modeAnalyze     = "analyze"
	modeRender      = "render"
	optionEnvPrefix = "AGG_OPT_"
)

var (
	ErrNoMeasurements = errors.New("analyzer produced no measurements")
	ErrNotPNG         = errors.New("analyzer did not produce a PNG image")

	pngSignature = []byte("\x89PNG\r\n\x1a\n")
)

func parseMeasurements(r io.Reader) (domain.Measurements, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return domain.Measurements{}, fmt.Errorf("parse measurements: %w", err)
	}
	if len(records) == 0 {
		return domain.Measurements{}, ErrNoMeasurements
	}
	return domain.Measurements{Columns: records[0], Rows: records[1:]}, nil
}

func checkPNG(b []byte) ([]byte, error) {
	if !bytes.HasPrefix(b, pngSignature) {
		return nil, ErrNotPNG
	}
	return b, nil
}

// optionEnv renders options as sorted AGG_OPT_<NAME>=value pairs.
func optionEnv(mode string, options map[string]string) []string {
	env := []string{envMode + "=" + mode}
	for _, k := range slices.Sorted(maps.Keys(options)) {
		env = append(env, optionEnvPrefix+strings.ToUpper(k)+"="+options[k])
	}
	return env
}

// diagnostics turns analyzer stderr into log records on the job logger
// and remembers the last line for error messages.
type diagnostics struct {
	ctx context.Context
	log *slog.Logger

	mu   sync.Mutex
	buf  []byte
	last string
}

func newDiagnostics(ctx context.Context) *diagnostics {
	return &diagnostics{ctx: ctx, log: logger.FromContext(ctx, nil)}
}

func (d *diagnostics) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, p...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		d.line(string(d.buf[:i]))
		d.buf = d.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (d *diagnostics) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) > 0 {
		d.line(string(d.buf))
		d.buf = nil
	}
}

func (d *diagnostics) line(s string) {
	s = strings.TrimRight(s, "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	level, source, msg, ok := logger.ParseLine(s)
	if !ok {
		d.log.Log(d.ctx, slog.LevelWarn, s)
		d.last = s
		return
	}
	d.log.Log(d.ctx, level, msg, slog.String(logger.KeyLogger, source))
	if level >= slog.LevelWarn {
		d.last = msg
	}
}

// wrap adds the most recent diagnostic to err.
func (d *diagnostics) wrap(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == "" {
		return err
	}
	return fmt.Errorf("%w (%s)", err, d.last)
}
