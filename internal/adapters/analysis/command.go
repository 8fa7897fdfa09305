package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

// CommandAnalyzer runs the analyzer as a local program.
type CommandAnalyzer struct {
	argv []string
}

func NewCommandAnalyzer(argv []string) (*CommandAnalyzer, error) {
	if len(argv) == 0 {
		return nil, domain.ConfigError("analyzer command is empty")
	}
	return &CommandAnalyzer{argv: argv}, nil
}

func (a *CommandAnalyzer) Analyze(ctx context.Context, input string, options map[string]string) (ports.Analysis, error) {
	stdout, err := a.run(ctx, modeAnalyze, input, options)
	if err != nil {
		return nil, err
	}
	m, err := parseMeasurements(bytes.NewReader(stdout))
	if err != nil {
		return nil, err
	}
	return &commandAnalysis{analyzer: a, input: input, options: options, measurements: m}, nil
}

func (a *CommandAnalyzer) run(ctx context.Context, mode, input string, options map[string]string) ([]byte, error) {
	args := append(a.argv[1:len(a.argv):len(a.argv)], input)
	cmd := exec.CommandContext(ctx, a.argv[0], args...)
	cmd.Env = append(os.Environ(), optionEnv(mode, options)...)
	cmd.WaitDelay = 5 * time.Second

	var stdout bytes.Buffer
	diag := newDiagnostics(ctx)
	cmd.Stdout = &stdout
	cmd.Stderr = diag

	err := cmd.Run()
	diag.Flush()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, diag.wrap(fmt.Errorf("analyzer %s exited with code %d", mode, exitErr.ExitCode()))
		}
		return nil, fmt.Errorf("run analyzer: %w", err)
	}
	return stdout.Bytes(), nil
}

type commandAnalysis struct {
	analyzer     *CommandAnalyzer
	input        string
	options      map[string]string
	measurements domain.Measurements
}

func (c *commandAnalysis) Measurements() domain.Measurements {
	return c.measurements
}

func (c *commandAnalysis) Render(ctx context.Context) ([]byte, error) {
	out, err := c.analyzer.run(ctx, modeRender, c.input, c.options)
	if err != nil {
		return nil, err
	}
	return checkPNG(out)
}
