package analysis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

const containerInputDir = "/input"

// DockerAnalyzer runs the analyzer inside a container of image. The input
// file's directory is mounted read-only at /input.
type DockerAnalyzer struct {
	cli    *client.Client
	image  string
	logger *slog.Logger

	pullOnce sync.Once
}

func NewDockerAnalyzer(imageName string, logger *slog.Logger) (*DockerAnalyzer, error) {
	if imageName == "" {
		return nil, domain.ConfigError("docker analyzer requires an image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerAnalyzer{cli: cli, image: imageName, logger: logger}, nil
}

func (d *DockerAnalyzer) Close() error {
	return d.cli.Close()
}

func (d *DockerAnalyzer) Analyze(ctx context.Context, input string, options map[string]string) (ports.Analysis, error) {
	stdout, err := d.run(ctx, modeAnalyze, input, options)
	if err != nil {
		return nil, err
	}
	m, err := parseMeasurements(bytes.NewReader(stdout))
	if err != nil {
		return nil, err
	}
	return &dockerAnalysis{analyzer: d, input: input, options: options, measurements: m}, nil
}

func (d *DockerAnalyzer) pull(ctx context.Context) {
	d.pullOnce.Do(func() {
		reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if err != nil {
			d.logger.Warn("Failed to pull analyzer image (might exist locally)", "image", d.image, "error", err)
			return
		}
		// Consume reader to ensure pull completes
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	})
}

func (d *DockerAnalyzer) run(ctx context.Context, mode, input string, options map[string]string) ([]byte, error) {
	d.pull(ctx)

	abs, err := filepath.Abs(input)
	if err != nil {
		return nil, err
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   []string{path.Join(containerInputDir, filepath.Base(abs))},
		Env:   optionEnv(mode, options),
		Tty:   false, // keep stdout and stderr apart
	}, &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s:ro", filepath.Dir(abs), containerInputDir)},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	defer d.cleanup(containerID)

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container logs: %w", err)
	}

	var stdout bytes.Buffer
	diag := newDiagnostics(ctx)
	copied := make(chan error, 1)
	go func() {
		defer logs.Close()
		_, err := demultiplex(logs, &stdout, diag)
		copied <- err
	}()

	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("error waiting for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	// The log stream ends once the container has stopped.
	if err := <-copied; err != nil {
		return nil, fmt.Errorf("read container output: %w", err)
	}
	diag.Flush()

	if exitCode != 0 {
		return nil, diag.wrap(fmt.Errorf("analyzer %s container exited with code %d", mode, exitCode))
	}
	return stdout.Bytes(), nil
}

// demultiplex splits Docker's multiplexed log stream by stream type.
func demultiplex(r io.Reader, stdout, stderr io.Writer) (int64, error) {
	return stdcopy.StdCopy(stdout, stderr, r)
}

func (d *DockerAnalyzer) cleanup(containerID string) {
	_ = d.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
}

type dockerAnalysis struct {
	analyzer     *DockerAnalyzer
	input        string
	options      map[string]string
	measurements domain.Measurements
}

func (a *dockerAnalysis) Measurements() domain.Measurements {
	return a.measurements
}

func (a *dockerAnalysis) Render(ctx context.Context) ([]byte, error) {
	out, err := a.analyzer.run(ctx, modeRender, a.input, a.options)
	if err != nil {
		return nil, err
	}
	return checkPNG(out)
}
