package analysis

import (
	"fmt"
	"log/slog"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
	"github.com/RSchleutker/cell-aggregation-assays/internal/core/ports"
)

const (
	KindCommand = "command"
	KindDocker  = "docker"
)

// New builds the analyzer backend named by kind. Callers should close the
// result when it implements io.Closer.
func New(kind string, command []string, image string, logger *slog.Logger) (ports.Analyzer, error) {
	switch kind {
	case KindCommand:
		a, err := NewCommandAnalyzer(command)
		if err != nil {
			return nil, err
		}
		return a, nil
	case KindDocker:
		a, err := NewDockerAnalyzer(image, logger)
		if err != nil {
			return nil, fmt.Errorf("docker analyzer: %w", err)
		}
		return a, nil
	default:
		return nil, domain.ConfigError("unknown analyzer %q", kind)
	}
}
