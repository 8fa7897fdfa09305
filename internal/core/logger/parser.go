package logger

import (
	"log/slog"
	"regexp"
	"strings"
)

// LEVEL:logger.name:message, as printed by the analyzer on stderr
var lineRe = regexp.MustCompile(`^(DEBUG|INFO|WARNING|WARN|ERROR|CRITICAL):([^:]*):(.*)$`)

// ParseLine extracts level, logger name and message from a diagnostic
// line written by an external analyzer. ok is false for free-form lines.
func ParseLine(line string) (level slog.Level, source, message string, ok bool) {
	m := lineRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return slog.LevelInfo, "", line, false
	}
	switch m[1] {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARNING", "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	case "CRITICAL":
		level = slog.LevelError + 4
	}
	return level, m[2], strings.TrimSpace(m[3]), true
}
