package domain

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// LogRecord is a log line in transit from a producer to the aggregator.
// It holds plain values only so it can cross process boundaries as JSON.
type LogRecord struct {
	Time     time.Time         `json:"time"`
	Level    slog.Level        `json:"level"`
	Source   string            `json:"source"`
	Message  string            `json:"message"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	WorkerID string            `json:"worker_id,omitempty"`
	JobID    string            `json:"job_id,omitempty"`
}

// Text renders the message followed by its attributes in key order.
func (r LogRecord) Text() string {
	if len(r.Attrs) == 0 {
		return r.Message
	}
	keys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(r.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, r.Attrs[k])
	}
	return b.String()
}

// Validate reports structural problems only. An empty message is valid:
// a record may carry nothing but attributes.
func (r LogRecord) Validate() error {
	if r.Time.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	return nil
}

// LogEnvelope is one item on the LogChannel: a record or the sentinel.
type LogEnvelope struct {
	Record   *LogRecord `json:"record,omitempty"`
	Sentinel bool       `json:"sentinel,omitempty"`
}
