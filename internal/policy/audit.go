package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kura/internal/logger"

	"github.com/oklog/ulid/v2"
)

const DefaultAuditRetention = 100

type EventKind string

const (
	EventSecurityViolation EventKind = "security_violation"
	EventReconciliation    EventKind = "reconciliation"
	EventAutoRestart       EventKind = "auto_restart"
)

type AuditEntry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	TraceID    string          `json:"trace_id,omitempty"`
	Kind       EventKind       `json:"kind"`
	Operation  string          `json:"operation,omitempty"`
	Instance   string          `json:"instance,omitempty"`
	Violations []string        `json:"violations,omitempty"`
	Message    string          `json:"message,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type AuditFilter struct {
	Kind      EventKind
	Instance  string
	StartTime time.Time
}

// AuditLog keeps the most recent entries in memory and counts every entry ever
// appended. With a sink path set, each entry is also appended to a JSONL file after
// redaction.
type AuditLog struct {
	mu             sync.RWMutex
	entries        []AuditEntry
	next           int
	full           bool
	total          int64
	sinkPath       string
	redactPatterns []*regexp.Regexp
}

func NewAuditLog(retention int, sinkPath string, redactPatterns []string) (*AuditLog, error) {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}

	al := &AuditLog{
		entries:  make([]AuditEntry, retention),
		sinkPath: sinkPath,
	}

	for _, pattern := range redactPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// plain substrings are allowed too
			re = regexp.MustCompile(regexp.QuoteMeta(pattern))
		}
		al.redactPatterns = append(al.redactPatterns, re)
	}

	if sinkPath != "" {
		if err := os.MkdirAll(filepath.Dir(sinkPath), 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	return al, nil
}

func (al *AuditLog) Log(ctx context.Context, entry AuditEntry) AuditEntry {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.TraceID == "" {
		entry.TraceID = logger.GetTraceID(ctx)
	}
	entry = al.redact(entry)

	al.mu.Lock()
	al.entries[al.next] = entry
	al.next = (al.next + 1) % len(al.entries)
	if al.next == 0 {
		al.full = true
	}
	al.total++
	al.mu.Unlock()

	if al.sinkPath != "" {
		if err := al.appendSink(entry); err != nil {
			slog.Error("Failed to write audit entry", "path", al.sinkPath, "error", err)
		}
	}

	slog.Debug("Audit entry logged", "trace_id", entry.TraceID, "kind", entry.Kind, "instance", entry.Instance)
	return entry
}

func (al *AuditLog) appendSink(entry AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	f, err := os.OpenFile(al.sinkPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func (al *AuditLog) redact(entry AuditEntry) AuditEntry {
	if len(al.redactPatterns) == 0 {
		return entry
	}

	entry.Message = al.redactString(entry.Message)
	if len(entry.Params) > 0 {
		entry.Params = json.RawMessage(al.redactString(string(entry.Params)))
		if !json.Valid(entry.Params) {
			quoted, _ := json.Marshal(string(entry.Params))
			entry.Params = quoted
		}
	}
	violations := make([]string, len(entry.Violations))
	for i, v := range entry.Violations {
		violations[i] = al.redactString(v)
	}
	entry.Violations = violations
	return entry
}

func (al *AuditLog) redactString(s string) string {
	if s == "" {
		return s
	}
	for _, re := range al.redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Entries returns retained entries oldest first, narrowed by filter when given.
func (al *AuditLog) Entries(filter *AuditFilter) []AuditEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()

	var ordered []AuditEntry
	if al.full {
		ordered = append(ordered, al.entries[al.next:]...)
	}
	ordered = append(ordered, al.entries[:al.next]...)

	if filter == nil {
		return ordered
	}

	out := ordered[:0]
	for _, e := range ordered {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Instance != "" && !strings.EqualFold(e.Instance, filter.Instance) {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Total counts every entry appended, including those rotated out.
func (al *AuditLog) Total() int64 {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.total
}

func (al *AuditLog) Retention() int {
	return len(al.entries)
}
