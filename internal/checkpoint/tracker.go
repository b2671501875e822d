package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	kuraErrors "github.com/harunnryd/kura/internal/errors"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultRetention = 10 * time.Minute
	tailLines        = 20
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

type Progress struct {
	Stage      string  `json:"status"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
}

type Checkpoint struct {
	ID          string          `json:"id"`
	Operation   string          `json:"operation"`
	Instance    string          `json:"instance,omitempty"`
	Status      Status          `json:"status"`
	Progress    Progress        `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Created     time.Time       `json:"timestamp"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (c Checkpoint) Done() bool {
	return c.Status == StatusCompleted || c.Status == StatusError
}

// Callback receives every update to a checkpoint, in order.
type Callback func(Checkpoint)

type entry struct {
	cp        Checkpoint
	changed   chan struct{}
	callbacks []Callback
	tail      []string
}

// Tracker owns all checkpoints. Updates come from parsed output lines or from an
// explicit Complete; consumers either subscribe or long-poll.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	codec     Codec
	retention time.Duration
}

func NewTracker(codec Codec, retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		entries:   make(map[string]*entry),
		codec:     codec,
		retention: retention,
	}
}

func (t *Tracker) Codec() Codec {
	return t.codec
}

// StartTracking opens a processing checkpoint. An empty requestID gets a generated id.
func (t *Tracker) StartTracking(instance, operation, requestID string) (string, error) {
	id := requestID
	if id == "" {
		id = ulid.Make().String()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return "", kuraErrors.Conflict("checkpoint %q already exists", id)
	}
	t.entries[id] = &entry{
		cp: Checkpoint{
			ID:        id,
			Operation: operation,
			Instance:  instance,
			Status:    StatusProcessing,
			Progress:  Progress{Stage: "started"},
			Created:   time.Now().UTC(),
		},
		changed: make(chan struct{}),
	}
	slog.Debug("Checkpoint tracking started", "checkpoint", id, "instance", instance, "operation", operation)
	return id, nil
}

// Subscribe registers a push callback for future updates.
func (t *Tracker) Subscribe(id string, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return kuraErrors.NotFound("checkpoint %q not found", id)
	}
	e.callbacks = append(e.callbacks, cb)
	return nil
}

// Feed consumes one output line. Ordinary lines only feed the output tail.
func (t *Tracker) Feed(id, line string) {
	m, ok, err := t.codec.Decode(line)
	if err != nil {
		slog.Warn("Ignoring checkpoint marker", "checkpoint", id, "error", err)
		return
	}
	if !ok {
		t.mu.Lock()
		if e, exists := t.entries[id]; exists {
			e.tail = append(e.tail, line)
			if len(e.tail) > tailLines {
				e.tail = e.tail[len(e.tail)-tailLines:]
			}
		}
		t.mu.Unlock()
		return
	}
	if err := t.Apply(id, m); err != nil {
		slog.Debug("Checkpoint marker dropped", "checkpoint", id, "error", err)
	}
}

// Apply updates a checkpoint from a decoded marker.
func (t *Tracker) Apply(id string, m Marker) error {
	return t.update(id, func(cp *Checkpoint) {
		if m.Stage != "" {
			cp.Progress.Stage = m.Stage
		}
		if m.Message != "" {
			cp.Progress.Message = m.Message
		}
		if m.Percentage > 0 || m.Op == OpComplete {
			cp.Progress.Percentage = m.Percentage
		}

		switch m.Op {
		case OpComplete:
			cp.Status = StatusCompleted
			cp.Result = m.Result
			if m.Percentage == 0 {
				cp.Progress.Percentage = 100
			}
		case OpError:
			cp.Status = StatusError
			cp.Error = m.Error
			if cp.Error == "" {
				cp.Error = m.Message
			}
		}
	})
}

// Complete finishes a checkpoint out of band. A non-empty errMsg marks it failed.
func (t *Tracker) Complete(id string, result json.RawMessage, errMsg string) (Checkpoint, error) {
	m := Marker{Op: OpComplete, Stage: "completed", Result: result}
	if errMsg != "" {
		m = Marker{Op: OpError, Stage: "error", Error: errMsg}
	}
	if err := t.Apply(id, m); err != nil {
		return Checkpoint{}, err
	}
	return t.Get(id)
}

// Finish closes a checkpoint whose process has exited. When the script emitted no
// terminal marker one is synthesized from the exit status.
func (t *Tracker) Finish(id string, exitCode int, runErr error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.cp.Done() {
		t.mu.Unlock()
		return
	}
	tail := append([]string(nil), e.tail...)
	t.mu.Unlock()

	var m Marker
	switch {
	case runErr != nil && errors.Is(runErr, kuraErrors.ErrTimeout):
		m = Marker{Op: OpError, Stage: "error", Error: "script timed out: " + runErr.Error()}
	case exitCode == 0 && runErr == nil:
		result, _ := json.Marshal(map[string]any{"exit_code": 0, "output_tail": tail})
		m = Marker{Op: OpComplete, Stage: "completed", Result: result}
	case exitCode > 0:
		m = Marker{Op: OpError, Stage: "error", Error: fmt.Sprintf("script exited with code %d", exitCode)}
	default:
		m = Marker{Op: OpError, Stage: "error", Error: fmt.Sprintf("script failed: %v", runErr)}
	}

	if err := t.Apply(id, m); err != nil {
		slog.Debug("Checkpoint finish dropped", "checkpoint", id, "error", err)
	}
}

func (t *Tracker) update(id string, fn func(cp *Checkpoint)) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return kuraErrors.NotFound("checkpoint %q not found", id)
	}
	if e.cp.Done() {
		t.mu.Unlock()
		return kuraErrors.InvalidState("checkpoint %q already %s", id, e.cp.Status)
	}

	fn(&e.cp)
	if e.cp.Done() {
		now := time.Now().UTC()
		e.cp.CompletedAt = &now
	}

	snapshot := e.cp
	callbacks := append([]Callback(nil), e.callbacks...)
	close(e.changed)
	e.changed = make(chan struct{})
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(snapshot)
	}
	return nil
}

// Get returns a checkpoint without consuming it.
func (t *Tracker) Get(id string) (Checkpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Checkpoint{}, kuraErrors.NotFound("checkpoint %q not found", id)
	}
	return e.cp, nil
}

// Poll returns the checkpoint, waiting up to wait for an update when it is still
// processing. A finished checkpoint is returned with done=true once and then
// deleted; later polls report NotFound.
func (t *Tracker) Poll(ctx context.Context, id string, wait time.Duration) (Checkpoint, bool, error) {
	cp, changed, done, err := t.take(id)
	if err != nil || done || wait <= 0 {
		return cp, done, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-changed:
	case <-timer.C:
	case <-ctx.Done():
	}

	cp, _, done, err = t.take(id)
	return cp, done, err
}

func (t *Tracker) take(id string) (Checkpoint, <-chan struct{}, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Checkpoint{}, nil, false, kuraErrors.NotFound("checkpoint %q not found", id)
	}
	if e.cp.Done() {
		delete(t.entries, id)
		return e.cp, nil, true, nil
	}
	return e.cp, e.changed, false, nil
}

// Sweep deletes finished checkpoints nobody collected within the retention window.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.entries {
		if e.cp.CompletedAt == nil {
			continue
		}
		if now.Sub(*e.cp.CompletedAt) >= t.retention {
			delete(t.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Swept checkpoints", "removed", removed)
	}
	return removed
}

// List returns all live checkpoints, oldest first.
func (t *Tracker) List() []Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Checkpoint, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
