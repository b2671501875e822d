package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/lifecycle"
	"github.com/harunnryd/kura/internal/logger"
	"github.com/harunnryd/kura/internal/policy"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/robfig/cron/v3"
)

const MinInterval = time.Second

// InstanceStats are kept per instance from the first sweep that sees it.
type InstanceStats struct {
	Checks     int64          `json:"checks"`
	Failures   int64          `json:"failures"`
	Restarts   int64          `json:"restarts"`
	LastCheck  time.Time      `json:"last_check"`
	LastStatus sandbox.Status `json:"last_status"`
	LastError  string         `json:"last_error,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	Checked   int                        `json:"checked"`
	Changes   []lifecycle.Reconciliation `json:"changes,omitempty"`
	Restarted []string                   `json:"restarted,omitempty"`
	Errors    map[string]string          `json:"errors,omitempty"`
	Elapsed   time.Duration              `json:"elapsed"`
}

// Monitor reconciles the instance registry with backend truth on a schedule.
type Monitor struct {
	ctrl     *lifecycle.Controller
	registry *sandbox.Registry
	audit    *policy.AuditLog

	mu          sync.RWMutex
	cron        *cron.Cron
	interval    time.Duration
	autoRestart bool
	stats       map[string]*InstanceStats
	sweeps      int64
	lastSweep   time.Time
}

func New(ctrl *lifecycle.Controller, registry *sandbox.Registry, audit *policy.AuditLog) *Monitor {
	return &Monitor{
		ctrl:     ctrl,
		registry: registry,
		audit:    audit,
		stats:    make(map[string]*InstanceStats),
	}
}

// Start schedules CheckAll every interval, replacing any previous schedule. Intervals
// below one second are raised to one second. Restarts additionally require the
// instance's own auto_restart flag.
func (m *Monitor) Start(interval time.Duration, autoRestart bool) (time.Duration, error) {
	if interval < MinInterval {
		interval = MinInterval
	}
	interval = interval.Round(time.Second)

	cronLogger := cron.VerbosePrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), m.sweep); err != nil {
		return 0, kuraErrors.InvalidInput("invalid monitoring interval %s: %v", interval, err)
	}

	m.mu.Lock()
	previous := m.cron
	m.cron = c
	m.interval = interval
	m.autoRestart = autoRestart
	m.mu.Unlock()

	if previous != nil {
		<-previous.Stop().Done()
	}
	c.Start()

	slog.Info("Health monitoring started", "interval", interval, "auto_restart", autoRestart)
	return interval, nil
}

// Stop halts the schedule and waits for a running sweep to finish. It reports whether
// monitoring was active.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return false
	}
	<-c.Stop().Done()
	slog.Info("Health monitoring stopped")
	return true
}

func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cron != nil
}

func (m *Monitor) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

func (m *Monitor) sweep() {
	m.mu.RLock()
	autoRestart := m.autoRestart
	m.mu.RUnlock()

	ctx := logger.EnsureTraceID(context.Background())
	report, err := m.CheckAll(ctx, autoRestart)
	if err != nil {
		slog.Warn("Health sweep failed", "error", err)
		return
	}
	slog.Debug("Health sweep completed", "checked", report.Checked, "changes", len(report.Changes), "elapsed", report.Elapsed)
}

// CheckAll lists the backend once and reconciles every registered instance against
// it. One instance failing its check does not stop the others.
func (m *Monitor) CheckAll(ctx context.Context, autoRestart bool) (Report, error) {
	start := time.Now()
	observed, err := m.ctrl.Observe(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Errors: make(map[string]string)}
	for _, inst := range m.registry.List() {
		report.Checked++
		rec, restarted, err := m.checkOne(ctx, inst, observed, autoRestart)
		m.record(inst.Name, rec, restarted, err)
		if err != nil {
			report.Errors[inst.Name] = err.Error()
			slog.Warn("Health check failed", "instance", inst.Name, "error", err)
		}
		if rec.Changed {
			report.Changes = append(report.Changes, rec)
		}
		if restarted {
			report.Restarted = append(report.Restarted, inst.Name)
		}
	}

	m.mu.Lock()
	m.sweeps++
	m.lastSweep = time.Now().UTC()
	m.mu.Unlock()

	report.Elapsed = time.Since(start)
	return report, nil
}

func (m *Monitor) checkOne(ctx context.Context, inst sandbox.Instance, observed map[string]backend.Observed, autoRestart bool) (rec lifecycle.Reconciliation, restarted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in health check", "instance", inst.Name, "panic", r, "stack", string(debug.Stack()))
			err = kuraErrors.Internal("health check panicked: %v", r)
		}
	}()

	var seen *backend.Observed
	if o, ok := observed[inst.Name]; ok {
		seen = &o
	}

	rec, err = m.ctrl.Reconcile(inst.Name, seen)
	if err != nil {
		return rec, false, err
	}
	if !rec.Changed {
		return rec, false, nil
	}

	m.auditLog(ctx, policy.AuditEntry{
		Kind:      policy.EventReconciliation,
		Operation: "check_all",
		Instance:  inst.Name,
		Message:   fmt.Sprintf("%s -> %s: %s", rec.Previous, rec.Current, rec.Reason),
	})

	if !rec.NeedsRestart() || !autoRestart || !inst.AutoRestart {
		return rec, false, nil
	}

	out, err := m.ctrl.StartIfStopped(ctx, inst.Name)
	entry := policy.AuditEntry{Kind: policy.EventAutoRestart, Operation: string(sandbox.OpStart), Instance: inst.Name}
	if err != nil {
		entry.Message = "auto-restart failed: " + err.Error()
		m.auditLog(ctx, entry)
		return rec, false, err
	}
	entry.Message = fmt.Sprintf("auto-restarted in %s", out.Elapsed.Round(time.Millisecond))
	m.auditLog(ctx, entry)
	slog.Info("Instance auto-restarted", "instance", inst.Name, "elapsed", out.Elapsed)
	return rec, true, nil
}

func (m *Monitor) auditLog(ctx context.Context, entry policy.AuditEntry) {
	if m.audit != nil {
		m.audit.Log(ctx, entry)
	}
}

func (m *Monitor) record(name string, rec lifecycle.Reconciliation, restarted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stats[name]
	if !ok {
		st = &InstanceStats{}
		m.stats[name] = st
	}
	st.Checks++
	st.LastCheck = time.Now().UTC()
	st.LastStatus = rec.Current
	st.LastError = ""
	if !rec.Healthy || err != nil {
		st.Failures++
	}
	if err != nil {
		st.LastError = err.Error()
	}
	if restarted {
		st.Restarts++
		st.LastStatus = sandbox.StatusRunning
	}
}

// Stats returns a copy of the per-instance counters. Instances no longer registered
// are dropped.
func (m *Monitor) Stats() map[string]InstanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]InstanceStats, len(m.stats))
	for name, st := range m.stats {
		if !m.registry.Exists(name) {
			delete(m.stats, name)
			continue
		}
		out[name] = *st
	}
	return out
}

// Summary is the monitor part of process_stats.
type Summary struct {
	Running     bool      `json:"running"`
	Interval    string    `json:"interval,omitempty"`
	AutoRestart bool      `json:"auto_restart"`
	Sweeps      int64     `json:"sweeps"`
	LastSweep   time.Time `json:"last_sweep,omitempty"`
	Instances   []string  `json:"instances"`
}

func (m *Monitor) Summary() Summary {
	stats := m.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Summary{
		Running:     m.cron != nil,
		AutoRestart: m.autoRestart,
		Sweeps:      m.sweeps,
		LastSweep:   m.lastSweep,
		Instances:   names,
	}
	if m.cron != nil {
		s.Interval = m.interval.String()
	}
	return s
}
