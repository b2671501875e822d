package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/policy"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/dustin/go-humanize"
)

func (o *Orchestrator) opList(ctx context.Context, p params) (reply, error) {
	instances := o.instances.List()
	if instances == nil {
		instances = []sandbox.Instance{}
	}

	lines := make([]string, 0, len(instances))
	for _, inst := range instances {
		line := fmt.Sprintf("%s\t%s", inst.Name, inst.Status)
		if inst.ClonedFrom != "" {
			line += "\tcloned_from=" + inst.ClonedFrom
		}
		lines = append(lines, line)
	}
	return reply{
		output: strings.Join(lines, "\n"),
		fields: map[string]any{"instances": instances, "count": len(instances)},
	}, nil
}

// opStatus reports the cached record next to what the backend lists right now.
func (o *Orchestrator) opStatus(ctx context.Context, p params) (reply, error) {
	name, err := p.required("name")
	if err != nil {
		return reply{}, err
	}
	inst, err := o.instances.Get(name)
	if err != nil {
		return reply{}, err
	}

	fields := map[string]any{
		"name":     name,
		"status":   inst.Status,
		"instance": inst,
	}
	if stats, ok := o.monitor.Stats()[name]; ok {
		fields["health"] = stats
	}

	text := fmt.Sprintf("instance %s is %s", name, inst.Status)
	observed, err := o.lifecycle.Observe(ctx)
	if err != nil {
		fields["live_error"] = err.Error()
		return reply{output: text + " (backend unavailable)", fields: fields}, nil
	}
	if live, ok := observed[name]; ok {
		fields["listed"] = true
		fields["live_state"] = live.State
		fields["healthy"] = live.Healthy
		if live.Detail != "" {
			fields["detail"] = live.Detail
		}
		if live.State != inst.Status {
			text += fmt.Sprintf(" (backend reports %s)", live.State)
		}
	} else {
		fields["listed"] = false
		text += " (not listed by backend)"
	}
	return reply{output: text, fields: fields}, nil
}

func (o *Orchestrator) opSecurityAudit(ctx context.Context, p params) (reply, error) {
	filter := &policy.AuditFilter{
		Kind:     policy.EventKind(p.str("kind")),
		Instance: p.str("instance"),
	}
	since, err := p.duration("since", 0)
	if err != nil {
		return reply{}, err
	}
	if since > 0 {
		filter.StartTime = time.Now().Add(-since)
	}

	audit := o.policy.Audit()
	entries := audit.Entries(filter)
	if entries == nil {
		entries = []policy.AuditEntry{}
	}
	violations := 0
	for _, e := range entries {
		if e.Kind == policy.EventSecurityViolation {
			violations++
		}
	}

	pol := o.policy.Policy()
	return reply{
		output: fmt.Sprintf("%d audit entries (%d violations), %d recorded in total", len(entries), violations, audit.Total()),
		fields: map[string]any{
			"entries":    entries,
			"violations": violations,
			"total":      audit.Total(),
			"retention":  audit.Retention(),
			"policy": map[string]any{
				"max_memory":                humanize.IBytes(uint64(pol.MaxMemory)),
				"max_cpus":                  pol.MaxCPUs,
				"allowed_volume_paths":      pol.AllowedVolumePaths,
				"banned_command_substrings": pol.BannedCommandSubstrings,
				"allow_privileged":          pol.AllowPrivileged,
			},
		},
	}, nil
}

func (o *Orchestrator) opProcessStats(ctx context.Context, p params) (reply, error) {
	byStatus := make(map[sandbox.Status]int)
	instances := o.instances.List()
	for _, inst := range instances {
		byStatus[inst.Status]++
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	summary := o.monitor.Summary()
	return reply{
		output: fmt.Sprintf("%d instances, %d bases, %d checkpoints, up since %s",
			len(instances), len(o.bases.List()), o.tracker.Len(), humanize.Time(o.startedAt)),
		fields: map[string]any{
			"backend":        o.adapter.Kind(),
			"instances":      len(instances),
			"by_status":      byStatus,
			"bases":          len(o.bases.List()),
			"checkpoints":    o.tracker.Len(),
			"executor":       o.exec.Stats(),
			"monitor":        summary,
			"health":         o.monitor.Stats(),
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc":     humanize.IBytes(mem.HeapAlloc),
			"uptime_seconds": int64(time.Since(o.startedAt).Seconds()),
		},
	}, nil
}

func (o *Orchestrator) opStartMonitoring(ctx context.Context, p params) (reply, error) {
	interval, err := p.duration("interval", o.monitorDf.Interval)
	if err != nil {
		return reply{}, err
	}
	autoRestart, err := p.boolean("auto_restart", o.monitorDf.AutoRestart)
	if err != nil {
		return reply{}, err
	}

	effective, err := o.monitor.Start(interval, autoRestart)
	if err != nil {
		return reply{}, kuraErrors.Wrap(err, "start monitoring")
	}
	return reply{
		output: fmt.Sprintf("monitoring every %s (auto_restart=%t)", effective, autoRestart),
		fields: map[string]any{"interval": effective.String(), "auto_restart": autoRestart},
	}, nil
}

func (o *Orchestrator) opStopMonitoring(ctx context.Context, p params) (reply, error) {
	wasRunning := o.monitor.Stop()
	text := "monitoring stopped"
	if !wasRunning {
		text = "monitoring was not running"
	}
	return reply{output: text, fields: map[string]any{"was_running": wasRunning}}, nil
}

// opCheckAll runs one reconciliation sweep inline.
func (o *Orchestrator) opCheckAll(ctx context.Context, p params) (reply, error) {
	autoRestart, err := p.boolean("auto_restart", o.monitorDf.AutoRestart)
	if err != nil {
		return reply{}, err
	}
	report, err := o.monitor.CheckAll(ctx, autoRestart)
	if err != nil {
		return reply{}, err
	}
	return reply{
		output: fmt.Sprintf("checked %d instances, %d corrected, %d restarted", report.Checked, len(report.Changes), len(report.Restarted)),
		fields: map[string]any{"report": report},
	}, nil
}
