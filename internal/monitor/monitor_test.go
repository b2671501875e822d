package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/backend/fake"
	"github.com/harunnryd/kura/internal/lifecycle"
	"github.com/harunnryd/kura/internal/policy"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	mon      *Monitor
	ctrl     *lifecycle.Controller
	backend  *fake.Backend
	registry *sandbox.Registry
	audit    *policy.AuditLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := fake.New()
	registry := sandbox.NewRegistry()
	ctrl := lifecycle.NewController(b.Adapter(), b, registry, lifecycle.Config{
		PollInterval:   10 * time.Millisecond,
		MaxWait:        200 * time.Millisecond,
		CommandTimeout: time.Second,
	})
	audit, err := policy.NewAuditLog(50, "", nil)
	require.NoError(t, err)
	return &harness{mon: New(ctrl, registry, audit), ctrl: ctrl, backend: b, registry: registry, audit: audit}
}

func (h *harness) running(t *testing.T, name string, autoRestart bool) {
	t.Helper()
	ctx := context.Background()
	_, err := h.ctrl.Create(ctx, backend.CreateSpec{Name: name, Image: "alpine"}, autoRestart)
	require.NoError(t, err)
	_, err = h.ctrl.Transition(ctx, name, sandbox.OpStart)
	require.NoError(t, err)
}

func TestCheckAllCorrectsRegistry(t *testing.T) {
	h := newHarness(t)
	h.running(t, "web", false)
	h.running(t, "db", false)

	h.backend.SetState("web", sandbox.StatusStopped, true)
	h.backend.Drop("db")

	report, err := h.mon.CheckAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Changes, 2)
	assert.Empty(t, report.Restarted)

	web, _ := h.registry.Get("web")
	assert.Equal(t, sandbox.StatusStopped, web.Status)
	db, _ := h.registry.Get("db")
	assert.Equal(t, sandbox.StatusFailed, db.Status)

	entries := h.audit.Entries(&policy.AuditFilter{Kind: policy.EventReconciliation})
	assert.Len(t, entries, 2)
}

func TestCheckAllNoChangeNoAudit(t *testing.T) {
	h := newHarness(t)
	h.running(t, "web", true)

	report, err := h.mon.CheckAll(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, report.Changes)
	assert.Equal(t, int64(0), h.audit.Total())
}

func TestAutoRestartNeedsBothFlags(t *testing.T) {
	h := newHarness(t)
	h.running(t, "opted-in", true)
	h.running(t, "opted-out", false)

	h.backend.SetState("opted-in", sandbox.StatusStopped, true)
	h.backend.SetState("opted-out", sandbox.StatusStopped, true)

	report, err := h.mon.CheckAll(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, report.Restarted)

	inst, _ := h.registry.Get("opted-in")
	require.Equal(t, sandbox.StatusStopped, inst.Status)

	// bring the registry back to running so the next sweep sees the crash again
	_, err = h.ctrl.Transition(context.Background(), "opted-in", sandbox.OpStart)
	require.NoError(t, err)
	_, err = h.ctrl.Transition(context.Background(), "opted-out", sandbox.OpStart)
	require.NoError(t, err)
	h.backend.SetState("opted-in", sandbox.StatusStopped, true)
	h.backend.SetState("opted-out", sandbox.StatusStopped, true)

	report, err = h.mon.CheckAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"opted-in"}, report.Restarted)

	inst, _ = h.registry.Get("opted-in")
	assert.Equal(t, sandbox.StatusRunning, inst.Status)
	other, _ := h.registry.Get("opted-out")
	assert.Equal(t, sandbox.StatusStopped, other.Status)

	restarts := h.audit.Entries(&policy.AuditFilter{Kind: policy.EventAutoRestart})
	require.Len(t, restarts, 1)
	assert.Equal(t, "opted-in", restarts[0].Instance)

	stats := h.mon.Stats()
	assert.Equal(t, int64(2), stats["opted-in"].Checks)
	assert.Equal(t, int64(1), stats["opted-in"].Restarts)
	assert.Equal(t, int64(0), stats["opted-out"].Restarts)
}

func TestCheckAllFailsWhenListingFails(t *testing.T) {
	h := newHarness(t)
	h.running(t, "web", false)
	h.backend.Fail("list", "daemon unreachable")

	_, err := h.mon.CheckAll(context.Background(), false)
	require.Error(t, err)

	inst, _ := h.registry.Get("web")
	assert.Equal(t, sandbox.StatusRunning, inst.Status)
}

func TestStatsDropRemovedInstances(t *testing.T) {
	h := newHarness(t)
	h.running(t, "web", false)

	_, err := h.mon.CheckAll(context.Background(), false)
	require.NoError(t, err)
	require.Contains(t, h.mon.Stats(), "web")

	_, err = h.ctrl.Transition(context.Background(), "web", sandbox.OpRemove)
	require.NoError(t, err)
	assert.NotContains(t, h.mon.Stats(), "web")
}

func TestStartStopSchedule(t *testing.T) {
	h := newHarness(t)
	h.running(t, "web", false)

	interval, err := h.mon.Start(10*time.Millisecond, false)
	require.NoError(t, err)
	assert.Equal(t, time.Second, interval)
	assert.True(t, h.mon.Running())

	assert.Eventually(t, func() bool {
		return h.mon.Summary().Sweeps > 0
	}, 3*time.Second, 50*time.Millisecond)

	assert.True(t, h.mon.Stop())
	assert.False(t, h.mon.Running())
	assert.False(t, h.mon.Stop())
}
