package lifecycle

import (
	"errors"
	"log/slog"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/sandbox"
)

var errUnchanged = errors.New("unchanged")

// Reconciliation describes one registry correction made from backend truth.
type Reconciliation struct {
	Name     string         `json:"name"`
	Previous sandbox.Status `json:"previous"`
	Current  sandbox.Status `json:"current"`
	Healthy  bool           `json:"healthy"`
	Changed  bool           `json:"changed"`
	Reason   string         `json:"reason,omitempty"`
}

// NeedsRestart reports whether an instance we believed running has gone down.
func (r Reconciliation) NeedsRestart() bool {
	if r.Previous != sandbox.StatusRunning {
		return false
	}
	return r.Current == sandbox.StatusFailed || r.Current == sandbox.StatusStopped
}

// Reconcile corrects the cached status of name from an observation. A nil observation
// means the backend no longer lists the instance. Instances mid-transition are left to
// the operation that owns them.
func (c *Controller) Reconcile(name string, observed *backend.Observed) (Reconciliation, error) {
	var rec Reconciliation
	_, err := c.registry.Update(name, func(inst *sandbox.Instance) error {
		rec = Reconciliation{Name: name, Previous: inst.Status, Current: inst.Status, Healthy: true}
		if inst.Status.Transient() {
			return errUnchanged
		}

		target := inst.Status
		switch {
		case observed == nil:
			rec.Healthy = false
			target = sandbox.StatusFailed
			rec.Reason = "instance missing from backend listing"
		case !observed.Healthy:
			rec.Healthy = false
			target = sandbox.StatusFailed
			rec.Reason = "backend reports instance unhealthy: " + observed.Detail
		case observed.State.Transient():
			return errUnchanged
		case inst.Status == sandbox.StatusSaved && observed.State == sandbox.StatusStopped:
			// docker lists a checkpointed container as exited, older virsh a
			// managed-saved guest as shut off
			return errUnchanged
		case observed.State != inst.Status:
			target = observed.State
			rec.Reason = "backend reports " + observed.Detail
		}

		if target == inst.Status {
			rec.Reason = ""
			return errUnchanged
		}
		rec.Current = target
		rec.Changed = true
		inst.Status = target
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return Reconciliation{}, err
	}

	if rec.Changed {
		slog.Warn("Registry corrected from backend", "instance", name, "from", rec.Previous, "to", rec.Current, "reason", rec.Reason)
	}
	return rec, nil
}
