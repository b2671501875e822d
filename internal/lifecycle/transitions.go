package lifecycle

import (
	"github.com/harunnryd/kura/internal/sandbox"
)

// rule describes one lifecycle operation: the statuses it may start from, the
// transient status held while the backend works, and where it lands.
type rule struct {
	from   []sandbox.Status
	via    sandbox.Status
	to     sandbox.Status
	polled bool
}

var rules = map[sandbox.Operation]rule{
	sandbox.OpStart: {
		from:   []sandbox.Status{sandbox.StatusStopped, sandbox.StatusCreated, sandbox.StatusFailed},
		via:    sandbox.StatusStarting,
		to:     sandbox.StatusRunning,
		polled: true,
	},
	sandbox.OpStop: {
		from: []sandbox.Status{sandbox.StatusRunning, sandbox.StatusPaused, sandbox.StatusFailed},
		via:  sandbox.StatusStopping,
		to:   sandbox.StatusStopped,
	},
	sandbox.OpPause: {
		from: []sandbox.Status{sandbox.StatusRunning},
		via:  sandbox.StatusPausing,
		to:   sandbox.StatusPaused,
	},
	sandbox.OpResume: {
		from:   []sandbox.Status{sandbox.StatusPaused},
		via:    sandbox.StatusStarting,
		to:     sandbox.StatusRunning,
		polled: true,
	},
	sandbox.OpSave: {
		from: []sandbox.Status{sandbox.StatusRunning},
		via:  sandbox.StatusSaving,
		to:   sandbox.StatusSaved,
	},
	sandbox.OpRestore: {
		from:   []sandbox.Status{sandbox.StatusSaved},
		via:    sandbox.StatusRestoring,
		to:     sandbox.StatusRunning,
		polled: true,
	},
	sandbox.OpRemove: {
		via: sandbox.StatusRemoving,
		to:  sandbox.StatusAbsent,
	},
}

func (r rule) allows(status sandbox.Status) bool {
	if r.from == nil {
		// remove: anything that is not already going away
		return status != sandbox.StatusRemoving && status != sandbox.StatusAbsent
	}
	for _, s := range r.from {
		if s == status {
			return true
		}
	}
	return false
}

// Allowed reports whether op may be applied to an instance in status.
func Allowed(op sandbox.Operation, status sandbox.Status) bool {
	r, ok := rules[op]
	return ok && r.allows(status)
}
