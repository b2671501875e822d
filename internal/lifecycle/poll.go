package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"
)

// waitFor polls the backend listing until name appears in want, or in any state when
// want is empty. The first check is immediate; the loop never runs past MaxWait plus
// one listing call.
func (c *Controller) waitFor(ctx context.Context, name string, want sandbox.Status) (backend.Observed, error) {
	deadline := time.Now().Add(c.cfg.MaxWait)
	seen := false

	for attempt := 1; ; attempt++ {
		remaining := time.Until(deadline)
		listTimeout := c.cfg.CommandTimeout
		if remaining > 0 && remaining < listTimeout {
			listTimeout = remaining
		}

		observed, err := backend.List(ctx, c.adapter, c.exec, listTimeout)
		if err != nil {
			slog.Debug("Listing failed while polling", "instance", name, "attempt", attempt, "error", err)
		} else {
			for _, o := range observed {
				if o.Name != name {
					continue
				}
				seen = true
				if want == "" || o.State == want {
					return o, nil
				}
			}
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			break
		}

		wait := c.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return backend.Observed{}, kuraErrors.Timeout("stopped waiting for instance %q: %v", name, ctx.Err())
		case <-timer.C:
		}
	}

	maxMs := c.cfg.MaxWait.Milliseconds()
	if !seen {
		return backend.Observed{}, kuraErrors.Timeout("instance %q not found after %dms", name, maxMs)
	}
	return backend.Observed{}, kuraErrors.Timeout("instance %q did not reach state %s after %dms", name, want, maxMs)
}
