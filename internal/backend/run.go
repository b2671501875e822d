package backend

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/kura/internal/executor"
)

// RunAll executes cmds in order and returns their joined stdout. Detached commands are
// spawned rather than awaited. The first failure stops the sequence unless the command
// is marked IgnoreFailure.
func RunAll(ctx context.Context, exec executor.Executor, cmds []Command, timeout time.Duration) (string, error) {
	var out strings.Builder
	for _, c := range cmds {
		req := c.Request(timeout)

		if c.Detach {
			if err := exec.Spawn(ctx, req); err != nil {
				if c.IgnoreFailure {
					slog.Debug("Ignoring failed detached command", "command", req.String(), "error", err)
					continue
				}
				return out.String(), err
			}
			continue
		}

		result, err := exec.Run(ctx, req)
		if err != nil {
			if c.IgnoreFailure {
				slog.Debug("Ignoring failed command", "command", req.String(), "error", err)
				continue
			}
			return out.String(), err
		}
		out.WriteString(result.Stdout)
	}
	return strings.TrimSpace(out.String()), nil
}

// List runs the adapter's listing command and parses it.
func List(ctx context.Context, adapter Adapter, exec executor.Executor, timeout time.Duration) ([]Observed, error) {
	result, err := exec.Run(ctx, adapter.ListCommand().Request(timeout))
	if err != nil {
		return nil, err
	}
	return adapter.ParseList(result.Stdout)
}
