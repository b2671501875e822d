package checkpoint

import (
	"context"

	"github.com/harunnryd/kura/internal/executor"
)

// Run streams req through exec, feeding every line to the checkpoint, and closes the
// checkpoint when the process exits. It blocks; callers run it in the background.
func (t *Tracker) Run(ctx context.Context, id string, exec executor.Executor, req executor.Request) {
	result, err := exec.Stream(ctx, req, func(line executor.Line) {
		t.Feed(id, line.Text)
	})
	t.Finish(id, result.ExitCode, err)
}
