package fake

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/executor"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, b *Backend, c backend.Command) executor.Result {
	t.Helper()
	result, err := b.Run(context.Background(), c.Request(time.Second))
	require.NoError(t, err)
	return result
}

func TestCreateListAndParse(t *testing.T) {
	b := New()
	a := b.Adapter()

	cmds, ref, err := a.CreateCommands(backend.CreateSpec{Name: "web", Image: "alpine"})
	require.NoError(t, err)
	assert.Equal(t, "fake://web", ref)
	run(t, b, cmds[0])

	out := run(t, b, a.ListCommand())
	observed, err := a.ParseList(out.Stdout)
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.Equal(t, sandbox.StatusStopped, observed[0].State)
}

func TestSpawnDelayAndHang(t *testing.T) {
	b := New()
	b.Seed("slow", sandbox.StatusStopped, 0)
	b.Seed("stuck", sandbox.StatusStopped, 0)
	b.SetStartDelay(30 * time.Millisecond)
	b.Hang("stuck")

	a := b.Adapter()
	for _, name := range []string{"slow", "stuck"} {
		cmds, err := a.LifecycleCommands(sandbox.OpStart, backend.Ref{Name: name})
		require.NoError(t, err)
		require.True(t, cmds[0].Detach)
		require.NoError(t, b.Spawn(context.Background(), cmds[0].Request(time.Second)))
	}

	require.Eventually(t, func() bool {
		state, _ := b.State("slow")
		return state == sandbox.StatusRunning
	}, time.Second, 5*time.Millisecond)

	state, _ := b.State("stuck")
	assert.Equal(t, sandbox.StatusStopped, state)
	assert.Equal(t, 2, b.Calls("start"))
}

func TestFailAndListAbsent(t *testing.T) {
	b := New()
	b.Seed("web", sandbox.StatusRunning, 0)
	b.Fail("stop", "device busy")

	cmds, _ := b.Adapter().LifecycleCommands(sandbox.OpStop, backend.Ref{Name: "web"})
	result, err := b.Run(context.Background(), cmds[0].Request(time.Second))
	require.Error(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, err.Error(), "device busy")

	b.SetListAbsent(true)
	out := run(t, b, b.Adapter().ListCommand())
	assert.Equal(t, "[]", out.Stdout)
}

func TestSnapshotClone(t *testing.T) {
	b := New()
	a := b.Adapter()
	b.Seed("base1", sandbox.StatusStopped, 10<<30)

	plan, err := a.BaseCommands(backend.Ref{Name: "base1"}, "base1")
	require.NoError(t, err)
	run(t, b, plan.Prepare[0])
	check := run(t, b, *plan.Check)
	require.NoError(t, a.CheckBase(check.Stdout))

	cmds, _, err := a.CloneCommands(backend.CloneRequest{Base: sandbox.BaseImage{Name: "base1", BackendRef: plan.BackendRef}, Name: "c1"})
	require.NoError(t, err)
	run(t, b, cmds[0])

	assert.Equal(t, "base1", b.Backing("c1"))
	assert.Equal(t, int64(0), b.Size("c1"))
}

func TestExecStreamsLines(t *testing.T) {
	b := New()
	b.Seed("web", sandbox.StatusRunning, 0)
	b.SetExecHandler(func(name string, argv []string, stdin string, emit func(string)) int {
		emit("first")
		emit("second")
		return 4
	})

	var lines []string
	c := b.Adapter().ExecCommand(backend.Ref{Name: "web"}, []string{"rexx", "-"}, "say 1")
	result, err := b.Stream(context.Background(), c.Request(time.Second), func(l executor.Line) {
		lines = append(lines, l.Text)
	})
	require.Error(t, err)
	assert.Equal(t, 4, result.ExitCode)
	assert.Equal(t, []string{"first", "second"}, lines)
}

func TestRegisteredAsBackendKind(t *testing.T) {
	driver, err := backend.New("fake", backend.Options{})
	require.NoError(t, err)
	assert.NotNil(t, driver.Executor)
	assert.Equal(t, "fake", driver.Adapter.Kind())
}
