package incus

import (
	"testing"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	out := `[
  {"name":"web","status":"Running","status_code":103,"stateful":false,"type":"container"},
  {"name":"db","status":"Stopped","status_code":102,"stateful":false,"type":"container"},
  {"name":"job","status":"Stopped","status_code":102,"stateful":true,"type":"virtual-machine"},
  {"name":"cold","status":"Frozen","status_code":110,"stateful":false,"type":"container"},
  {"name":"bad","status":"Error","status_code":400,"stateful":false,"type":"container"}
]`
	observed, err := New(backend.Options{}).ParseList(out)
	require.NoError(t, err)

	idx := backend.Index(observed)
	assert.Equal(t, sandbox.StatusRunning, idx["web"].State)
	assert.Equal(t, sandbox.StatusStopped, idx["db"].State)
	assert.Equal(t, sandbox.StatusSaved, idx["job"].State)
	assert.Equal(t, sandbox.StatusPaused, idx["cold"].State)
	assert.Equal(t, sandbox.StatusFailed, idx["bad"].State)
	assert.False(t, idx["bad"].Healthy)

	empty, err := New(backend.Options{}).ParseList("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCreateCommandsWithDevices(t *testing.T) {
	a := New(backend.Options{Network: "incusbr0"})

	cmds, ref, err := a.CreateCommands(backend.CreateSpec{
		Name:  "web",
		Image: "images:alpine/3.20",
		Resources: sandbox.ResourceSpec{
			MemoryLimit: 512 << 20,
			CPULimit:    1.5,
			Volumes:     []sandbox.Volume{{Host: "/srv/data", Guest: "/data", ReadOnly: true}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "web", ref)
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{
		"init", "images:alpine/3.20", "web",
		"-c", "limits.memory=512MiB", "-c", "limits.cpu=2",
		"--network", "incusbr0",
	}, cmds[0].Args)
	assert.Equal(t, []string{"config", "device", "add", "web", "kura-vol0", "disk", "source=/srv/data", "path=/data", "readonly=true"}, cmds[1].Args)
}

func TestBaseSnapshotAndCopy(t *testing.T) {
	a := New(backend.Options{})

	plan, err := a.BaseCommands(backend.Ref{Name: "builder"}, "base1")
	require.NoError(t, err)
	assert.Equal(t, "builder/"+BaseSnapshot, plan.BackendRef)
	assert.Equal(t, []string{"snapshot", "create", "builder", BaseSnapshot, "--reuse"}, plan.Prepare[0].Args)

	require.NoError(t, a.CheckBase(`{"name":"kura-base","stateful":false}`))
	assert.Error(t, a.CheckBase(`{"name":"other"}`))

	cmds, ref, err := a.CloneCommands(backend.CloneRequest{
		Base: sandbox.BaseImage{Name: "base1", BackendRef: plan.BackendRef},
		Name: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", ref)
	assert.Equal(t, []string{"copy", "builder/kura-base", "c1"}, cmds[0].Args)

	remove := a.RemoveBaseCommands(sandbox.BaseImage{BackendRef: plan.BackendRef})
	require.Len(t, remove, 1)
	assert.Equal(t, []string{"snapshot", "delete", "builder", BaseSnapshot}, remove[0].Args)
}

func TestLifecycleAndExec(t *testing.T) {
	a := New(backend.Options{Binary: "lxc"})

	save, err := a.LifecycleCommands(sandbox.OpSave, backend.Ref{Name: "web"})
	require.NoError(t, err)
	assert.Equal(t, "lxc", save[0].Binary)
	assert.Equal(t, []string{"stop", "web", "--stateful"}, save[0].Args)

	c := a.ExecCommand(backend.Ref{Name: "web"}, []string{"rexx", "-"}, "say 1")
	assert.Equal(t, []string{"exec", "web", "--", "rexx", "-"}, c.Args)
	assert.Equal(t, "say 1", c.Stdin)
}
