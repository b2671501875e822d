package docker

import (
	"errors"
	"testing"

	"github.com/harunnryd/kura/internal/backend"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() *Adapter {
	return New(backend.Options{Binary: "docker", Network: "kura-net"})
}

func TestParseList(t *testing.T) {
	out := `{"Names":"web","State":"running","Status":"Up 3 minutes (unhealthy)","Image":"alpine"}
{"Names":"db","State":"exited","Status":"Exited (0) 2 hours ago","Image":"postgres"}

{"Names":"job","State":"paused","Status":"Up 1 minute (Paused)","Image":"alpine"}`

	observed, err := newTestAdapter().ParseList(out)
	require.NoError(t, err)
	require.Len(t, observed, 3)

	idx := backend.Index(observed)
	assert.Equal(t, sandbox.StatusRunning, idx["web"].State)
	assert.False(t, idx["web"].Healthy)
	assert.Equal(t, sandbox.StatusStopped, idx["db"].State)
	assert.Equal(t, sandbox.StatusPaused, idx["job"].State)
	assert.True(t, idx["job"].Healthy)
}

func TestParseListRejectsGarbage(t *testing.T) {
	_, err := newTestAdapter().ParseList("not json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, kuraErrors.ErrBackendExecution))
}

func TestCreateCommands(t *testing.T) {
	cmds, ref, err := newTestAdapter().CreateCommands(backend.CreateSpec{
		Name:  "web",
		Image: "alpine:3.20",
		Resources: sandbox.ResourceSpec{
			MemoryLimit: 512 << 20,
			CPULimit:    1.5,
			Volumes:     []sandbox.Volume{{Host: "/srv/data", Guest: "/data", ReadOnly: true}},
			Env:         map[string]string{"MODE": "test"},
		},
		Command: []string{"sleep", "infinity"},
	})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "web", ref)
	assert.Equal(t, []string{
		"create", "--name", "web", "--label", ManagedLabel,
		"--memory", "536870912b", "--cpus", "1.5",
		"-v", "/srv/data:/data:ro", "-e", "MODE=test", "--network", "kura-net",
		"alpine:3.20", "sleep", "infinity",
	}, cmds[0].Args)

	_, _, err = newTestAdapter().CreateCommands(backend.CreateSpec{Name: "x"})
	assert.True(t, errors.Is(err, kuraErrors.ErrInvalidInput))
}

func TestLifecycleCommandsDetachStart(t *testing.T) {
	a := newTestAdapter()

	start, err := a.LifecycleCommands(sandbox.OpStart, backend.Ref{Name: "web"})
	require.NoError(t, err)
	assert.True(t, start[0].Detach)

	stop, err := a.LifecycleCommands(sandbox.OpStop, backend.Ref{Name: "web"})
	require.NoError(t, err)
	assert.False(t, stop[0].Detach)
	assert.Equal(t, []string{"stop", "-t", "10", "web"}, stop[0].Args)

	restore, err := a.LifecycleCommands(sandbox.OpRestore, backend.Ref{Name: "web"})
	require.NoError(t, err)
	assert.True(t, restore[0].Detach)
	assert.Contains(t, restore[0].Args, CheckpointName)
}

func TestBaseAndClone(t *testing.T) {
	a := newTestAdapter()

	plan, err := a.BaseCommands(backend.Ref{Name: "builder"}, "Base1")
	require.NoError(t, err)
	assert.Equal(t, "kura-base/base1:latest", plan.BackendRef)
	assert.Equal(t, []string{"commit", "builder", "kura-base/base1:latest"}, plan.Prepare[0].Args)
	require.NotNil(t, plan.Check)

	require.NoError(t, a.CheckBase(`{"Type":"layers","Layers":["sha256:abc"]}`))
	assert.Error(t, a.CheckBase(`{"Type":"","Layers":[]}`))

	cmds, ref, err := a.CloneCommands(backend.CloneRequest{
		Base: sandbox.BaseImage{Name: "base1", BackendRef: plan.BackendRef},
		Name: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", ref)
	assert.Equal(t, "kura-base/base1:latest", cmds[0].Args[len(cmds[0].Args)-1])
	assert.Contains(t, cmds[0].Args, ClonedFromLabel+"=base1")
}

func TestExecCommand(t *testing.T) {
	c := newTestAdapter().ExecCommand(backend.Ref{Name: "web"}, []string{"rexx", "-"}, "say hi")
	assert.Equal(t, []string{"exec", "-i", "web", "rexx", "-"}, c.Args)
	assert.Equal(t, "say hi", c.Stdin)

	c = newTestAdapter().ExecCommand(backend.Ref{Name: "web"}, []string{"ls"}, "")
	assert.Equal(t, []string{"exec", "web", "ls"}, c.Args)
}

func TestPodmanRegistration(t *testing.T) {
	driver, err := backend.New("podman", backend.Options{})
	require.NoError(t, err)
	assert.Equal(t, "podman", driver.Adapter.ListCommand().Binary)
}
