package clone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/backend/fake"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/lifecycle"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine    *Engine
	ctrl      *lifecycle.Controller
	fake      *fake.Backend
	instances *sandbox.Registry
	bases     *sandbox.BaseRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := fake.New()
	instances := sandbox.NewRegistry()
	bases := sandbox.NewBaseRegistry()
	ctrl := lifecycle.NewController(b.Adapter(), b, instances, lifecycle.Config{
		PollInterval:   5 * time.Millisecond,
		MaxWait:        200 * time.Millisecond,
		CommandTimeout: time.Second,
	})
	return &harness{
		engine:    NewEngine(b.Adapter(), b, instances, bases, ctrl),
		ctrl:      ctrl,
		fake:      b,
		instances: instances,
		bases:     bases,
	}
}

func (h *harness) create(t *testing.T, name string) {
	t.Helper()
	_, err := h.ctrl.Create(context.Background(), backend.CreateSpec{Name: name, Image: "alpine"}, false)
	require.NoError(t, err)
}

func TestRegisterBaseRequiresStopped(t *testing.T) {
	h := newHarness(t)
	h.create(t, "base1")
	_, err := h.ctrl.Transition(context.Background(), "base1", sandbox.OpStart)
	require.NoError(t, err)

	_, err = h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kuraErrors.ErrInvalidState))
	assert.Empty(t, h.bases.List())
}

func TestRegisterBaseCanStopFirst(t *testing.T) {
	h := newHarness(t)
	h.create(t, "base1")
	_, err := h.ctrl.Transition(context.Background(), "base1", sandbox.OpStart)
	require.NoError(t, err)

	base, err := h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{Stop: true, Metadata: map[string]string{"os": "alpine"}})
	require.NoError(t, err)
	assert.Equal(t, sandbox.BaseReady, base.Status)
	assert.Equal(t, "alpine", base.Metadata["os"])

	inst, _ := h.instances.Get("base1")
	assert.Equal(t, sandbox.StatusStopped, inst.Status)
}

func TestRegisterBaseFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t)
	h.create(t, "base1")
	h.fake.Fail("snapshot", "pool full")

	_, err := h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{})
	require.Error(t, err)
	assert.Empty(t, h.bases.List())

	h.fake.Fail("snapshot", "")
	_, err = h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{})
	require.NoError(t, err)

	_, err = h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{})
	assert.True(t, errors.Is(err, kuraErrors.ErrConflict))
}

func TestCloneFromUnknownBase(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.CloneFromBase(context.Background(), "nope", "c1", sandbox.ResourceSpec{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kuraErrors.ErrNotFound))
	assert.False(t, h.instances.Exists("c1"))
	assert.Equal(t, 0, h.fake.Calls("clone"))
}

func TestCloneFromRemovedBase(t *testing.T) {
	h := newHarness(t)
	h.create(t, "base1")
	_, err := h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{})
	require.NoError(t, err)

	c1, err := h.engine.CloneFromBase(context.Background(), "base1", "c1", sandbox.ResourceSpec{})
	require.NoError(t, err)

	_, err = h.engine.RemoveBase(context.Background(), "base1")
	require.NoError(t, err)

	_, err = h.engine.CloneFromBase(context.Background(), "base1", "c2", sandbox.ResourceSpec{})
	assert.True(t, errors.Is(err, kuraErrors.ErrNotFound))

	kept, err := h.instances.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, c1.ClonedFrom, kept.ClonedFrom)
}

func TestCloneFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t)
	h.create(t, "base1")
	_, err := h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{})
	require.NoError(t, err)
	h.fake.Fail("clone", "no space left")

	_, err = h.engine.CloneFromBase(context.Background(), "base1", "c1", sandbox.ResourceSpec{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kuraErrors.ErrBackendExecution))
	assert.False(t, h.instances.Exists("c1"))
}

func TestCloneRejectsExistingName(t *testing.T) {
	h := newHarness(t)
	h.create(t, "base1")
	_, err := h.engine.RegisterBase(context.Background(), "base1", RegisterOptions{})
	require.NoError(t, err)

	_, err = h.engine.CloneFromBase(context.Background(), "base1", "base1", sandbox.ResourceSpec{})
	assert.True(t, errors.Is(err, kuraErrors.ErrConflict))
}

func TestCloneTimeIndependentOfBaseSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, base := range []struct {
		name string
		size int64
	}{{"small", 1 << 30}, {"large", 10 << 30}} {
		h.fake.Seed(base.name, sandbox.StatusStopped, base.size)
		require.NoError(t, h.instances.Insert(sandbox.Instance{Name: base.name, BackendRef: "fake://" + base.name, Status: sandbox.StatusStopped}))
		_, err := h.engine.RegisterBase(ctx, base.name, RegisterOptions{})
		require.NoError(t, err)

		start := time.Now()
		inst, err := h.engine.CloneFromBase(ctx, base.name, base.name+"-clone", sandbox.ResourceSpec{})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, int64(0), h.fake.Size(inst.Name))
		assert.Equal(t, base.name, h.fake.Backing(inst.Name))
	}
}

func TestEndToEndBaseAndTwoClones(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "base1")

	_, err := h.engine.RegisterBase(ctx, "base1", RegisterOptions{})
	require.NoError(t, err)
	_, err = h.engine.CloneFromBase(ctx, "base1", "c1", sandbox.ResourceSpec{})
	require.NoError(t, err)
	_, err = h.engine.CloneFromBase(ctx, "base1", "c2", sandbox.ResourceSpec{})
	require.NoError(t, err)

	list := h.instances.List()
	require.Len(t, list, 3)
	byName := map[string]sandbox.Instance{}
	for _, inst := range list {
		byName[inst.Name] = inst
	}
	assert.Contains(t, byName, "base1")
	assert.Equal(t, "base1", byName["c1"].ClonedFrom)
	assert.Equal(t, "base1", byName["c2"].ClonedFrom)
	assert.Equal(t, sandbox.StatusStopped, byName["c1"].Status)

	bases := h.engine.ListBases()
	require.Len(t, bases, 1)
	assert.Equal(t, sandbox.BaseReady, bases[0].Status)
}

func TestRegisteredBaseFreezesSourceInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "base1")

	_, err := h.engine.RegisterBase(ctx, "base1", RegisterOptions{})
	require.NoError(t, err)
	_, err = h.engine.CloneFromBase(ctx, "base1", "c1", sandbox.ResourceSpec{})
	require.NoError(t, err)

	for _, op := range []sandbox.Operation{sandbox.OpStart, sandbox.OpRestore, sandbox.OpRemove} {
		_, err := h.ctrl.Transition(ctx, "base1", op)
		assert.True(t, errors.Is(err, kuraErrors.ErrInvalidState), "%s: %v", op, err)
	}
	_, err = h.ctrl.StartIfStopped(ctx, "base1")
	assert.True(t, errors.Is(err, kuraErrors.ErrInvalidState))

	inst, err := h.instances.Get("base1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusStopped, inst.Status)
	base, err := h.bases.Get("base1")
	require.NoError(t, err)
	assert.Equal(t, sandbox.BaseReady, base.Status)
	state, present := h.fake.State("base1")
	assert.True(t, present)
	assert.Equal(t, sandbox.StatusStopped, state)

	_, err = h.engine.RemoveBase(ctx, "base1")
	require.NoError(t, err)
	out, err := h.ctrl.Transition(ctx, "base1", sandbox.OpStart)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, out.Instance.Status)
}
