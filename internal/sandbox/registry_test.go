package sandbox

import (
	"errors"
	"testing"

	kuraErrors "github.com/harunnryd/kura/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(Instance{Name: "web", Status: StatusStopped}))

	err := r.Insert(Instance{Name: "web"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kuraErrors.ErrConflict))
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(Instance{
		Name:      "web",
		Status:    StatusStopped,
		Resources: ResourceSpec{Env: map[string]string{"A": "1"}},
	}))

	got, err := r.Get("web")
	require.NoError(t, err)
	got.Status = StatusRunning
	got.Resources.Env["A"] = "2"

	again, err := r.Get("web")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, again.Status)
	assert.Equal(t, "1", again.Resources.Env["A"])
}

func TestRegistryUpdateKeepsRecordOnError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(Instance{Name: "web", Status: StatusStopped}))

	_, err := r.Update("web", func(inst *Instance) error {
		inst.Status = StatusRunning
		return kuraErrors.InvalidState("nope")
	})
	require.Error(t, err)

	got, _ := r.Get("web")
	assert.Equal(t, StatusStopped, got.Status)

	_, err = r.Update("missing", func(inst *Instance) error { return nil })
	assert.True(t, errors.Is(err, kuraErrors.ErrNotFound))
}

func TestRegistryChangeHook(t *testing.T) {
	r := NewRegistry()
	changes := 0
	r.OnChange(func() { changes++ })

	require.NoError(t, r.Insert(Instance{Name: "a"}))
	_, err := r.Update("a", func(inst *Instance) error { inst.Status = StatusRunning; return nil })
	require.NoError(t, err)
	assert.True(t, r.Delete("a"))
	assert.False(t, r.Delete("a"))

	assert.Equal(t, 3, changes)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c2", "base1", "c1"} {
		require.NoError(t, r.Insert(Instance{Name: name}))
	}

	var names []string
	for _, inst := range r.List() {
		names = append(names, inst.Name)
	}
	assert.Equal(t, []string{"base1", "c1", "c2"}, names)
}

func TestBaseRegistryLifecycle(t *testing.T) {
	r := NewBaseRegistry()
	require.NoError(t, r.Insert(BaseImage{Name: "base1", Status: BaseRegistering, Metadata: map[string]string{"os": "alpine"}}))
	require.Error(t, r.Insert(BaseImage{Name: "base1"}))

	updated, err := r.Update("base1", func(b *BaseImage) error { b.Status = BaseReady; return nil })
	require.NoError(t, err)
	assert.Equal(t, BaseReady, updated.Status)
	assert.Equal(t, "alpine", updated.Metadata["os"])

	assert.True(t, r.Delete("base1"))
	_, err = r.Get("base1")
	assert.True(t, errors.Is(err, kuraErrors.ErrNotFound))
}

func TestStatusTransient(t *testing.T) {
	assert.True(t, StatusStarting.Transient())
	assert.True(t, StatusRemoving.Transient())
	assert.False(t, StatusRunning.Transient())
	assert.False(t, StatusFailed.Transient())
}
