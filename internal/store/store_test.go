package store

import (
	"os"
	"testing"
	"time"

	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string) (*Store, *sandbox.Registry, *sandbox.BaseRegistry) {
	t.Helper()
	instances := sandbox.NewRegistry()
	bases := sandbox.NewBaseRegistry()
	s, err := Open(dir, shortLockConfig(200*time.Millisecond), instances, bases)
	require.NoError(t, err)
	return s, instances, bases
}

func TestStoreRoundTripsRegistries(t *testing.T) {
	dir := t.TempDir()
	s, instances, bases := openStore(t, dir)

	n, b, err := s.Load()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b)

	require.NoError(t, instances.Insert(sandbox.Instance{Name: "base1", Status: sandbox.StatusStopped}))
	require.NoError(t, instances.Insert(sandbox.Instance{Name: "c1", Status: sandbox.StatusRunning, ClonedFrom: "base1"}))
	require.NoError(t, instances.Insert(sandbox.Instance{Name: "mid", Status: sandbox.StatusStarting}))
	require.NoError(t, bases.Insert(sandbox.BaseImage{Name: "base1", Status: sandbox.BaseReady, BackendRef: "base1"}))
	require.NoError(t, bases.Insert(sandbox.BaseImage{Name: "half", Status: sandbox.BaseRegistering}))
	require.NoError(t, s.Close())

	reopened, instances2, bases2 := openStore(t, dir)
	defer reopened.Close()

	n, b, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, b)

	c1, err := instances2.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "base1", c1.ClonedFrom)
	assert.Equal(t, sandbox.StatusRunning, c1.Status)

	mid, err := instances2.Get("mid")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusFailed, mid.Status)

	_, err = bases2.Get("half")
	assert.Error(t, err)
}

func TestStoreWriterSavesOnChange(t *testing.T) {
	dir := t.TempDir()
	s, instances, _ := openStore(t, dir)
	s.Start()
	defer s.Close()

	require.NoError(t, instances.Insert(sandbox.Instance{Name: "web", Status: sandbox.StatusStopped}))

	require.Eventually(t, func() bool {
		st, err := ReadState(StatePath(dir))
		return err == nil && len(st.Instances) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, s.Health())
	assert.GreaterOrEqual(t, s.Saves(), int64(1))
}

func TestStoreLockExcludesSecondOpen(t *testing.T) {
	dir := t.TempDir()
	s, _, _ := openStore(t, dir)
	defer s.Close()

	_, err := Open(dir, shortLockConfig(50*time.Millisecond), sandbox.NewRegistry(), sandbox.NewBaseRegistry())
	assert.Error(t, err)
}

func TestReadStateRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(StatePath(dir), []byte("{not json"), 0o644))

	_, err := ReadState(StatePath(dir))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(StatePath(dir), []byte(`{"version":99}`), 0o644))
	_, err = ReadState(StatePath(dir))
	assert.Error(t, err)
}
