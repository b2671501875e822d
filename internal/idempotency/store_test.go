package idempotency

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRememberAndLookup(t *testing.T) {
	s, err := NewStore("", time.Minute)
	require.NoError(t, err)

	_, ok := s.Lookup("k1")
	assert.False(t, ok)

	require.NoError(t, s.Remember("k1", json.RawMessage(`{"success":true}`)))
	got, ok := s.Lookup("k1")
	require.True(t, ok)
	assert.JSONEq(t, `{"success":true}`, string(got))
	assert.Equal(t, 1, s.Len())
}

func TestExpiredKeysAreIgnoredAndPruned(t *testing.T) {
	s, err := NewStore("", time.Minute)
	require.NoError(t, err)

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Remember("old", json.RawMessage(`1`)))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok := s.Lookup("old")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 0, s.Len())
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")

	s, err := NewStore(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Remember("create-web", json.RawMessage(`{"operation":"create"}`)))

	reopened, err := NewStore(path, time.Hour)
	require.NoError(t, err)
	got, ok := reopened.Lookup("create-web")
	require.True(t, ok)
	assert.JSONEq(t, `{"operation":"create"}`, string(got))
}

func TestDefaultTTL(t *testing.T) {
	s, err := NewStore("", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, s.TTL())
}
