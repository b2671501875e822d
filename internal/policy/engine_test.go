package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/kura/internal/config"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
	"github.com/harunnryd/kura/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	p, err := PolicyFromConfig(config.SecurityConfig{
		MaxMemory:               "2GiB",
		MaxCPUs:                 2,
		AllowedVolumePaths:      []string{"/srv/data", "/tmp/kura/"},
		BannedCommandSubstrings: []string{"rm -rf /", "MKFS"},
	})
	require.NoError(t, err)

	audit, err := NewAuditLog(10, "", nil)
	require.NoError(t, err)
	return NewEngine(p, audit)
}

func TestValidateWithinLimits(t *testing.T) {
	e := newTestEngine(t)

	violations := e.Validate(Params{
		Operation: "create",
		Memory:    1 << 30,
		CPUs:      2,
		Volumes:   []sandbox.Volume{{Host: "/srv/data/app", Guest: "/app"}, {Host: "/tmp/kura", Guest: "/scratch"}},
		Command:   "ls -la",
	})
	assert.Empty(t, violations)
}

func TestValidateReportsEveryViolation(t *testing.T) {
	e := newTestEngine(t)

	violations := e.Validate(Params{
		Operation:  "create",
		Memory:     4 << 30,
		CPUs:       8,
		Volumes:    []sandbox.Volume{{Host: "/etc", Guest: "/etc"}},
		Command:    "mkfs.ext4 /dev/sda",
		Privileged: true,
	})
	require.Len(t, violations, 5)
	assert.Contains(t, violations[0], "memory 4.0 GiB exceeds limit 2.0 GiB")
	assert.Contains(t, violations[1], "cpus 8 exceeds limit 2")
	assert.Contains(t, violations[2], "/etc")
	assert.Contains(t, violations[3], "mkfs")
	assert.Equal(t, "privileged mode is not allowed", violations[4])
}

func TestVolumePrefixMatchesWholeComponents(t *testing.T) {
	e := newTestEngine(t)

	assert.True(t, e.volumeAllowed("/srv/data"))
	assert.True(t, e.volumeAllowed("/srv/data/x/y"))
	assert.False(t, e.volumeAllowed("/srv/database"))
	assert.False(t, e.volumeAllowed("/srv/data/../../etc"))
	assert.False(t, e.volumeAllowed("relative/path"))
}

func TestEnforceAuditsViolations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Enforce(ctx, Params{Operation: "create", Memory: 1 << 20}))
	assert.Equal(t, int64(0), e.Audit().Total())

	err := e.Enforce(ctx, Params{Operation: "create", Instance: "web", Memory: 64 << 30})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kuraErrors.ErrSecurityViolation))

	entries := e.Audit().Entries(nil)
	require.Len(t, entries, 1)
	assert.Equal(t, EventSecurityViolation, entries[0].Kind)
	assert.Equal(t, "web", entries[0].Instance)
	assert.NotEmpty(t, entries[0].ID)
}

func TestPolicyFromConfigRejectsBadSize(t *testing.T) {
	_, err := PolicyFromConfig(config.SecurityConfig{MaxMemory: "lots"})
	assert.Error(t, err)
}
