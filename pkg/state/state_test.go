package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureStateDirs(t *testing.T) {
	db := filepath.Join(t.TempDir(), "db")
	require.NoError(t, EnsureStateDirs(db))

	p := PathsFor(db)
	for _, dir := range []string{p.Store, p.Audit, p.Crash, p.Abort, p.Tmp} {
		fi, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, fi.IsDir(), dir)
	}
	assert.Equal(t, filepath.Join(db, "state", "audit"), AuditPath(db))

	// idempotent
	require.NoError(t, EnsureStateDirs(db))
}

func TestEnsureStateDirsRejectsFile(t *testing.T) {
	db := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(db, "store"), []byte("x"), 0o600))
	err := EnsureStateDirs(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestEnsureStateDirsRejectsSymlink(t *testing.T) {
	db := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(db, "store")))
	err := EnsureStateDirs(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestWriteCrashDump(t *testing.T) {
	db := t.TempDir()
	t.Setenv("VERIFIER_API_ADMIN_KEYS", "very-secret")

	dump, req, err := WriteCrashDump(db, "boot failed", errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dump, CrashPath(db)))

	b, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(b), "reason: boot failed")
	assert.Contains(t, string(b), "error: boom")
	assert.Contains(t, string(b), "VERIFIER_API_ADMIN_KEYS")
	assert.NotContains(t, string(b), "very-secret")

	rb, err := os.ReadFile(req)
	require.NoError(t, err)
	assert.Contains(t, string(rb), `"cmd": "crash"`)
}
