package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioguard/internal/domain"
)

func fakeProc(t *testing.T, procs map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for pid, comm := range procs {
		dir := filepath.Join(root, pid)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	}
	return root
}

func TestLookupReadsProcFilesystem(t *testing.T) {
	r := NewResolverAt(fakeProc(t, map[string]string{"4242": "firefox"}))

	info, err := r.Lookup(4242, "Firefox")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessInfo{PID: 4242, Name: "firefox"}, info)

	_, err = r.Lookup(1, "gone")
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestRegisteredProcessesWinOverProc(t *testing.T) {
	r := NewResolverAt(fakeProc(t, map[string]string{"7": "sh"}))
	r.Register(7, "game.exe")

	info, err := r.Lookup(7, "")
	require.NoError(t, err)
	assert.Equal(t, "game.exe", info.Name)

	r.Unregister(7)
	info, err = r.Lookup(7, "")
	require.NoError(t, err)
	assert.Equal(t, "sh", info.Name)
}

func TestMissingProcFilesystem(t *testing.T) {
	r := NewResolverAt(filepath.Join(t.TempDir(), "nope"))
	_, err := r.Lookup(1, "init")
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)

	r.Register(1, "init")
	info, err := r.Lookup(1, "")
	require.NoError(t, err)
	assert.Equal(t, "init", info.Name)
}

func TestCache(t *testing.T) {
	r := NewResolverAt(t.TempDir())
	_, ok := r.Resolve(9)
	assert.False(t, ok)

	r.Cache(domain.ProcessInfo{PID: 9, Name: "music"})
	info, ok := r.Resolve(9)
	require.True(t, ok)
	assert.Equal(t, "music", info.Name)
	assert.Equal(t, 1, r.Len())

	r.Unregister(9)
	_, ok = r.Resolve(9)
	assert.False(t, ok)
}
