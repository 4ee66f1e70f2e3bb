package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_RecordsCreatedFiles(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.Acquire("alice")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "before.txt"), []byte("x"), 0o600))

	cs, err := s.Watch("alice")
	require.NoError(t, err)
	defer cs.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("result"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "main.go"), []byte("package main"), 0o600))

	assert.Eventually(t, func() bool {
		changed := cs.Changed()
		return contains(changed, "out.txt") && contains(changed, "pkg/main.go")
	}, 2*time.Second, 20*time.Millisecond)

	assert.NotContains(t, cs.Close(), "before.txt")
}

func TestWatch_RemovedFilesDropped(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.Acquire("alice")
	require.NoError(t, err)

	cs, err := s.Watch("alice")
	require.NoError(t, err)

	tmp := filepath.Join(dir, "scratch.txt")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0o600))
	assert.Eventually(t, func() bool { return contains(cs.Changed(), "scratch.txt") },
		2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(tmp))
	assert.Eventually(t, func() bool { return !contains(cs.Changed(), "scratch.txt") },
		2*time.Second, 20*time.Millisecond)

	cs.Close()
	cs.Close()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
