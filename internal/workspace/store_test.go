package workspace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrelay/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ws"), 0)
	require.NoError(t, err)
	return s
}

func TestAcquire_Idempotent(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Acquire("alice")
	require.NoError(t, err)
	second, err := s.Acquire("alice")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	info, err := os.Stat(first)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAcquire_DistinctUsersDisjoint(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Acquire("alice")
	require.NoError(t, err)
	b, err := s.Acquire("bob")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	rel, err := filepath.Rel(a, b)
	require.NoError(t, err)
	assert.Contains(t, rel, "..")
}

func TestAcquire_InvalidIdentifier(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "..", "../etc", "a/b", "a b", "a\x00b", string(make([]byte, 65))} {
		_, err := s.Acquire(id)
		assert.ErrorIs(t, err, domain.ErrInvalidIdentifier, "id %q", id)
	}
}

func TestClear_KeepsDirectory(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.Acquire("alice")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deep"), 0o750))

	require.NoError(t, s.Clear("alice"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	again, err := s.Acquire("alice")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestClear_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Clear("alice"))
	require.NoError(t, s.Clear("alice"))
}

func TestClear_OtherUsersUntouched(t *testing.T) {
	s := newTestStore(t)
	bob, err := s.Acquire("bob")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bob, "keep.txt"), []byte("x"), 0o600))

	require.NoError(t, s.Clear("alice"))

	_, err = os.Stat(filepath.Join(bob, "keep.txt"))
	assert.NoError(t, err)
}

func TestAttachFile(t *testing.T) {
	s := newTestStore(t)

	att, err := s.AttachFile("alice", []byte("hello world\n"), "notes.txt")
	require.NoError(t, err)

	assert.Equal(t, "notes.txt", att.Name)
	assert.Equal(t, int64(12), att.Size)
	assert.Contains(t, att.MIME, "text/plain")

	data, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))
}

func TestAttachFile_StripsDirectories(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.Acquire("alice")
	require.NoError(t, err)

	att, err := s.AttachFile("alice", []byte("x"), "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "passwd"), att.Path)
}

func TestAttachFile_InvalidName(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", ".", "..", "/", ".upload-123"} {
		_, err := s.AttachFile("alice", []byte("x"), name)
		assert.ErrorIs(t, err, domain.ErrInvalidFilename, "name %q", name)
	}
}

func TestAttachFile_TooLargeWritesNothing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	s, err := New(root, 0)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("a"), 21<<20)
	_, err = s.AttachFile("alice", data, "big.bin")
	assert.ErrorIs(t, err, domain.ErrFileTooLarge)

	// Not even the user's directory was created.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAttachFile_ExactLimitAccepted(t *testing.T) {
	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)

	_, err = s.AttachFile("alice", bytes.Repeat([]byte("a"), 16), "ok.bin")
	assert.NoError(t, err)
	_, err = s.AttachFile("alice", bytes.Repeat([]byte("a"), 17), "big.bin")
	assert.ErrorIs(t, err, domain.ErrFileTooLarge)
}

func TestAttachFile_Overwrites(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AttachFile("alice", []byte("one"), "f.txt")
	require.NoError(t, err)
	att, err := s.AttachFile("alice", []byte("two"), "f.txt")
	require.NoError(t, err)

	data, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(att.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUsage(t *testing.T) {
	s := newTestStore(t)

	files, size, err := s.Usage("alice")
	require.NoError(t, err)
	assert.Zero(t, files)
	assert.Zero(t, size)

	_, err = s.AttachFile("alice", []byte("12345"), "a.txt")
	require.NoError(t, err)
	_, err = s.AttachFile("alice", []byte("123"), "b.txt")
	require.NoError(t, err)

	files, size, err = s.Usage("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	assert.Equal(t, int64(8), size)
}
