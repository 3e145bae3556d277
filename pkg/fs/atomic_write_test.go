package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"memloop/pkg/fs"
)

// Contract: an atomic write leaves either the old content or the new content,
// never a partial file, and creates missing parent directories.
func Test_AtomicWriter_WritesContent_When_ParentDirMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "note.md")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(target, strings.NewReader("hello\n"))
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(got))
}

func Test_AtomicWriter_ReplacesExistingFile_When_TargetPresent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "note.md")

	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(target, strings.NewReader("new"))
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func Test_AtomicWriter_LeavesNoTempFiles_When_WriteSucceeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "note.md")

	writer := fs.NewAtomicWriter(fs.NewReal())
	require.NoError(t, writer.WriteWithDefaults(target, strings.NewReader("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "note.md", entries[0].Name())
}

func Test_AtomicWriter_RejectsWrite_When_PermIsZero(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(filepath.Join(t.TempDir(), "f"), strings.NewReader("x"), fs.AtomicWriteOptions{})
	require.Error(t, err)
}
