// Package fs provides the filesystem abstraction the daemon's engines write
// through.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using [os] package
//   - [AtomicWriter]: durable temp-file+rename writes
//
// Every write that targets a vault-visible path goes through [AtomicWriter],
// so readers never observe a partially written note, card, or state file.
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all standard
// library functions that accept [io.Reader], [io.Writer], [io.Seeker], or
// [io.Closer].
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	// Used for low-level operations like flock.
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error

	// Chmod changes the mode of the file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error
}

// FS defines filesystem operations for reading, writing, and managing files.
//
// All methods mirror their [os] package equivalents. Paths use OS semantics
// (like the os package and path/filepath), not the slash-separated paths used
// by the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary. See [os.WriteFile].
	//
	// Note: WriteFile is not atomic or durable. For vault-visible paths use
	// [AtomicWriter] instead.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// ReadDir reads a directory. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all missing parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file metadata. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove removes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Rename renames (moves) a file. See [os.Rename]. Both paths must be on
	// the same filesystem for the rename to be atomic.
	Rename(oldpath, newpath string) error
}
