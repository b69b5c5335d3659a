// Package vfs is the filesystem seam of the engine. Production code runs on
// Default; crash and I/O failure tests swap in a FaultInjectionFS.
package vfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FS is the set of filesystem operations the engine performs.
type FS interface {
	// Create opens name for writing, truncating any existing file.
	Create(name string) (WritableFile, error)
	// OpenAppend opens an existing file positioned at its end.
	OpenAppend(name string) (WritableFile, error)
	Open(name string) (SequentialFile, error)

	Rename(oldname, newname string) error
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	Exists(name string) bool
	ListDir(path string) ([]string, error)

	// Lock takes an exclusive lock on name, creating it if needed. Closing
	// the result releases the lock.
	Lock(name string) (io.Closer, error)

	// SyncDir makes creates, renames and removals inside path durable.
	SyncDir(path string) error
}

// WritableFile is an append-only file handle.
type WritableFile interface {
	io.WriteCloser
	Sync() error
	Append(data []byte) error
	Truncate(size int64) error
	Size() (int64, error)
}

// SequentialFile is a forward-only reader.
type SequentialFile interface {
	io.ReadCloser
	Skip(n int64) error
}

// ReadFile returns the whole content of name.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// WriteFileAtomic replaces name with data so that after a crash the old or
// the new content is present, never a mix. The data goes to name+".tmp",
// is synced, and is renamed over name before the directory is synced.
func WriteFileAtomic(fs FS, name string, data []byte) (err error) {
	tmp := name + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(tmp)
		}
	}()

	if err = f.Append(data); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err = fs.Rename(tmp, name); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return fs.SyncDir(filepath.Dir(name))
}

// Default returns the operating system filesystem.
func Default() FS {
	return osFS{}
}

type osFS struct{}

// osFile serves as both WritableFile and SequentialFile; *os.File already
// provides Read, Write, Close, Sync and Truncate.
type osFile struct {
	*os.File
}

func (f osFile) Append(data []byte) error {
	_, err := f.Write(data)
	return err
}

func (f osFile) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f osFile) Skip(n int64) error {
	_, err := f.Seek(n, io.SeekCurrent)
	return err
}

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (osFS) OpenAppend(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (osFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }
func (osFS) Remove(name string) error { return os.Remove(name) }
func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) Lock(name string) (io.Closer, error) { return lockFile(name) }

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	err = dir.Sync()
	if closeErr := dir.Close(); err == nil {
		err = closeErr
	}
	return err
}
