package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Errors returned by a FaultInjectionFS in place of real I/O failures.
var (
	ErrInjectedReadError  = errors.New("vfs: injected read error")
	ErrInjectedWriteError = errors.New("vfs: injected write error")
	ErrInjectedSyncError  = errors.New("vfs: injected sync error")
)

// FaultInjectionFS wraps another FS, fails chosen operations on demand and
// remembers how much of each written file has been synced, so tests can
// throw away exactly what a power loss would.
type FaultInjectionFS struct {
	base FS

	mu       sync.Mutex
	files    map[string]*trackedFile
	readErr  *pathMatch
	writeErr *pathMatch
	syncErr  bool
	crashed  bool
	budget   int64 // bytes allowed before a crash; negative means unlimited
}

// trackedFile is what the fault layer knows about a file it wrote.
type trackedFile struct {
	written int64
	synced  int64
	linked  bool // directory entry made durable by SyncDir
}

// pathMatch selects one file, or every file when path is empty.
type pathMatch struct {
	path string
}

func (m *pathMatch) matches(path string) bool {
	return m != nil && (m.path == "" || m.path == path)
}

// NewFaultInjectionFS wraps base with no faults armed.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:   base,
		files:  make(map[string]*trackedFile),
		budget: -1,
	}
}

func absPath(name string) string {
	if p, err := filepath.Abs(name); err == nil {
		return p
	}
	return filepath.Clean(name)
}

// SetFilesystemActive(false) makes every later mutation and sync fail, as if
// the machine had stopped.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	fs.crashed = !active
	fs.mu.Unlock()
}

// CrashAfterBytes lets n more bytes through. The write that crosses the
// limit is cut short, returns ErrInjectedWriteError and deactivates the
// filesystem, leaving a torn tail on disk.
func (fs *FaultInjectionFS) CrashAfterBytes(n int64) {
	fs.mu.Lock()
	fs.budget = n
	fs.mu.Unlock()
}

// InjectReadError fails Open of path, or of every file if path is empty.
func (fs *FaultInjectionFS) InjectReadError(path string) {
	fs.mu.Lock()
	fs.readErr = &pathMatch{path: pathOrAll(path)}
	fs.mu.Unlock()
}

// InjectWriteError fails creates and writes on path, or on every file if
// path is empty.
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.mu.Lock()
	fs.writeErr = &pathMatch{path: pathOrAll(path)}
	fs.mu.Unlock()
}

func pathOrAll(path string) string {
	if path == "" {
		return ""
	}
	return absPath(path)
}

// InjectSyncError fails every Sync.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	fs.syncErr = true
	fs.mu.Unlock()
}

// ClearErrors disarms injected errors and the crash budget. It does not
// reactivate a crashed filesystem.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	fs.readErr, fs.writeErr = nil, nil
	fs.syncErr = false
	fs.budget = -1
	fs.mu.Unlock()
}

// DropUnsyncedData truncates every tracked file back to its last synced
// length. It works on a deactivated filesystem.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for path, tf := range fs.files {
		if tf.synced >= tf.written {
			continue
		}
		f, err := fs.base.OpenAppend(path)
		if err != nil {
			continue // removed since
		}
		err = f.Truncate(tf.synced)
		_ = f.Close()
		if err != nil {
			return err
		}
		tf.written = tf.synced
	}
	return nil
}

// DeleteUnsyncedFiles removes files created since their directory was last
// synced.
func (fs *FaultInjectionFS) DeleteUnsyncedFiles() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for path, tf := range fs.files {
		if tf.linked {
			continue
		}
		if err := fs.base.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		delete(fs.files, path)
	}
	return nil
}

// GetFileState reports the synced and written lengths of a tracked file.
func (fs *FaultInjectionFS) GetFileState(path string) (syncedPos, currentPos int64, ok bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tf, ok := fs.files[absPath(path)]
	if !ok {
		return 0, 0, false
	}
	return tf.synced, tf.written, true
}

// mutationErr must be called with mu held.
func (fs *FaultInjectionFS) mutationErr(path string) error {
	if fs.crashed || fs.writeErr.matches(path) {
		return ErrInjectedWriteError
	}
	return nil
}

func (fs *FaultInjectionFS) checkMutation(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mutationErr(path)
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	path := absPath(name)
	if err := fs.checkMutation(path); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.files[path] = &trackedFile{}
	fs.mu.Unlock()
	return &faultFile{WritableFile: f, fs: fs, path: path}, nil
}

// OpenAppend treats the existing content as synced and linked.
func (fs *FaultInjectionFS) OpenAppend(name string) (WritableFile, error) {
	path := absPath(name)
	if err := fs.checkMutation(path); err != nil {
		return nil, err
	}
	f, err := fs.base.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	fs.mu.Lock()
	fs.files[path] = &trackedFile{written: size, synced: size, linked: true}
	fs.mu.Unlock()
	return &faultFile{WritableFile: f, fs: fs, path: path}, nil
}

func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	fs.mu.Lock()
	fail := fs.readErr.matches(absPath(name))
	fs.mu.Unlock()
	if fail {
		return nil, ErrInjectedReadError
	}
	return fs.base.Open(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	from, to := absPath(oldname), absPath(newname)
	if err := fs.checkMutation(to); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	fs.mu.Lock()
	if tf, ok := fs.files[from]; ok {
		fs.files[to] = tf
		delete(fs.files, from)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) Remove(name string) error {
	path := absPath(name)
	if err := fs.checkMutation(path); err != nil {
		return err
	}
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	delete(fs.files, path)
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.checkMutation(absPath(path)); err != nil {
		return err
	}
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Exists(name string) bool { return fs.base.Exists(name) }
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) { return fs.base.ListDir(path) }
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) { return fs.base.Lock(name) }

// SyncDir marks the tracked files in path as linked. The base directory is
// not synced.
func (fs *FaultInjectionFS) SyncDir(path string) error {
	dir := absPath(path)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for p, tf := range fs.files {
		if filepath.Dir(p) == dir {
			tf.linked = true
		}
	}
	return nil
}

// faultFile routes writes through the owning FaultInjectionFS.
type faultFile struct {
	WritableFile
	fs   *FaultInjectionFS
	path string
}

// reserve returns how many of n bytes may be written and whether writing
// them exhausts the crash budget.
func (fs *FaultInjectionFS) reserve(path string, n int) (int, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mutationErr(path); err != nil {
		return 0, false, err
	}
	switch {
	case fs.budget < 0:
		return n, false, nil
	case int64(n) <= fs.budget:
		fs.budget -= int64(n)
		return n, false, nil
	default:
		allowed := int(fs.budget)
		fs.budget = 0
		fs.crashed = true
		return allowed, true, nil
	}
}

func (f *faultFile) Write(p []byte) (int, error) {
	allowed, crash, err := f.fs.reserve(f.path, len(p))
	if err != nil {
		return 0, err
	}
	n, err := f.WritableFile.Write(p[:allowed])

	f.fs.mu.Lock()
	if tf, ok := f.fs.files[f.path]; ok {
		tf.written += int64(n)
	}
	f.fs.mu.Unlock()

	if err == nil && crash {
		err = ErrInjectedWriteError
	}
	return n, err
}

func (f *faultFile) Append(data []byte) error {
	_, err := f.Write(data)
	return err
}

func (f *faultFile) Sync() error {
	f.fs.mu.Lock()
	fail := f.fs.syncErr || f.fs.crashed
	f.fs.mu.Unlock()
	if fail {
		return ErrInjectedSyncError
	}
	if err := f.WritableFile.Sync(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if tf, ok := f.fs.files[f.path]; ok {
		tf.synced = tf.written
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultFile) Truncate(size int64) error {
	if err := f.fs.checkMutation(f.path); err != nil {
		return err
	}
	if err := f.WritableFile.Truncate(size); err != nil {
		return err
	}
	f.fs.mu.Lock()
	if tf, ok := f.fs.files[f.path]; ok {
		tf.written = size
		tf.synced = min(tf.synced, size)
	}
	f.fs.mu.Unlock()
	return nil
}
