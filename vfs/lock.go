//go:build !windows

package vfs

import (
	"fmt"
	"io"
	"os"
	"syscall"
)

// lockFile opens name and takes a non-blocking exclusive flock on it. The
// lock belongs to the open file description, so a second attempt from the
// same process fails too.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return flockCloser{f}, nil
}

type flockCloser struct {
	f *os.File
}

// Close drops the lock together with the descriptor.
func (c flockCloser) Close() error {
	return c.f.Close()
}
