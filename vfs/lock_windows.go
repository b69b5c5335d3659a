//go:build windows

package vfs

import (
	"io"
	"os"
)

// lockFile only creates the lock file on Windows; there is no advisory lock.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
