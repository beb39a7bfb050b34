//go:build !windows

package cask

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockDir takes an exclusive, non-blocking flock on the cask lock file so
// only one process owns a cask directory at a time.
func tryLockDir(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrCaskLocked
		}
		return err
	}
	return nil
}

func unlockDir(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
