package cask

import "errors"

var (
	// ErrNotFound is returned by Get when the key is absent or tombstoned.
	// It is a normal result, not a storage fault.
	ErrNotFound = errors.New("cask: key not found")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("cask: store closed")

	// ErrCaskLocked indicates another process holds the cask directory.
	ErrCaskLocked = errors.New("cask: directory locked by another process")
)
