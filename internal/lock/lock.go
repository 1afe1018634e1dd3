// Package lock holds the configuration file under an exclusive
// non-blocking advisory lock for the process lifetime, so concurrent
// invocations against the same config fail fast instead of racing the
// same cloud destination.
package lock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Lock is an acquired advisory lock on a file. The lock is held until
// Release is called or the process exits.
type Lock struct {
	file *os.File
}

// Acquire opens path and takes an exclusive flock on it without
// blocking. A lock already held by another process is reported as a
// dedicated "already locked" error rather than a bare EAGAIN.
func Acquire(path string) (*Lock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %q: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf(
				"unable to exclusively run the program for %q configuration file: it's already locked by another process", path)
		}
		return nil, fmt.Errorf("unable to flock() %q: %w", path, err)
	}

	return &Lock{file: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlocking config file: %w", err)
	}
	return closeErr
}
