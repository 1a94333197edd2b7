package sqlite

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// lockPollInterval is how often a blocked Lock retries the flock.
const lockPollInterval = 50 * time.Millisecond

// fileLock serializes writers across processes with flock(2) on a sidecar
// lock file, and across goroutines with an in-process mutex (flock is
// re-entrant on a shared descriptor, so the mutex is load-bearing).
type fileLock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// Lock acquires the lock, polling until ctx expires.
func (l *fileLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if err := l.ensureOpen(); err != nil {
		l.mu.Unlock()
		return err
	}
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			l.mu.Unlock()
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			l.mu.Unlock()
			return fmt.Errorf("flock %s: %w", l.path, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// TryLock acquires the lock without blocking. Returns false when another
// holder has it.
func (l *fileLock) TryLock() (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	if err := l.ensureOpen(); err != nil {
		l.mu.Unlock()
		return false, err
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		l.mu.Unlock()
		return false, nil
	}
	if err != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	return true, nil
}

// Unlock releases the lock. Call only after a successful Lock or TryLock.
func (l *fileLock) Unlock() error {
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the descriptor. The lock file itself is left on disk.
func (l *fileLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ensureOpen lazily opens the lock file. Caller holds l.mu.
func (l *fileLock) ensureOpen() error {
	if l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.f = f
	return nil
}
