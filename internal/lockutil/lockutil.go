// Package lockutil implements the workspace engine's worktree lock:
// an advisory, file-based lock at ".git/gitbutler/lock" that
// serializes mutating operations against one repository. See spec §5.
package lockutil

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"
)

// pollInterval is how often [Lock] retries acquisition while waiting.
// nightlyone/lockfile has no blocking API of its own, so this package
// adds a small polling loop on top of it.
const pollInterval = 50 * time.Millisecond

// Lock is an exclusive advisory lock over one repository's worktree.
//
// The zero value is not usable; construct one with [New].
type Lock struct {
	file lockfile.Lockfile
}

// New returns a [Lock] for the repository whose ".git" directory is
// gitDir. The lock file itself lives at "<gitDir>/gitbutler/lock".
func New(gitDir string) (*Lock, error) {
	path := filepath.Join(gitDir, "gitbutler", "lock")
	f, err := lockfile.New(path)
	if err != nil {
		return nil, fmt.Errorf("lockutil: %w", err)
	}
	return &Lock{file: f}, nil
}

// ErrLocked is returned by [Lock.TryLock] when another process
// currently holds the lock.
var ErrLocked = errors.New("lockutil: repository is locked by another process")

// TryLock attempts to acquire the lock without waiting. It returns
// [ErrLocked] if another process (or a now-dead process that left a
// stale lockfile nightlyone/lockfile was unable to reclaim) holds it.
func (l *Lock) TryLock() error {
	err := l.file.TryLock()
	if err == nil {
		return nil
	}
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		return ErrLocked
	}
	return fmt.Errorf("lockutil: %w", err)
}

// Lock blocks until the lock is acquired or ctx is cancelled,
// whichever happens first. This is the cancellable wait spec §5
// requires: a long-running mutating operation waiting on the
// exclusive lock must be abortable.
func (l *Lock) Lock(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		err := l.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. It is an error to call Unlock without
// having first successfully called TryLock or Lock.
func (l *Lock) Unlock() error {
	if err := l.file.Unlock(); err != nil {
		return fmt.Errorf("lockutil: %w", err)
	}
	return nil
}

// Shared is a read-side check against the exclusive [Lock].
//
// [Shared.TryRLock] takes the same exclusive lockfile and releases it
// at once, so it fails only if an exclusive holder exists at that
// moment. No reader count is kept and nothing is held after the call:
// an exclusive [Lock] taken afterwards does not wait for readers.
// It is advisory, like the rest of this package.
type Shared struct {
	lock *Lock
}

// NewShared returns a [Shared] lock for the same repository as New.
func NewShared(gitDir string) (*Shared, error) {
	l, err := New(gitDir)
	if err != nil {
		return nil, err
	}
	return &Shared{lock: l}, nil
}

// TryRLock attempts to briefly assert shared read access, returning
// [ErrLocked] if an exclusive writer currently holds the lock.
func (s *Shared) TryRLock() error {
	if err := s.lock.TryLock(); err != nil {
		return err
	}
	return s.lock.Unlock()
}
