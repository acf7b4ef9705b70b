// Package lock implements the mailbox locking strategy used by the mbox
// driver: an fcntl whole-file write lock, an flock lock, and a dotlock,
// applied together in sequence rather than as alternatives, with
// stale-lock detection for the dotlock step. Grounded on mailspool.c's
// file_lock/file_unlock, whose header notes that "some or all of fcntl,
// flock and .lock locking are done" for a single mailbox open.
package lock

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// FileLock represents the locks held on a mailbox file, released by Release.
type FileLock struct {
	path      string
	fd        int
	dotlock   string
	usedFcntl bool
	usedFlock bool
}

// Acquire takes every lock configured for path: an fcntl whole-file write
// lock, then an flock exclusive lock on the same fd (belt-and-braces,
// since NFS clients historically honor only one of the two kernel lock
// managers), then a marker file — an NFS-safe link(2) dotlock with
// stale-owner detection when useDotlock is set, otherwise a plain
// "<path>.lock" marker matching the original's simpler default. All three
// steps are applied in sequence; none is skipped in favor of another.
func Acquire(path string, useDotlock bool) (*FileLock, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fl := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &fl); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fcntl lock %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unlockFcntl(fd)
		unix.Close(fd)
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	lock := &FileLock{path: path, fd: fd, usedFcntl: true, usedFlock: true}

	dotlock, err := acquireMarker(path, useDotlock)
	if err != nil {
		lock.Release()
		return nil, err
	}
	lock.dotlock = dotlock

	return lock, nil
}

// AcquireFcntl takes only the fcntl+flock pair, with no marker file. Kept
// for callers that manage their own dotlock step.
func AcquireFcntl(path string) (*FileLock, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fl := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &fl); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fcntl lock %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unlockFcntl(fd)
		unix.Close(fd)
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &FileLock{path: path, fd: fd, usedFcntl: true, usedFlock: true}, nil
}

func unlockFcntl(fd int) {
	fl := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 0}
	unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &fl)
}

// Release drops every lock taken by Acquire/AcquireFcntl and removes the
// marker file, if any.
func (l *FileLock) Release() error {
	var firstErr error
	if l.dotlock != "" {
		if err := os.Remove(l.dotlock); err != nil {
			firstErr = err
		}
	}
	if l.usedFlock {
		unix.Flock(l.fd, unix.LOCK_UN)
	}
	if l.usedFcntl {
		unlockFcntl(l.fd)
	}
	if l.fd >= 0 {
		unix.Close(l.fd)
	}
	return firstErr
}

// acquireMarker creates the marker-file half of the lock: a stale-aware
// NFS-safe dotlock when useDotlock is set, otherwise a plain exclusive
// marker file. Returns the marker's path for later removal by Release.
func acquireMarker(path string, useDotlock bool) (string, error) {
	if useDotlock {
		return acquireDotlock(path)
	}

	dotlock := path + ".lock"
	lfd, err := unix.Open(dotlock, unix.O_EXCL|unix.O_CREAT|unix.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create lockfile %s: %w", dotlock, err)
	}
	unix.Close(lfd)
	return dotlock, nil
}

// AcquireDotlock takes only the NFS-safe link(2) dotlock, with no fcntl or
// flock step. Kept for callers that manage their own whole-file locking.
func AcquireDotlock(path string) (*FileLock, error) {
	dotlock, err := acquireDotlock(path)
	if err != nil {
		return nil, err
	}
	return &FileLock{path: path, fd: -1, dotlock: dotlock}, nil
}

// acquireDotlock takes an NFS-safe dotlock via link(2) to a per-process
// "hitching post" file, retrying past stale locks whose owning pid is no
// longer alive (checked with kill(pid, 0)).
func acquireDotlock(path string) (string, error) {
	dotlock := path + ".lock"
	hitch := fmt.Sprintf("%s.%d", dotlock, os.Getpid())

	hf, err := os.OpenFile(hitch, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("create hitching post %s: %w", hitch, err)
	}
	fmt.Fprintf(hf, "%d\n", os.Getpid())
	hf.Close()
	defer os.Remove(hitch)

	const retries = 5
	for attempt := 0; attempt < retries; attempt++ {
		if err := os.Link(hitch, dotlock); err == nil {
			return dotlock, nil
		}

		if pid, staleErr := readLockPID(dotlock); staleErr == nil && !processAlive(pid) {
			os.Remove(dotlock)
			continue
		}
		time.Sleep(200 * time.Millisecond)
	}

	return "", fmt.Errorf("could not acquire dotlock %s: locked by live process", dotlock)
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
