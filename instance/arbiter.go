package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// errWouldBlock is returned by the platform lock helpers when another process
// already holds the lock.
var errWouldBlock = errors.New("lock held by another process")

// Arbiter elects one primary launcher per user session. The election is made
// once in Acquire and does not change for the lifetime of the process.
type Arbiter struct {
	path    string
	primary bool

	mu   sync.Mutex
	file *os.File
}

// Acquire attempts to take an exclusive lock on lockPath. Failure to obtain
// the lock is not an error: the returned Arbiter then reports a secondary
// instance. Only I/O failures unrelated to contention are returned as errors.
func Acquire(lockPath string) (*Arbiter, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("unable to open lock file: %w", err)
	}

	a := &Arbiter{path: lockPath}
	err = lockFile(f)
	switch {
	case err == nil:
		a.primary = true
		a.file = f
		log.Infof("Acquired instance lock %s", lockPath)

	case errors.Is(err, errWouldBlock):
		f.Close()
		log.Infof("Another launcher instance holds %s", lockPath)

	default:
		f.Close()
		return nil, fmt.Errorf("unable to lock %s: %w", lockPath, err)
	}

	return a, nil
}

// Primary reports whether this process won the election.
func (a *Arbiter) Primary() bool {
	return a.primary
}

// ShouldBlock reports whether the running process must refuse to spawn
// daemons or create config files. That is the case for secondary instances
// in simple mode, which share the primary's managed daemon.
func (a *Arbiter) ShouldBlock(advanced bool) bool {
	return !a.primary && !advanced
}

// Release drops the lock. It is safe to call more than once.
func (a *Arbiter) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}

	err := unlockFile(a.file)
	if cerr := a.file.Close(); err == nil {
		err = cerr
	}
	a.file = nil

	log.Debugf("Released instance lock %s", a.path)
	return err
}
