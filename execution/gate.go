package execution

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/teranos/botagent/errors"
)

// Gate is the single busy flag shared by server jobs and attended runs.
// Whoever wins TryAcquire owns the machine until Release.
//
// A zero Gate only excludes callers in this process. A Gate from NewGate
// also holds an exclusive lock on a file, so `botagent run` and a one-shot
// `botagent exec` sharing a data directory exclude each other.
type Gate struct {
	busy     atomic.Bool
	lockPath string

	mu   sync.Mutex
	lock *os.File
}

// NewGate creates a gate backed by the lock file at lockPath
func NewGate(lockPath string) *Gate {
	return &Gate{lockPath: lockPath}
}

// TryAcquire sets the gate if it is clear and reports whether it did
func (g *Gate) TryAcquire() bool {
	if !g.busy.CompareAndSwap(false, true) {
		return false
	}
	if g.lockPath == "" {
		return true
	}

	f, err := acquireLock(g.lockPath)
	if err != nil {
		g.busy.Store(false)
		return false
	}
	g.mu.Lock()
	g.lock = f
	g.mu.Unlock()
	return true
}

// Release clears the gate
func (g *Gate) Release() {
	g.mu.Lock()
	f := g.lock
	g.lock = nil
	g.mu.Unlock()
	if f != nil {
		releaseLock(f)
	}
	g.busy.Store(false)
}

// Busy reports whether an automation started by this process owns the gate
func (g *Gate) Busy() bool {
	return g.busy.Load()
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrapf(err, "failed to create lock directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lock file %s", path)
	}
	return f, nil
}
