package executor

import (
	"os"

	"github.com/gofrs/flock"
)

// CycleLock serializes executor cycles on one machine. Overlapping cron
// invocations are expected and must silently yield, never queue up.
type CycleLock struct {
	fl *flock.Flock
}

func NewCycleLock(path string) *CycleLock {
	return &CycleLock{fl: flock.New(path)}
}

// TryAcquire attempts to take the lock without blocking.
func (l *CycleLock) TryAcquire() (bool, error) {
	return l.fl.TryLock()
}

func (l *CycleLock) Release() error {
	return l.fl.Unlock()
}

// Break removes the lock file. Only for operator intervention after a
// crash left the file behind on a filesystem without proper flock
// semantics.
func (l *CycleLock) Break() error {
	_ = l.fl.Unlock()
	if err := os.Remove(l.fl.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
