//go:build !windows

package execution

import (
	"os"

	"golang.org/x/sys/unix"
)

// acquireLock takes a non-blocking flock. flock locks belong to the open
// file, so two gates in one process exclude each other too.
func acquireLock(path string) (*os.File, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func releaseLock(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
