//go:build windows

package lock

import (
	"errors"
	"os"
)

// No advisory locking here; the PID file is informational only.
var errWouldBlock = errors.New("lock held")

func tryLock(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
