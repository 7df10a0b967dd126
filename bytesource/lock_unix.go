//go:build !windows
// +build !windows

package bytesource

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockShared takes a non-blocking advisory shared lock: concurrent readers
// of the same input container are fine, but a writer must not be racing in.
func lockShared(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
}

// lockExclusive takes a non-blocking advisory exclusive lock, enforcing
// spec §5's "Output ByteSource: exclusively held; no concurrent reader."
func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}
