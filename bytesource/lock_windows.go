//go:build windows

package bytesource

import "os"

// Windows file locking is handled by the OS's mandatory share-mode rules at
// CreateFile time; no additional advisory lock is needed here.
func lockShared(f *os.File) error {
	return nil
}

func lockExclusive(f *os.File) error {
	return nil
}
