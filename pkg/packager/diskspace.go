package packager

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrInsufficientDiskSpace is returned when the output (or temp) volume
// does not have enough free space, per spec §4.C step 3.
var ErrInsufficientDiskSpace = errors.New("packager: insufficient disk space")

// freeBytes returns the number of bytes available to an unprivileged user
// on the filesystem containing dir.
func freeBytes(dir string) (uint64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("packager: statfs %s: %w", dir, err)
	}

	return stat.Bavail * uint64(stat.Bsize), nil //nolint:gosec // Bsize is always non-negative on Linux
}

// checkDiskSpace ensures dir's volume holds at least requiredBytes free,
// per spec §4.C step 3's "input + 1%" rule (the 1% margin is applied by
// the caller before calling this).
func checkDiskSpace(dir string, requiredBytes uint64) error {
	free, err := freeBytes(dir)
	if err != nil {
		return err
	}

	if free < requiredBytes {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrInsufficientDiskSpace, dir, free, requiredBytes)
	}

	return nil
}
