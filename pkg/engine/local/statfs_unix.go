//go:build !windows

package local

import (
	"fmt"
	"syscall"
)

func storageFree(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil //nolint:unconvert // Bavail/Bsize types differ across platforms.
}
