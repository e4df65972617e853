//go:build windows

package local

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func storageFree(path string) (int64, error) {
	var free, total, avail uint64

	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("failed to encode path %s: %w", path, err)
	}

	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &avail); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}

	return int64(free), nil
}
