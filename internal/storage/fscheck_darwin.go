//go:build darwin

package storage

import (
	"bytes"
	"fmt"
	"syscall"
)

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	name := make([]byte, 0, len(stat.Fstypename))
	for _, c := range stat.Fstypename {
		name = append(name, byte(c))
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name), nil
}
