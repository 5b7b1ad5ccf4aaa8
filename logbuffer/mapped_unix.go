//go:build unix

package logbuffer

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile creates or truncates the file at path to length and maps it
// read-write shared. With sparse unset the file contents are zero-filled up
// front so the backing pages exist before the log is shared.
func mapFile(path string, length int64, sparse bool) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := f.Truncate(length); err != nil {
		return nil, err
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	if !sparse {
		// Touch every page so faults are taken here, not on the send path.
		pageSize := os.Getpagesize()
		for i := 0; i < len(mapping); i += pageSize {
			mapping[i] = 0
		}
	}

	return mapping, nil
}

func unmapFile(mapping []byte) error {
	return unix.Munmap(mapping)
}
