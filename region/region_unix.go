//go:build linux || darwin

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewShared allocates a region backed by an anonymous shared mapping. The
// mapping survives fork, so the region may be shared with child processes;
// the park/unpark layer's futex backend operates on such mappings directly.
//
// Close must be called to release the mapping.
func NewShared(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf(`%w: non-positive size %d`, ErrBadLayout, size)
	}
	// page granularity; mmap returns page-aligned memory, which satisfies
	// the 8-byte base alignment requirement
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf(`region: mmap failed: %w`, err)
	}
	return &Region{
		mem:   b[:size],
		unmap: func() error { return unix.Munmap(b) },
	}, nil
}
