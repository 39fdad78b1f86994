//go:build darwin || linux || freebsd

package sim

import "golang.org/x/sys/unix"

// allocateBacking maps anonymous, demand paged memory.
func allocateBacking(size uint64) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
