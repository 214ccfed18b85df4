//go:build unix

package platform

import "golang.org/x/sys/unix"

func mmapArena(size int) ([]byte, error) {
	// Anonymous and private: the arena is process memory, not a file.
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func mprotectExec(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC)
}

func munmapArena(b []byte) error {
	return unix.Munmap(b)
}

func pageSize() int { return unix.Getpagesize() }
