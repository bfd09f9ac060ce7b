//go:build linux

package mem

import "golang.org/x/sys/unix"

func allocBacking(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

// releaseBacking lets the kernel reclaim freed pages. They read back as zero.
func releaseBacking(b []byte) {
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
}

func freeBacking(b []byte) error {
	return unix.Munmap(b)
}
