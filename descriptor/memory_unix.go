//go:build unix

package descriptor

import (
	"golang.org/x/sys/unix"
)

// allocate maps anonymous memory for count descriptors. Page granularity is
// more than enough to satisfy the alignment of the descriptor table.
func allocate(count int) ([]byte, error) {
	return unix.Mmap(-1, 0, count*Size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}
