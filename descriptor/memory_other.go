//go:build !unix

package descriptor

import (
	"unsafe"
)

// allocate falls back to the Go heap where anonymous mappings are not
// available. Allocating typed descriptors keeps the required alignment.
func allocate(count int) ([]byte, error) {
	d := make([]Descriptor, count)
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), count*Size), nil
}

func release([]byte) error {
	return nil
}
