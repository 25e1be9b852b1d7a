package hal

import (
	"unsafe"
)

// Alloc returns a zeroed buffer of size bytes whose first byte is aligned to
// alignment, the way DMA buffers have to be. alignment must be a power of 2.
func Alloc(size, alignment int) []byte {
	if alignment <= 1 {
		return make([]byte, size)
	}

	b := make([]byte, size+alignment-1)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	offset := int(-base & uintptr(alignment-1))
	return b[offset : offset+size : offset+size]
}

// Aligned reports whether b starts at a multiple of alignment.
func Aligned(b []byte, alignment int) bool {
	if alignment <= 1 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))&uintptr(alignment-1) == 0
}
