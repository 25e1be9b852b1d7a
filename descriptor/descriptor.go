package descriptor

import (
	"unsafe"
)

// Owner tells who may currently access the segment referenced by a
// [Descriptor].
type Owner uint8

const (
	// OwnerCPU means software may read and write the segment.
	OwnerCPU Owner = iota
	// OwnerDMA means the segment belongs to the hardware. Software must not
	// write it until ownership was handed back.
	OwnerDMA
)

func (o Owner) String() string {
	switch o {
	case OwnerCPU:
		return "cpu"
	case OwnerDMA:
		return "dma"
	default:
		return "unknown"
	}
}

// Bit layout of the first descriptor word.
const (
	dw0SizeMask    uint32 = 0xfff
	dw0LengthShift        = 12
	dw0LengthMask  uint32 = 0xfff << dw0LengthShift
	dw0ErrEOF      uint32 = 1 << 28
	dw0SucEOF      uint32 = 1 << 30
	dw0Owner       uint32 = 1 << 31
)

// MaxBufferSize is the largest segment a single descriptor can reference,
// limited by the width of the size and length fields.
const MaxBufferSize = int(dw0SizeMask)

// Size is the number of bytes a [Descriptor] occupies in memory.
const Size = int(unsafe.Sizeof(Descriptor{}))

// Descriptor describes one segment of a buffer. The layout is shared with the
// hardware, do not reorder the fields.
type Descriptor struct {
	// dw0 packs size, length, the end of frame markers and the owner bit.
	dw0 uint32
	// buffer is the address of the segment. The descriptor does not own the
	// memory.
	buffer uintptr
	// next is the address of the following descriptor, 0 ends the chain.
	next uintptr
}

// Size returns the capacity of the referenced segment.
func (d *Descriptor) Size() int {
	return int(d.dw0 & dw0SizeMask)
}

// SetSize sets the capacity of the referenced segment.
func (d *Descriptor) SetSize(n int) {
	d.dw0 = d.dw0&^dw0SizeMask | uint32(n)&dw0SizeMask
}

// Length returns the number of valid bytes in the segment.
func (d *Descriptor) Length() int {
	return int(d.dw0 & dw0LengthMask >> dw0LengthShift)
}

// SetLength sets the number of valid bytes in the segment.
func (d *Descriptor) SetLength(n int) {
	d.dw0 = d.dw0&^dw0LengthMask | uint32(n)<<dw0LengthShift&dw0LengthMask
}

func (d *Descriptor) Owner() Owner {
	if d.dw0&dw0Owner != 0 {
		return OwnerDMA
	}
	return OwnerCPU
}

func (d *Descriptor) SetOwner(o Owner) {
	d.set(dw0Owner, o == OwnerDMA)
}

// SucEOF reports whether the descriptor ends a frame that was transferred
// successfully.
func (d *Descriptor) SucEOF() bool {
	return d.dw0&dw0SucEOF != 0
}

func (d *Descriptor) SetSucEOF(v bool) {
	d.set(dw0SucEOF, v)
}

// ErrEOF reports whether the descriptor ends a frame that was cut short.
func (d *Descriptor) ErrEOF() bool {
	return d.dw0&dw0ErrEOF != 0
}

func (d *Descriptor) SetErrEOF(v bool) {
	d.set(dw0ErrEOF, v)
}

// Buffer returns the address of the referenced segment.
func (d *Descriptor) Buffer() uintptr {
	return d.buffer
}

func (d *Descriptor) SetBuffer(addr uintptr) {
	d.buffer = addr
}

// Next returns the address of the following descriptor, or 0 at the end of
// the chain.
func (d *Descriptor) Next() uintptr {
	return d.next
}

func (d *Descriptor) SetNext(addr uintptr) {
	d.next = addr
}

func (d *Descriptor) set(bit uint32, v bool) {
	if v {
		d.dw0 |= bit
	} else {
		d.dw0 &^= bit
	}
}

// Bytes exposes the memory of d. It is used by device models that copy
// descriptors in and out of device visible memory.
func Bytes(d *Descriptor) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(d)), Size)
}
