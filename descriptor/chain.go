package descriptor

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrNoMem is returned when the memory for a chain could not be allocated.
	ErrNoMem = errors.New("out of descriptor memory")

	// ErrEmptyBuffer is returned when a chain would reference no bytes at all.
	ErrEmptyBuffer = errors.New("empty buffers can not be described")

	// ErrChainTooLong is returned when a buffer needs more descriptors than
	// the chain was allocated with.
	ErrChainTooLong = errors.New("buffer does not fit into the descriptor chain")

	// ErrInvalidSegmentSize is returned for segment sizes a descriptor can not
	// express.
	ErrInvalidSegmentSize = errors.New("invalid segment size")
)

// MaxSegmentSize returns the largest segment size that keeps every segment of
// a buffer aligned to alignment. alignment must be a power of 2.
func MaxSegmentSize(alignment int) int {
	if alignment <= 1 {
		return MaxBufferSize
	}
	return MaxBufferSize &^ (alignment - 1)
}

// Count returns how many descriptors are needed to describe n bytes when every
// descriptor references at most segment bytes.
func Count(n, segment int) int {
	if n <= 0 || segment <= 0 {
		return 0
	}
	return (n + segment - 1) / segment
}

// Chain is a fixed array of [Descriptor]s that are linked in address order.
// The array lives in memory that is not managed by the Go runtime, so its
// address can be handed to hardware.
type Chain struct {
	mem         []byte
	descriptors []Descriptor
}

// NewChain allocates a chain that can hold up to capacity descriptors.
func NewChain(capacity int) (*Chain, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d is too small", ErrChainTooLong, capacity)
	}

	mem, err := allocate(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMem, err)
	}

	return &Chain{
		mem:         mem,
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), capacity),
	}, nil
}

// Cap returns the number of descriptors the chain can hold.
func (c *Chain) Cap() int {
	return len(c.descriptors)
}

// Head returns the address of the first descriptor. Hardware is started with
// this address.
func (c *Chain) Head() uintptr {
	if c.descriptors == nil {
		panic("descriptor chain is closed")
	}
	return uintptr(unsafe.Pointer(&c.descriptors[0]))
}

// ByteSize returns the number of bytes occupied by the first n descriptors.
// Together with [Chain.Head] this is the range that has to be synchronized
// with the device.
func (c *Chain) ByteSize(n int) int {
	return n * Size
}

// At returns the descriptor at index i.
func (c *Chain) At(i int) *Descriptor {
	return &c.descriptors[i]
}

func (c *Chain) address(i int) uintptr {
	return c.Head() + uintptr(i*Size)
}

// Build describes buf with as many descriptors as needed, each referencing at
// most segment bytes. Every descriptor is handed to the DMA. When markEOF is
// set the last descriptor ends a frame, which is what the producing side of a
// transfer wants; the consuming side leaves this to the hardware.
//
// The number of descriptors written is returned.
func (c *Chain) Build(buf []byte, segment int, markEOF bool) (int, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyBuffer
	}
	if segment <= 0 || segment > MaxBufferSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSegmentSize, segment)
	}

	n := Count(len(buf), segment)
	if n > len(c.descriptors) {
		return 0, fmt.Errorf("%w: need %d descriptors but only %d are available",
			ErrChainTooLong, n, len(c.descriptors))
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	for i := range n {
		offset := i * segment
		length := min(segment, len(buf)-offset)

		desc := &c.descriptors[i]
		desc.dw0 = 0
		desc.SetSize(length)
		desc.SetLength(length)
		desc.SetOwner(OwnerDMA)
		desc.buffer = base + uintptr(offset)
		desc.next = c.address(i + 1)
	}

	last := &c.descriptors[n-1]
	last.next = 0
	if markEOF {
		last.SetSucEOF(true)
	}

	return n, nil
}

// ActualLength walks the first count descriptors and sums up their lengths,
// stopping at the first one that ends a frame successfully. A descriptor the
// DMA still owns was never written and ends the walk without being counted.
// eof is false when no successful end of frame was found.
func (c *Chain) ActualLength(count int) (n int, eof bool) {
	count = min(count, len(c.descriptors))
	for i := range count {
		desc := &c.descriptors[i]
		if desc.Owner() == OwnerDMA {
			return n, false
		}
		n += desc.Length()
		if desc.SucEOF() {
			return n, true
		}
	}
	return n, false
}

// Close releases the memory of the chain. The chain must not be used anymore
// afterwards, calling Close again is a no-op.
func (c *Chain) Close() error {
	if c.mem == nil {
		return nil
	}

	c.descriptors = nil
	mem := c.mem
	c.mem = nil
	if err := release(mem); err != nil {
		return fmt.Errorf("release descriptor memory: %w", err)
	}
	return nil
}
