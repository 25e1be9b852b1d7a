package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/slackhq/gdma/hal"
)

// Memory is the memory system seen by the simulated DMA. The engine drives
// the [hal.Cache] half, the simulated hardware the device half.
type Memory interface {
	hal.Cache

	// ReadDevice copies what the device sees at addr into p.
	ReadDevice(addr uintptr, p []byte)
	// WriteDevice stores p at addr as seen by the device.
	WriteDevice(addr uintptr, p []byte)
	// Consumed tells the memory that the device is done reading size bytes
	// at addr.
	Consumed(addr uintptr, size int)
	// Syncs returns the number of cache sync operations so far.
	Syncs() uint64
}

// cpuBytes returns the memory at addr as the CPU sees it.
func cpuBytes(addr uintptr, size int) []byte {
	// The addresses handed to the simulated hardware point at buffers the
	// caller keeps alive for the whole transfer.
	//goland:noinspection GoVetUnsafePointer
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// WriteBack models a CPU with a write-back cache in front of memory that the
// DMA accesses directly. The device only sees bytes the CPU flushed with
// [hal.SyncToDevice], and the CPU only sees bytes the device wrote after
// dropping its lines with [hal.SyncFromDevice]. Forgetting either shows up as
// stale data, like it does on real hardware.
//
// The device view of a line is only kept while it can still matter: lines
// are dropped once the CPU invalidated them or the device consumed them, and
// read back as zero afterwards until they are flushed again.
type WriteBack struct {
	lineSize int

	mu sync.Mutex
	// lines holds the device view of memory, one entry per cache line.
	lines map[uintptr][]byte

	syncs atomic.Uint64
}

// NewWriteBack creates a write-back memory with the given cache line size,
// which is also the alignment required for DMA buffers.
func NewWriteBack(lineSize int) (*WriteBack, error) {
	if err := checkAlignment(lineSize); err != nil {
		return nil, err
	}
	return &WriteBack{
		lineSize: lineSize,
		lines:    make(map[uintptr][]byte),
	}, nil
}

func (m *WriteBack) Alignment() int {
	return m.lineSize
}

func (m *WriteBack) Syncs() uint64 {
	return m.syncs.Load()
}

func (m *WriteBack) Sync(addr uintptr, size int, dir hal.SyncDirection) error {
	if size < 0 {
		return fmt.Errorf("sim: negative sync size %d", size)
	}
	if addr == 0 {
		return fmt.Errorf("sim: sync of nil address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cpu := cpuBytes(addr, size)
	switch dir {
	case hal.SyncToDevice:
		m.each(addr, size, true, func(line []byte, pos int) {
			copy(line, cpu[pos:])
		})
	case hal.SyncFromDevice:
		m.each(addr, size, false, func(line []byte, pos int) {
			copy(cpu[pos:pos+len(line)], line)
		})
		m.releaseLocked(addr, size)
	default:
		return fmt.Errorf("sim: unknown sync direction %s", dir)
	}

	m.syncs.Add(1)
	return nil
}

func (m *WriteBack) ReadDevice(addr uintptr, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Lines never flushed read back as whatever was there before, zero here.
	clear(p)
	m.each(addr, len(p), false, func(line []byte, pos int) {
		copy(p[pos:], line)
	})
}

func (m *WriteBack) WriteDevice(addr uintptr, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.each(addr, len(p), true, func(line []byte, pos int) {
		copy(line, p[pos:])
	})
}

func (m *WriteBack) Consumed(addr uintptr, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(addr, size)
}

// Lines returns the number of cache lines the device view holds.
func (m *WriteBack) Lines() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lines)
}

// releaseLocked drops the lines lying completely inside size bytes at addr.
// Lines shared with memory outside the range are kept.
func (m *WriteBack) releaseLocked(addr uintptr, size int) {
	line := uintptr(m.lineSize)
	end := (addr + uintptr(size)) &^ (line - 1)
	for base := (addr + line - 1) &^ (line - 1); base < end; base += line {
		delete(m.lines, base)
	}
}

// Forget drops the device view of all memory.
func (m *WriteBack) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.lines)
}

// each calls fn for every cache line piece covering size bytes at addr. line
// is the part of the cache line inside the range and pos its offset from
// addr. Lines without a device view are skipped unless create is set.
func (m *WriteBack) each(addr uintptr, size int, create bool, fn func(line []byte, pos int)) {
	mask := uintptr(m.lineSize - 1)
	for pos := 0; pos < size; {
		a := addr + uintptr(pos)
		base := a &^ mask
		offset := int(a - base)
		n := min(m.lineSize-offset, size-pos)

		line, ok := m.lines[base]
		if !ok && create {
			line = make([]byte, m.lineSize)
			m.lines[base] = line
			ok = true
		}
		if ok {
			fn(line[offset:offset+n], pos)
		}
		pos += n
	}
}

// Coherent models memory where the DMA snoops the CPU cache, syncs are no-ops.
type Coherent struct {
	alignment int
	syncs     atomic.Uint64
}

func NewCoherent(alignment int) (*Coherent, error) {
	if err := checkAlignment(alignment); err != nil {
		return nil, err
	}
	return &Coherent{alignment: alignment}, nil
}

func (m *Coherent) Alignment() int {
	return m.alignment
}

func (m *Coherent) Syncs() uint64 {
	return m.syncs.Load()
}

func (m *Coherent) Sync(uintptr, int, hal.SyncDirection) error {
	m.syncs.Add(1)
	return nil
}

func (m *Coherent) ReadDevice(addr uintptr, p []byte) {
	copy(p, cpuBytes(addr, len(p)))
}

func (m *Coherent) WriteDevice(addr uintptr, p []byte) {
	copy(cpuBytes(addr, len(p)), p)
}

func (m *Coherent) Consumed(uintptr, int) {}

func checkAlignment(a int) error {
	if a <= 0 || a&(a-1) != 0 {
		return fmt.Errorf("sim: alignment %d is not a power of 2", a)
	}
	return nil
}
