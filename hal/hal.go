// Package hal defines the boundary between the transfer engine and the
// platform it runs on: DMA channels, the fixed-function units they feed, and
// cache maintenance.
//
// A concrete SoC driver implements these interfaces. The sim package
// provides a host model of them.
package hal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no free channel matches a request.
	ErrNotFound = errors.New("hal: no free DMA channel")

	// ErrInvalidSibling is returned when an RX channel is requested as the
	// sibling of a channel that can not be paired with it.
	ErrInvalidSibling = errors.New("hal: invalid sibling channel")

	// ErrChannelDeleted is returned when a deleted channel is used.
	ErrChannelDeleted = errors.New("hal: channel was deleted")
)

// Direction of a channel, relative to memory.
type Direction uint8

const (
	// DirectionTX channels read memory and feed a peripheral.
	DirectionTX Direction = iota
	// DirectionRX channels take data from a peripheral and write memory.
	DirectionRX
)

func (d Direction) String() string {
	switch d {
	case DirectionTX:
		return "tx"
	case DirectionRX:
		return "rx"
	default:
		return fmt.Sprintf("direction(%d)", d)
	}
}

// Bus selects the interconnect a channel is attached to.
type Bus uint8

const (
	BusAHB Bus = iota
	BusAXI
)

func (b Bus) String() string {
	switch b {
	case BusAHB:
		return "ahb"
	case BusAXI:
		return "axi"
	default:
		return fmt.Sprintf("bus(%d)", b)
	}
}

// ParseBus parses the names returned by [Bus.String].
func ParseBus(s string) (Bus, error) {
	switch strings.ToLower(s) {
	case "ahb":
		return BusAHB, nil
	case "axi":
		return BusAXI, nil
	default:
		return 0, fmt.Errorf("unknown bus %q, possible buses: [ahb axi]", s)
	}
}

// PeripheralID identifies the trigger line of a fixed-function unit.
type PeripheralID int

// Strategy configures how a channel consumes descriptors.
type Strategy struct {
	// AutoUpdateDescriptors lets the hardware advance to the next descriptor
	// on its own. Without it only the head descriptor is processed.
	AutoUpdateDescriptors bool
	// OwnerCheck makes the hardware refuse descriptors that are not owned by
	// the DMA. Only disable it when ordering is guaranteed by other means.
	OwnerCheck bool
}

// ChannelConfig describes the channel requested from a [Controller].
type ChannelConfig struct {
	Direction Direction
	Bus       Bus
	// ReserveSibling holds the RX channel sharing the arbitration domain of
	// the requested TX channel, so it can be paired with it later.
	ReserveSibling bool
	// Sibling requests the RX channel paired with this TX channel.
	Sibling Channel
}

// Controller hands out DMA channels. It is a process wide resource.
type Controller interface {
	NewChannel(cfg ChannelConfig) (Channel, error)
}

// Channel is a single direction of a hardware DMA channel.
type Channel interface {
	ID() int
	Direction() Direction

	// Connect binds the channel to the trigger line of a peripheral.
	Connect(id PeripheralID) error
	// Disconnect unbinds the channel. Disconnecting an unbound channel is a
	// no-op.
	Disconnect() error
	ApplyStrategy(s Strategy) error

	// Reset drops any descriptor pointer and partial frame state.
	Reset() error
	// Start arms the channel with the address of the first descriptor.
	Start(head uintptr) error

	// OnRxEOF registers a function called from interrupt context whenever the
	// channel received a complete frame. It must not block.
	OnRxEOF(fn func()) error

	// Delete releases the channel back to the controller.
	Delete() error
}

// Peripheral is the fixed-function unit producing or consuming the data
// moved by a channel pair.
type Peripheral interface {
	ID() PeripheralID
	Name() string
	Reset() error
	Start() error
}

// SyncDirection tells which side of a cache sync is authoritative.
type SyncDirection uint8

const (
	// SyncToDevice writes CPU cache lines back so the device sees them.
	SyncToDevice SyncDirection = iota
	// SyncFromDevice drops CPU cache lines so the CPU sees device writes.
	SyncFromDevice
)

func (d SyncDirection) String() string {
	switch d {
	case SyncToDevice:
		return "to-device"
	case SyncFromDevice:
		return "from-device"
	default:
		return fmt.Sprintf("sync(%d)", d)
	}
}

// Cache maintains coherence between the CPU and DMA capable memory.
type Cache interface {
	// Sync synchronizes size bytes at addr. Unaligned ranges are allowed.
	Sync(addr uintptr, size int, dir SyncDirection) error
	// Alignment is the alignment DMA buffers must have, a power of 2.
	Alignment() int
}
