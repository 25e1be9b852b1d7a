package sim

import (
	"errors"
	"sync/atomic"

	"github.com/slackhq/gdma/hal"
)

var (
	errNotConnected = errors.New("sim: channel is not connected to a peripheral")
	errNoHead       = errors.New("sim: channel started without a descriptor")
	errNotRX        = errors.New("sim: end of frame callbacks are only raised by rx channels")
)

// Channel implements [hal.Channel]. All mutable state is guarded by the
// controller lock.
type Channel struct {
	ctrl *Controller
	id   int
	bus  hal.Bus
	pair int
	dir  hal.Direction

	peripheral hal.PeripheralID
	connected  bool
	strategy   hal.Strategy
	head       uintptr
	started    bool
	deleted    bool
	onEOF      func()

	// gen changes on every reset, frames of an older generation are dropped.
	gen uint64

	starts atomic.Uint64
	resets atomic.Uint64
}

func (ch *Channel) ID() int {
	return ch.id
}

func (ch *Channel) Direction() hal.Direction {
	return ch.dir
}

// Pair returns the index of the hardware pair the channel belongs to.
func (ch *Channel) Pair() int {
	return ch.pair
}

func (ch *Channel) Bus() hal.Bus {
	return ch.bus
}

// Starts returns how often the channel was armed.
func (ch *Channel) Starts() uint64 {
	return ch.starts.Load()
}

// Resets returns how often the channel was reset.
func (ch *Channel) Resets() uint64 {
	return ch.resets.Load()
}

// Peripheral returns the trigger line the channel is connected to.
func (ch *Channel) Peripheral() (hal.PeripheralID, bool) {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	return ch.peripheral, ch.connected
}

func (ch *Channel) Strategy() hal.Strategy {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	return ch.strategy
}

func (ch *Channel) Connect(id hal.PeripheralID) error {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	if ch.deleted {
		return hal.ErrChannelDeleted
	}
	ch.peripheral = id
	ch.connected = true
	return nil
}

func (ch *Channel) Disconnect() error {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	if ch.deleted {
		return hal.ErrChannelDeleted
	}
	ch.peripheral = 0
	ch.connected = false
	ch.started = false
	return nil
}

func (ch *Channel) ApplyStrategy(s hal.Strategy) error {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	if ch.deleted {
		return hal.ErrChannelDeleted
	}
	ch.strategy = s
	return nil
}

func (ch *Channel) Reset() error {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	if ch.deleted {
		return hal.ErrChannelDeleted
	}
	ch.gen++
	ch.head = 0
	ch.started = false
	ch.resets.Add(1)
	return nil
}

func (ch *Channel) Start(head uintptr) error {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	switch {
	case ch.deleted:
		return hal.ErrChannelDeleted
	case !ch.connected:
		return errNotConnected
	case head == 0:
		return errNoHead
	}

	ch.head = head
	ch.started = true
	ch.starts.Add(1)
	ch.ctrl.kickLocked(ch.peripheral)
	return nil
}

func (ch *Channel) OnRxEOF(fn func()) error {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	if ch.deleted {
		return hal.ErrChannelDeleted
	}
	if ch.dir != hal.DirectionRX {
		return errNotRX
	}
	ch.onEOF = fn
	return nil
}

func (ch *Channel) Delete() error {
	ch.ctrl.mu.Lock()
	defer ch.ctrl.mu.Unlock()
	if ch.deleted {
		return hal.ErrChannelDeleted
	}
	ch.deleted = true
	ch.connected = false
	ch.started = false
	ch.onEOF = nil
	ch.gen++
	ch.ctrl.releaseLocked(ch)
	return nil
}
