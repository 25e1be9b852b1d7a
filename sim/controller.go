// Package sim is a host model of a descriptor based DMA controller with
// paired TX/RX channels, the fixed-function units wired between them and a
// software managed cache.
//
// The model runs every frame on its own goroutine, walking the descriptor
// chains through the device view of memory and calling the RX end of frame
// callback the way an interrupt handler would.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
)

// Options configures a [Controller].
type Options struct {
	// Pairs is the number of TX/RX channel pairs on each bus.
	Pairs int
	// Buses lists the buses that have channels. Defaults to AHB only.
	Buses []hal.Bus
	// Memory is the memory system. Defaults to a write-back cache with 4 byte
	// lines.
	Memory Memory
	// Latency delays the completion of every frame.
	Latency time.Duration
}

// DefaultPairs is the number of channel pairs per bus when [Options.Pairs]
// is unset.
const DefaultPairs = 3

// slot is one hardware channel pair. Both directions share an arbitration
// domain, which is why the RX half can be reserved for the TX half.
type slot struct {
	tx       *Channel
	rx       *Channel
	reserved bool
}

// Controller implements [hal.Controller].
type Controller struct {
	l       *logrus.Logger
	mem     Memory
	latency time.Duration

	// mu guards all channel and unit state.
	mu            sync.Mutex
	slots         map[hal.Bus][]*slot
	units         map[hal.PeripheralID]*Unit
	nextChannel   int
	nextUnit      hal.PeripheralID
	allocFailures map[hal.Direction]error

	inflight sync.WaitGroup
}

// NewController builds a controller from opts.
func NewController(l *logrus.Logger, opts Options) (*Controller, error) {
	if opts.Pairs < 0 {
		return nil, fmt.Errorf("sim: pairs must not be negative, got %d", opts.Pairs)
	}
	if opts.Pairs == 0 {
		opts.Pairs = DefaultPairs
	}
	if len(opts.Buses) == 0 {
		opts.Buses = []hal.Bus{hal.BusAHB}
	}
	if opts.Memory == nil {
		m, err := NewWriteBack(4)
		if err != nil {
			return nil, err
		}
		opts.Memory = m
	}

	c := &Controller{
		l:             l,
		mem:           opts.Memory,
		latency:       opts.Latency,
		slots:         make(map[hal.Bus][]*slot),
		units:         make(map[hal.PeripheralID]*Unit),
		allocFailures: make(map[hal.Direction]error),
	}
	for _, b := range opts.Buses {
		slots := make([]*slot, opts.Pairs)
		for i := range slots {
			slots[i] = &slot{}
		}
		c.slots[b] = slots
	}

	return c, nil
}

// Memory returns the memory system, which is also the [hal.Cache] the engine
// has to use with this controller.
func (c *Controller) Memory() Memory {
	return c.mem
}

// NewChannel allocates a channel following the sibling rules of the
// hardware: a TX channel that reserves its sibling can only be placed on a
// pair whose RX half is free, and that RX half is then only handed out as the
// sibling of that TX channel.
func (c *Controller) NewChannel(cfg hal.ChannelConfig) (hal.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.allocFailures[cfg.Direction]; ok {
		delete(c.allocFailures, cfg.Direction)
		return nil, err
	}

	slots, ok := c.slots[cfg.Bus]
	if !ok {
		return nil, fmt.Errorf("%w: bus %s has no channels", hal.ErrNotFound, cfg.Bus)
	}

	switch cfg.Direction {
	case hal.DirectionTX:
		for i, s := range slots {
			if s.tx != nil {
				continue
			}
			if cfg.ReserveSibling && (s.rx != nil || s.reserved) {
				continue
			}
			s.tx = c.newChannelLocked(cfg.Bus, i, hal.DirectionTX)
			s.reserved = cfg.ReserveSibling
			return s.tx, nil
		}

	case hal.DirectionRX:
		if cfg.Sibling != nil {
			sib, ok := cfg.Sibling.(*Channel)
			if !ok || sib.ctrl != c || sib.dir != hal.DirectionTX || sib.deleted || sib.bus != cfg.Bus {
				return nil, hal.ErrInvalidSibling
			}
			s := slots[sib.pair]
			if s.rx != nil {
				return nil, fmt.Errorf("%w: rx channel of pair %d is taken", hal.ErrNotFound, sib.pair)
			}
			s.rx = c.newChannelLocked(cfg.Bus, sib.pair, hal.DirectionRX)
			s.reserved = false
			return s.rx, nil
		}

		for i, s := range slots {
			if s.rx == nil && !s.reserved {
				s.rx = c.newChannelLocked(cfg.Bus, i, hal.DirectionRX)
				return s.rx, nil
			}
		}

	default:
		return nil, fmt.Errorf("sim: unknown direction %s", cfg.Direction)
	}

	return nil, fmt.Errorf("%w: %s channel on %s", hal.ErrNotFound, cfg.Direction, cfg.Bus)
}

// FailNextAlloc makes the next allocation in direction d return err.
func (c *Controller) FailNextAlloc(d hal.Direction, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocFailures[d] = err
}

// FreeChannels returns the number of TX and RX channels on bus b that can
// still be allocated without a sibling.
func (c *Controller) FreeChannels(b hal.Bus) (tx, rx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots[b] {
		if s.tx == nil {
			tx++
		}
		if s.rx == nil && !s.reserved {
			rx++
		}
	}
	return tx, rx
}

// NewUnit attaches a fixed-function unit running program t to a fresh
// trigger line.
func (c *Controller) NewUnit(name string, t peripheral.Transform) *Unit {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextUnit++
	u := &Unit{
		ctrl:      c,
		id:        c.nextUnit,
		name:      name,
		transform: t,
	}
	c.units[u.id] = u
	return u
}

// Wait blocks until no frame is in flight anymore. Frames of stuck units are
// never in flight, they end as soon as the unit refuses them.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func (c *Controller) newChannelLocked(b hal.Bus, pair int, d hal.Direction) *Channel {
	c.nextChannel++
	return &Channel{
		ctrl: c,
		id:   c.nextChannel,
		bus:  b,
		pair: pair,
		dir:  d,
	}
}

func (c *Controller) releaseLocked(ch *Channel) {
	s := c.slots[ch.bus][ch.pair]
	switch ch.dir {
	case hal.DirectionTX:
		if s.tx == ch {
			s.tx = nil
			if s.rx == nil {
				s.reserved = false
			}
		}
	case hal.DirectionRX:
		if s.rx == ch {
			s.rx = nil
		}
	}
}

// kickLocked starts a frame when the unit on trigger line id and both
// channels connected to it are started.
func (c *Controller) kickLocked(id hal.PeripheralID) {
	u := c.units[id]
	if u == nil || !u.started {
		return
	}

	var tx, rx *Channel
	for _, slots := range c.slots {
		for _, s := range slots {
			if s.tx != nil && s.tx.started && s.tx.connected && s.tx.peripheral == id {
				tx = s.tx
			}
			if s.rx != nil && s.rx.started && s.rx.connected && s.rx.peripheral == id {
				rx = s.rx
			}
		}
	}
	if tx == nil || rx == nil {
		return
	}

	f := &frame{
		tx:         tx,
		rx:         rx,
		unit:       u,
		txGen:      tx.gen,
		rxGen:      rx.gen,
		unitGen:    u.gen,
		txHead:     tx.head,
		rxHead:     rx.head,
		txStrategy: tx.strategy,
		rxStrategy: rx.strategy,
		transform:  u.transform,
		omitEOF:    u.omitEOF,
	}

	// The trigger is consumed, a second kick must not run the frame again.
	tx.started = false
	rx.started = false
	u.started = false

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.run(f)
	}()
}
