package sim

import (
	"sync/atomic"

	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
)

// Unit is a fixed-function unit wired between a TX and an RX channel. It
// implements [hal.Peripheral].
type Unit struct {
	ctrl *Controller
	id   hal.PeripheralID
	name string

	// Guarded by the controller lock.
	transform peripheral.Transform
	omitEOF   bool
	started   bool
	gen       uint64

	starts atomic.Uint64
	resets atomic.Uint64
}

func (u *Unit) ID() hal.PeripheralID {
	return u.id
}

func (u *Unit) Name() string {
	return u.name
}

// Load replaces the program of the unit. It takes effect with the next frame.
func (u *Unit) Load(t peripheral.Transform) {
	u.ctrl.mu.Lock()
	defer u.ctrl.mu.Unlock()
	u.transform = t
}

// OmitEOF makes the unit finish frames without marking their end, a protocol
// violation the engine has to cope with.
func (u *Unit) OmitEOF(v bool) {
	u.ctrl.mu.Lock()
	defer u.ctrl.mu.Unlock()
	u.omitEOF = v
}

func (u *Unit) Starts() uint64 {
	return u.starts.Load()
}

func (u *Unit) Resets() uint64 {
	return u.resets.Load()
}

func (u *Unit) Reset() error {
	u.ctrl.mu.Lock()
	defer u.ctrl.mu.Unlock()
	u.gen++
	u.started = false
	u.resets.Add(1)
	return nil
}

func (u *Unit) Start() error {
	u.ctrl.mu.Lock()
	defer u.ctrl.mu.Unlock()
	u.started = true
	u.starts.Add(1)
	u.ctrl.kickLocked(u.id)
	return nil
}
