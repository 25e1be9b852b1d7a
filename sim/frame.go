package sim

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/gdma/descriptor"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
)

// maxChainLength bounds every descriptor walk so a corrupted chain that loops
// can not hang the hardware goroutine.
const maxChainLength = 1 << 16

// frame is one transfer as seen by the hardware, captured when it was
// triggered.
type frame struct {
	tx, rx *Channel
	unit   *Unit

	txGen, rxGen, unitGen uint64

	txHead, rxHead         uintptr
	txStrategy, rxStrategy hal.Strategy

	transform peripheral.Transform
	omitEOF   bool
}

// currentLocked reports whether nothing was reset or deleted since the frame
// was triggered.
func (f *frame) currentLocked() bool {
	return !f.tx.deleted && !f.rx.deleted &&
		f.tx.gen == f.txGen && f.rx.gen == f.rxGen && f.unit.gen == f.unitGen
}

func (c *Controller) run(f *frame) {
	if c.latency > 0 {
		time.Sleep(c.latency)
	}

	in, ok := c.gather(f)
	if !ok {
		return
	}

	if f.transform == nil {
		c.l.WithField("unit", f.unit.name).Debug("Unit has no program loaded, frame stalls")
		return
	}
	out, ok := f.transform(in)
	if !ok {
		c.l.WithField("unit", f.unit.name).Debug("Unit did not finish the frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !f.currentLocked() {
		c.l.WithField("unit", f.unit.name).Debug("Dropping frame of a reset channel")
		return
	}
	if !c.scatterLocked(f, out) {
		return
	}

	// This is the interrupt. It runs under the controller lock so a reset
	// that returned is guaranteed to never see a late one.
	if f.rx.onEOF != nil {
		f.rx.onEOF()
	}
}

// gather walks the TX chain and collects the frame it describes, handing
// every consumed descriptor back to the CPU.
func (c *Controller) gather(f *frame) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !f.currentLocked() {
		return nil, false
	}

	var in []byte
	addr := f.txHead
	for range maxChainLength {
		var d descriptor.Descriptor
		c.mem.ReadDevice(addr, descriptor.Bytes(&d))
		if f.txStrategy.OwnerCheck && d.Owner() != descriptor.OwnerDMA {
			c.logDescriptor(f.tx, addr, &d).Debug("TX descriptor is not owned by the DMA, frame stalls")
			return nil, false
		}

		seg := make([]byte, d.Length())
		c.mem.ReadDevice(d.Buffer(), seg)
		c.mem.Consumed(d.Buffer(), len(seg))
		in = append(in, seg...)

		d.SetOwner(descriptor.OwnerCPU)
		c.mem.WriteDevice(addr, descriptor.Bytes(&d))

		if d.SucEOF() || d.Next() == 0 {
			return in, true
		}
		if !f.txStrategy.AutoUpdateDescriptors {
			c.logDescriptor(f.tx, addr, &d).Debug("TX channel waits for a descriptor update, frame stalls")
			return nil, false
		}
		addr = d.Next()
	}

	c.l.WithField("channel", f.tx.id).Warn("TX descriptor chain does not end")
	return nil, false
}

// scatterLocked writes out into the RX chain. The last descriptor written
// ends the frame, with an error marker when the chain ran out of space first.
func (c *Controller) scatterLocked(f *frame, out []byte) bool {
	addr := f.rxHead
	for range maxChainLength {
		var d descriptor.Descriptor
		c.mem.ReadDevice(addr, descriptor.Bytes(&d))
		if f.rxStrategy.OwnerCheck && d.Owner() != descriptor.OwnerDMA {
			c.logDescriptor(f.rx, addr, &d).Debug("RX descriptor is not owned by the DMA, frame stalls")
			return false
		}

		n := min(d.Size(), len(out))
		c.mem.WriteDevice(d.Buffer(), out[:n])
		out = out[n:]
		d.SetLength(n)
		d.SetOwner(descriptor.OwnerCPU)

		switch {
		case len(out) == 0:
			if !f.omitEOF {
				d.SetSucEOF(true)
			}
			c.mem.WriteDevice(addr, descriptor.Bytes(&d))
			return true

		case d.Next() == 0:
			d.SetErrEOF(true)
			c.mem.WriteDevice(addr, descriptor.Bytes(&d))
			c.l.WithFields(logrus.Fields{"channel": f.rx.id, "dropped": len(out)}).
				Debug("RX descriptor chain exhausted, frame truncated")
			return true

		case !f.rxStrategy.AutoUpdateDescriptors:
			c.mem.WriteDevice(addr, descriptor.Bytes(&d))
			c.logDescriptor(f.rx, addr, &d).Debug("RX channel waits for a descriptor update, frame stalls")
			return false
		}

		c.mem.WriteDevice(addr, descriptor.Bytes(&d))
		addr = d.Next()
	}

	c.l.WithField("channel", f.rx.id).Warn("RX descriptor chain does not end")
	return false
}

func (c *Controller) logDescriptor(ch *Channel, addr uintptr, d *descriptor.Descriptor) *logrus.Entry {
	return c.l.WithFields(logrus.Fields{
		"channel":    ch.id,
		"direction":  ch.dir,
		"descriptor": addr,
		"owner":      d.Owner(),
		"size":       d.Size(),
		"length":     d.Length(),
	})
}
