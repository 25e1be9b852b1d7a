package gdma

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/util"
)

// Run moves in through the connected unit and stores what the unit produced in
// out, returning the number of bytes written to out.
//
// Both buffers must be non-empty, no larger than the configured maximum and
// aligned to the alignment of the cache. Invalid buffers are rejected with
// ErrInvalidArg before the hardware is touched. When the unit produces more
// than len(out) bytes the result is truncated to len(out).
//
// A transfer that does not complete in time, or whose ctx ends first, is
// aborted by resetting the hardware and the pair stays usable. Transfers on
// the same pair are serialized.
func (p *Pair) Run(ctx context.Context, in, out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrInvalidState
	}
	if err := p.checkBuffers(in, out); err != nil {
		return 0, err
	}
	return p.transferLocked(ctx, in, out)
}

func (p *Pair) checkBuffers(in, out []byte) error {
	err := validateBuffers(p.cfg.MaxTransferBytes, p.cache.Alignment(), in, out)
	if err != nil {
		p.metrics.rejected.Inc(1)
	}
	return err
}

func validateBuffers(limit, alignment int, in, out []byte) error {
	fields := map[string]any{"in": len(in), "out": len(out), "max": limit}

	switch {
	case len(in) == 0:
		return util.NewContextualError("Input buffer is empty", fields, ErrInvalidArg)
	case len(out) == 0:
		return util.NewContextualError("Output buffer is empty", fields, ErrInvalidArg)
	case len(in) > limit:
		return util.NewContextualError("Input buffer exceeds the maximum transfer size", fields, ErrInvalidArg)
	case len(out) > limit:
		return util.NewContextualError("Output buffer exceeds the maximum transfer size", fields, ErrInvalidArg)
	case !hal.Aligned(in, alignment):
		return util.NewContextualError("Input buffer is not aligned", fields, ErrInvalidArg).
			With("in_addr", fmt.Sprintf("%#x", addrOf(in))).
			With("alignment", alignment)
	case !hal.Aligned(out, alignment):
		return util.NewContextualError("Output buffer is not aligned", fields, ErrInvalidArg).
			With("out_addr", fmt.Sprintf("%#x", addrOf(out))).
			With("alignment", alignment)
	}
	return nil
}

// transferLocked runs one transfer on validated buffers.
func (p *Pair) transferLocked(ctx context.Context, in, out []byte) (int, error) {
	start := time.Now()
	timeout := transferTimeout(len(in), len(out), p.cfg.MinThroughput, p.cfg.BaseMargin)
	l := p.logger().WithFields(logrus.Fields{"in": len(in), "out": len(out), "timeout": timeout})

	// The descriptors carry raw addresses of both buffers, neither may move
	// until the hardware let go of them. Pinning also keeps them off the
	// goroutine stack.
	var pin runtime.Pinner
	pin.Pin(unsafe.SliceData(in))
	pin.Pin(unsafe.SliceData(out))
	defer pin.Unpin()

	// Whatever a previous transfer left behind in the channels, the unit or
	// the completion is gone after this.
	if err := p.resetLocked(); err != nil {
		return 0, fmt.Errorf("%w: reset: %w", ErrFail, err)
	}

	txCount, err := p.txChain.Build(in, p.segment, true)
	if err != nil {
		return 0, fmt.Errorf("%w: build tx chain: %w", ErrFail, err)
	}
	rxCount, err := p.rxChain.Build(out, p.segment, false)
	if err != nil {
		return 0, fmt.Errorf("%w: build rx chain: %w", ErrFail, err)
	}

	if err := p.syncAll(hal.SyncToDevice,
		syncRange{p.txChain.Head(), p.txChain.ByteSize(txCount)},
		syncRange{p.rxChain.Head(), p.rxChain.ByteSize(rxCount)},
		syncRange{addrOf(in), len(in)},
	); err != nil {
		return 0, fmt.Errorf("%w: flush: %w", ErrFail, err)
	}

	p.done.arm()
	if err := p.startLocked(); err != nil {
		return 0, errors.Join(fmt.Errorf("%w: start: %w", ErrFail, err), p.abortLocked())
	}

	if err := p.done.take(ctx, timeout); err != nil {
		if rerr := p.abortLocked(); rerr != nil {
			l.WithError(rerr).Error("Failed to reset the channel pair after an aborted transfer")
		}
		if errors.Is(err, ErrTimeout) {
			p.metrics.timeouts.Inc(1)
			l.WithField("elapsed", time.Since(start)).Warn("Transfer timed out, channel pair was reset")
		} else {
			l.WithError(err).Info("Transfer cancelled, channel pair was reset")
		}
		return 0, err
	}

	if err := p.syncAll(hal.SyncFromDevice,
		syncRange{p.rxChain.Head(), p.rxChain.ByteSize(rxCount)},
		syncRange{addrOf(out), len(out)},
	); err != nil {
		return 0, fmt.Errorf("%w: invalidate: %w", ErrFail, err)
	}

	n, eof := p.rxChain.ActualLength(rxCount)
	if !eof {
		if p.rxChain.At(rxCount - 1).ErrEOF() {
			p.metrics.truncated.Inc(1)
			l.WithField("written", n).Debug("Unit produced more than the output buffer holds, result truncated")
		} else {
			p.metrics.missingEOF.Inc(1)
			l.WithField("written", n).Warn("Receive chain has no end of frame marker, returning everything received")
		}
	}

	p.metrics.transfers.Inc(1)
	p.metrics.bytesIn.Mark(int64(len(in)))
	p.metrics.bytesOut.Mark(int64(n))
	p.metrics.duration.UpdateSince(start)

	if l.Logger.IsLevelEnabled(logrus.DebugLevel) {
		l.WithFields(logrus.Fields{"written": n, "tx_descriptors": txCount, "rx_descriptors": rxCount}).
			Debug("Transfer complete")
	}
	return n, nil
}

// startLocked arms RX before TX so nothing the unit produces can be lost, and
// starts the unit last.
func (p *Pair) startLocked() error {
	if err := p.rx.Start(p.rxChain.Head()); err != nil {
		return fmt.Errorf("rx channel %d: %w", p.rx.ID(), err)
	}
	if err := p.tx.Start(p.txChain.Head()); err != nil {
		return fmt.Errorf("tx channel %d: %w", p.tx.ID(), err)
	}
	if err := p.unit.Start(); err != nil {
		return fmt.Errorf("peripheral %s: %w", p.unit.Name(), err)
	}
	return nil
}

// resetLocked stops both channels and the unit and drops a completion that
// was given for an abandoned transfer. Once the channels are reset no late
// give can arrive anymore.
func (p *Pair) resetLocked() error {
	var errs []error
	if err := p.tx.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("tx channel %d: %w", p.tx.ID(), err))
	}
	if err := p.rx.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("rx channel %d: %w", p.rx.ID(), err))
	}
	if p.unit != nil {
		if err := p.unit.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("peripheral %s: %w", p.unit.Name(), err))
		}
	}

	if p.done.drain() {
		p.logger().Debug("Dropped a completion of an abandoned transfer")
	}
	return errors.Join(errs...)
}

func (p *Pair) abortLocked() error {
	if err := p.resetLocked(); err != nil {
		return fmt.Errorf("%w: reset: %w", ErrFail, err)
	}
	return nil
}

type syncRange struct {
	addr uintptr
	size int
}

func (p *Pair) syncAll(dir hal.SyncDirection, ranges ...syncRange) error {
	for _, r := range ranges {
		if err := p.cache.Sync(r.addr, r.size, dir); err != nil {
			return fmt.Errorf("%#x+%d %s: %w", r.addr, r.size, dir, err)
		}
	}
	return nil
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
