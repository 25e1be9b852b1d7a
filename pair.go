package gdma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/gdma/descriptor"
	"github.com/slackhq/gdma/hal"
)

// Pair is a TX and an RX channel of the same hardware pair, moving buffers
// through the unit connected to both of them.
type Pair struct {
	l       *logrus.Logger
	cfg     PairConfig
	cache   hal.Cache
	segment int
	metrics *engineMetrics

	// mu serializes transfers, reconnects and Free.
	mu      sync.Mutex
	tx      hal.Channel
	rx      hal.Channel
	txChain *descriptor.Chain
	rxChain *descriptor.Chain
	done    *completion
	unit    hal.Peripheral
	closed  bool
}

// Create acquires a channel pair on ctrl and connects it to unit. Buffers
// moved by the pair have to be maintained through cache.
func Create(l *logrus.Logger, ctrl hal.Controller, cache hal.Cache, unit hal.Peripheral, cfg PairConfig) (*Pair, error) {
	if unit == nil {
		return nil, fmt.Errorf("%w: no peripheral to connect to", ErrInvalidArg)
	}

	p, err := newPair(l, ctrl, cache, cfg)
	if err != nil {
		return nil, err
	}

	if err := p.attachLocked(unit); err != nil {
		return nil, errors.Join(err, p.Free())
	}

	p.logger().Debug("Created channel pair")
	return p, nil
}

// newPair acquires and prepares the channels and descriptor chains of a pair
// without connecting it to a unit.
func newPair(l *logrus.Logger, ctrl hal.Controller, cache hal.Cache, cfg PairConfig) (p *Pair, err error) {
	switch {
	case ctrl == nil:
		return nil, fmt.Errorf("%w: no DMA controller", ErrInvalidArg)
	case cache == nil:
		return nil, fmt.Errorf("%w: no cache", ErrInvalidArg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := newEngineMetrics(cfg.Metrics)
	p = &Pair{
		l:       l,
		cfg:     cfg,
		cache:   cache,
		segment: descriptor.MaxSegmentSize(cache.Alignment()),
		metrics: m,
		done:    newCompletion(l, m.doubleGive),
	}

	p.tx, p.rx, err = acquirePair(ctrl, cfg.Bus)
	if err != nil {
		return nil, err
	}

	pair := p
	defer func() {
		if err != nil {
			err = errors.Join(err, pair.Free())
		}
	}()

	// Both chains are sized for the largest transfer up front, building one
	// can not run out of descriptors later.
	capacity := descriptor.Count(cfg.MaxTransferBytes, p.segment)
	if p.txChain, err = descriptor.NewChain(capacity); err != nil {
		return nil, fmt.Errorf("tx descriptor chain: %w", err)
	}
	if p.rxChain, err = descriptor.NewChain(capacity); err != nil {
		return nil, fmt.Errorf("rx descriptor chain: %w", err)
	}

	for _, ch := range []hal.Channel{p.tx, p.rx} {
		if err = ch.ApplyStrategy(cfg.Strategy); err != nil {
			return nil, fmt.Errorf("%w: apply strategy to %s channel %d: %w", ErrFail, ch.Direction(), ch.ID(), err)
		}
	}

	if err = p.rx.OnRxEOF(p.done.give); err != nil {
		return nil, fmt.Errorf("%w: register rx end of frame callback: %w", ErrFail, err)
	}

	return p, nil
}

// acquirePair allocates a TX channel holding its sibling and then that
// sibling. Nothing stays allocated when it fails.
func acquirePair(ctrl hal.Controller, bus hal.Bus) (hal.Channel, hal.Channel, error) {
	tx, err := ctrl.NewChannel(hal.ChannelConfig{
		Direction:      hal.DirectionTX,
		Bus:            bus,
		ReserveSibling: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("allocate tx channel: %w", err)
	}

	rx, err := ctrl.NewChannel(hal.ChannelConfig{
		Direction: hal.DirectionRX,
		Bus:       bus,
		Sibling:   tx,
	})
	if err != nil {
		err = fmt.Errorf("allocate rx channel: %w", err)
		if derr := tx.Delete(); derr != nil {
			err = errors.Join(err, fmt.Errorf("release tx channel %d: %w", tx.ID(), derr))
		}
		return nil, nil, err
	}

	return tx, rx, nil
}

// attachLocked connects both channels to the trigger line of unit, moving
// them away from the unit they were connected to before.
func (p *Pair) attachLocked(unit hal.Peripheral) error {
	if p.unit == unit {
		return nil
	}

	if p.unit != nil {
		for _, ch := range []hal.Channel{p.tx, p.rx} {
			if err := ch.Disconnect(); err != nil {
				p.unit = nil
				return fmt.Errorf("%w: disconnect %s channel %d: %w", ErrFail, ch.Direction(), ch.ID(), err)
			}
		}
		p.unit = nil
	}

	for _, ch := range []hal.Channel{p.tx, p.rx} {
		if err := ch.Connect(unit.ID()); err != nil {
			return fmt.Errorf("%w: connect %s channel %d to %s: %w", ErrFail, ch.Direction(), ch.ID(), unit.Name(), err)
		}
	}
	p.unit = unit
	return nil
}

// Free disconnects and releases both channels and the descriptor memory.
// Calling it again is a no-op.
func (p *Pair) Free() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, ch := range []hal.Channel{p.tx, p.rx} {
		if ch == nil {
			continue
		}
		if err := ch.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s channel %d: %w", ch.Direction(), ch.ID(), err))
		}
		if err := ch.Delete(); err != nil {
			errs = append(errs, fmt.Errorf("delete %s channel %d: %w", ch.Direction(), ch.ID(), err))
		}
	}
	p.done.drain()

	for _, c := range []*descriptor.Chain{p.txChain, p.rxChain} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger().Debug("Freed channel pair")
	p.unit = nil
	return errors.Join(errs...)
}

func (p *Pair) logger() *logrus.Entry {
	f := logrus.Fields{}
	if p.tx != nil {
		f["tx"] = p.tx.ID()
	}
	if p.rx != nil {
		f["rx"] = p.rx.ID()
	}
	if p.unit != nil {
		f["peripheral"] = p.unit.Name()
	}
	return p.l.WithFields(f)
}
