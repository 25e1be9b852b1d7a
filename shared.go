package gdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/gdma/hal"
)

// Shared is one channel pair serving several units that are never used at the
// same time, like the hash and cipher engines of a crypto block. The pair is
// acquired on first use and moved to whichever unit a transfer is for.
type Shared struct {
	l       *logrus.Logger
	ctrl    hal.Controller
	cache   hal.Cache
	cfg     PairConfig
	metrics *engineMetrics

	// mu is held for a whole transfer, including the reconnect, so a
	// transfer for one unit never sees the channels of another.
	mu     sync.Mutex
	pair   *Pair
	closed bool
}

func NewShared(l *logrus.Logger, ctrl hal.Controller, cache hal.Cache, cfg PairConfig) (*Shared, error) {
	switch {
	case ctrl == nil:
		return nil, fmt.Errorf("%w: no DMA controller", ErrInvalidArg)
	case cache == nil:
		return nil, fmt.Errorf("%w: no cache", ErrInvalidArg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Shared{
		l:       l,
		ctrl:    ctrl,
		cache:   cache,
		cfg:     cfg,
		metrics: newEngineMetrics(cfg.Metrics),
	}, nil
}

// Run is [Pair.Run] for unit, acquiring the channels first if needed.
func (s *Shared) Run(ctx context.Context, unit hal.Peripheral, in, out []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrInvalidState
	}
	if unit == nil {
		return 0, fmt.Errorf("%w: no peripheral to connect to", ErrInvalidArg)
	}
	if err := validateBuffers(s.cfg.MaxTransferBytes, s.cache.Alignment(), in, out); err != nil {
		s.metrics.rejected.Inc(1)
		return 0, err
	}

	if s.pair == nil {
		p, err := s.acquire(ctx)
		if err != nil {
			return 0, err
		}
		s.pair = p
	}

	p := s.pair
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.attachLocked(unit); err != nil {
		return 0, err
	}
	return p.transferLocked(ctx, in, out)
}

// acquire retries while the controller has no free pair, backing off between
// attempts, until the acquire timeout elapsed.
func (s *Shared) acquire(ctx context.Context) (*Pair, error) {
	b := &backoff.Backoff{
		Min:    time.Millisecond,
		Max:    50 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(s.cfg.AcquireTimeout)

	for {
		p, err := newPair(s.l, s.ctrl, s.cache, s.cfg)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		d := b.Duration()
		if time.Now().Add(d).After(deadline) {
			// Not wrapped, this is a timeout and not a missing channel.
			return nil, fmt.Errorf("%w: no free channel pair after %d attempts: %v", ErrTimeout, int(b.Attempt()), err)
		}

		s.l.WithFields(logrus.Fields{"attempt": b.Attempt(), "retry_in": d}).
			WithError(err).Debug("No free channel pair for the shared pair, retrying")

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release frees the channels. The next Run acquires them again.
func (s *Shared) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked()
}

func (s *Shared) releaseLocked() error {
	if s.pair == nil {
		return nil
	}
	err := s.pair.Free()
	s.pair = nil
	return err
}

// Close releases the channels for good.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.releaseLocked()
}
