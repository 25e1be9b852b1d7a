package gdma

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type completionState uint32

const (
	completionIdle completionState = iota
	completionArmed
	completionSignaled
)

func (s completionState) String() string {
	switch s {
	case completionIdle:
		return "idle"
	case completionArmed:
		return "armed"
	case completionSignaled:
		return "signaled"
	default:
		return "unknown"
	}
}

// completion is a binary semaphore given from interrupt context and taken by
// the transfer waiting on it. Exactly one give is expected per armed
// transfer.
type completion struct {
	ch    chan struct{}
	state atomic.Uint32

	l           *logrus.Logger
	doubleGives metrics.Counter
}

func newCompletion(l *logrus.Logger, doubleGives metrics.Counter) *completion {
	return &completion{
		ch:          make(chan struct{}, 1),
		l:           l,
		doubleGives: doubleGives,
	}
}

func (c *completion) State() completionState {
	return completionState(c.state.Load())
}

func (c *completion) arm() {
	c.state.Store(uint32(completionArmed))
}

// give never blocks, it is called with the hardware lock held.
func (c *completion) give() {
	select {
	case c.ch <- struct{}{}:
		if !c.state.CompareAndSwap(uint32(completionArmed), uint32(completionSignaled)) {
			c.l.WithField("state", c.State()).Debug("Completion given while not armed")
		}
	default:
		c.doubleGive()
	}
}

// take waits for a give. It returns ErrTimeout after timeout and ctx.Err()
// when ctx ends first.
func (c *completion) take(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.ch:
		c.state.Store(uint32(completionIdle))
		return nil
	case <-t.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain discards a give left over from an abandoned transfer. It must only be
// called once the channels were reset, so no new give can race with it.
func (c *completion) drain() bool {
	defer c.state.Store(uint32(completionIdle))
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}
