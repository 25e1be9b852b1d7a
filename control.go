package gdma

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/gdma/sim"
)

// Control drives the engine built by Main.
type Control struct {
	l          *logrus.Logger
	soc        *sim.Controller
	cfg        PairConfig
	st         selfTestConfig
	statsStart func()
}

// Start launches the delayed parts of the engine, the stats listener. It does
// not block.
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}
}

// Run executes every check in turn: the self test over the configured sizes,
// the timeout probe, the shared crypto pair and the soak across several
// pairs. It stops at the first failure.
func (c *Control) Run(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"self test", c.SelfTest},
		{"timeout probe", c.TimeoutProbe},
		{"shared crypto", c.SharedCrypto},
		{"soak", c.Soak},
	}

	for _, s := range steps {
		l := c.l.WithField("step", s.name)
		l.Info("Starting")
		if err := s.fn(ctx); err != nil {
			return err
		}
		l.Info("Passed")
	}
	return nil
}

// Stop waits for the hardware model to go idle.
func (c *Control) Stop() {
	c.soc.Wait()
	c.l.Info("Goodbye")
}

// ShutdownContext returns a context that ends on term and interrupt signals.
func (c *Control) ShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, os.Interrupt)
}
