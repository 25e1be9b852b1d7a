package gdma

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
	"github.com/slackhq/gdma/sim"
	"github.com/slackhq/gdma/test"
	"github.com/stretchr/testify/require"
)

func newTestSoC(t *testing.T, opts sim.Options) *sim.Controller {
	t.Helper()
	soc, err := sim.NewController(test.NewLogger(), opts)
	require.NoError(t, err)
	t.Cleanup(soc.Wait)
	return soc
}

// testPairConfig returns the defaults with a private metrics registry.
func testPairConfig() PairConfig {
	cfg := DefaultPairConfig()
	cfg.Metrics = metrics.NewRegistry()
	return cfg
}

func newTestPair(t *testing.T, soc *sim.Controller, program peripheral.Transform, cfg PairConfig) (*Pair, *sim.Unit) {
	t.Helper()
	unit := soc.NewUnit("test", program)
	p, err := Create(test.NewLogger(), soc, soc.Memory(), unit, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Free()) })
	return p, unit
}

func simChannels(p *Pair) (*sim.Channel, *sim.Channel) {
	return p.tx.(*sim.Channel), p.rx.(*sim.Channel)
}

func count(cfg PairConfig, name string) int64 {
	return cfg.Metrics.Get(name).(metrics.Counter).Count()
}

// activity is everything a transfer would change on the hardware.
type activity struct {
	txStarts, txResets     uint64
	rxStarts, rxResets     uint64
	unitStarts, unitResets uint64
	syncs                  uint64
}

func snapshot(p *Pair, unit *sim.Unit, mem sim.Memory) activity {
	tx, rx := simChannels(p)
	return activity{
		txStarts:   tx.Starts(),
		txResets:   tx.Resets(),
		rxStarts:   rx.Starts(),
		rxResets:   rx.Resets(),
		unitStarts: unit.Starts(),
		unitResets: unit.Resets(),
		syncs:      mem.Syncs(),
	}
}

func aligned(t *testing.T, n int, mem hal.Cache) []byte {
	t.Helper()
	return hal.Alloc(n, mem.Alignment())
}
