package gdma

import (
	"context"
	"errors"
	"testing"

	"github.com/slackhq/gdma/descriptor"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
	"github.com/slackhq/gdma/sim"
	"github.com/slackhq/gdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 2})
	cfg := testPairConfig()
	p, unit := newTestPair(t, soc, peripheral.Identity, cfg)

	tx, rx := simChannels(p)
	assert.Equal(t, tx.Pair(), rx.Pair(), "both channels come from the same hardware pair")
	assert.Equal(t, hal.DirectionTX, tx.Direction())
	assert.Equal(t, hal.DirectionRX, rx.Direction())

	for _, ch := range []*sim.Channel{tx, rx} {
		id, connected := ch.Peripheral()
		assert.True(t, connected)
		assert.Equal(t, unit.ID(), id)
		assert.Equal(t, cfg.Strategy, ch.Strategy())
	}

	// Chains are sized for the largest transfer.
	want := descriptor.Count(cfg.MaxTransferBytes, descriptor.MaxSegmentSize(4))
	assert.Equal(t, want, p.txChain.Cap())
	assert.Equal(t, want, p.rxChain.Cap())

	ftx, frx := soc.FreeChannels(hal.BusAHB)
	assert.Equal(t, 1, ftx)
	assert.Equal(t, 1, frx)
}

func TestCreate_OnAXI(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1, Buses: []hal.Bus{hal.BusAHB, hal.BusAXI}})
	cfg := testPairConfig()
	cfg.Bus = hal.BusAXI
	p, _ := newTestPair(t, soc, peripheral.Identity, cfg)

	tx, _ := simChannels(p)
	assert.Equal(t, hal.BusAXI, tx.Bus())
	ftx, _ := soc.FreeChannels(hal.BusAHB)
	assert.Equal(t, 1, ftx)
}

func TestCreate_InvalidArguments(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	l := test.NewLogger()
	unit := soc.NewUnit("test", peripheral.Identity)

	_, err := Create(l, soc, soc.Memory(), nil, testPairConfig())
	assert.ErrorIs(t, err, ErrInvalidArg)

	_, err = Create(l, nil, soc.Memory(), unit, testPairConfig())
	assert.ErrorIs(t, err, ErrInvalidArg)

	_, err = Create(l, soc, nil, unit, testPairConfig())
	assert.ErrorIs(t, err, ErrInvalidArg)

	cfg := testPairConfig()
	cfg.MaxTransferBytes = 0
	_, err = Create(l, soc, soc.Memory(), unit, cfg)
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.Equal(t, StatusInvalidArg, StatusOf(err))

	// Nothing was allocated along the way.
	ftx, frx := soc.FreeChannels(hal.BusAHB)
	assert.Equal(t, 1, ftx)
	assert.Equal(t, 1, frx)
}

func TestCreate_NotFound(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	newTestPair(t, soc, peripheral.Identity, testPairConfig())

	_, err := Create(test.NewLogger(), soc, soc.Memory(), soc.NewUnit("second", peripheral.Identity), testPairConfig())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusNotFound, StatusOf(err))
}

func TestCreate_RollsBackTheTXChannel(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	unit := soc.NewUnit("test", peripheral.Identity)

	soc.FailNextAlloc(hal.DirectionRX, hal.ErrNotFound)
	_, err := Create(test.NewLogger(), soc, soc.Memory(), unit, testPairConfig())
	assert.ErrorIs(t, err, ErrNotFound)

	// The TX channel and its reservation were handed back.
	ftx, frx := soc.FreeChannels(hal.BusAHB)
	assert.Equal(t, 1, ftx)
	assert.Equal(t, 1, frx)

	// A later attempt gets the same pair.
	p, err := Create(test.NewLogger(), soc, soc.Memory(), unit, testPairConfig())
	require.NoError(t, err)
	require.NoError(t, p.Free())
}

func TestCreate_OtherAllocationFailure(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	boom := errors.New("boom")

	soc.FailNextAlloc(hal.DirectionTX, boom)
	_, err := Create(test.NewLogger(), soc, soc.Memory(), soc.NewUnit("test", peripheral.Identity), testPairConfig())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFail, StatusOf(err))
}

func TestPair_Free(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	unit := soc.NewUnit("test", peripheral.Identity)
	p, err := Create(test.NewLogger(), soc, soc.Memory(), unit, testPairConfig())
	require.NoError(t, err)

	tx, rx := simChannels(p)
	require.NoError(t, p.Free())
	assert.NoError(t, p.Free(), "free is idempotent")

	for _, ch := range []*sim.Channel{tx, rx} {
		_, connected := ch.Peripheral()
		assert.False(t, connected)
	}
	ftx, frx := soc.FreeChannels(hal.BusAHB)
	assert.Equal(t, 1, ftx)
	assert.Equal(t, 1, frx)

	mem := soc.Memory()
	_, err = p.Run(context.Background(), aligned(t, 4, mem), aligned(t, 4, mem))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatusInvalidArg, StatusOf(err))
}
