package gdma

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/gdma/config"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/util"
)

// DefaultMaxTransferBytes bounds a single transfer unless configured
// otherwise.
const DefaultMaxTransferBytes = 0x4000

// DefaultAcquireTimeout bounds how long a shared pair waits for free channels.
const DefaultAcquireTimeout = time.Second

// PairConfig configures a channel pair.
type PairConfig struct {
	// MaxTransferBytes is the largest input and output a transfer may use.
	// Descriptor chains are sized for it up front.
	MaxTransferBytes int
	Bus              hal.Bus
	Strategy         hal.Strategy

	// MinThroughput in bytes per second and BaseMargin make up the transfer
	// timeout, see transferTimeout.
	MinThroughput int
	BaseMargin    time.Duration

	// AcquireTimeout is only used by Shared.
	AcquireTimeout time.Duration

	// Metrics defaults to metrics.DefaultRegistry.
	Metrics metrics.Registry
}

func DefaultPairConfig() PairConfig {
	return PairConfig{
		MaxTransferBytes: DefaultMaxTransferBytes,
		Bus:              hal.BusAHB,
		Strategy: hal.Strategy{
			AutoUpdateDescriptors: true,
			OwnerCheck:            true,
		},
		MinThroughput:  DefaultMinThroughput,
		BaseMargin:     DefaultBaseMargin,
		AcquireTimeout: DefaultAcquireTimeout,
	}
}

// NewPairConfigFromConfig reads the dma section of c on top of the defaults.
func NewPairConfigFromConfig(c *config.C) (PairConfig, error) {
	pc := DefaultPairConfig()

	pc.MaxTransferBytes = c.GetByteSize("dma.max_transfer_bytes", pc.MaxTransferBytes)

	bus, err := hal.ParseBus(c.GetString("dma.bus", pc.Bus.String()))
	if err != nil {
		return pc, util.NewContextualError("Invalid dma.bus", map[string]any{"bus": c.GetString("dma.bus", "")}, err)
	}
	pc.Bus = bus

	pc.Strategy.AutoUpdateDescriptors = c.GetBool("dma.strategy.auto_update", pc.Strategy.AutoUpdateDescriptors)
	pc.Strategy.OwnerCheck = c.GetBool("dma.strategy.owner_check", pc.Strategy.OwnerCheck)
	pc.MinThroughput = c.GetByteSize("dma.timeout.min_throughput", pc.MinThroughput)
	pc.BaseMargin = c.GetDuration("dma.timeout.base_margin", pc.BaseMargin)
	pc.AcquireTimeout = c.GetDuration("dma.shared.acquire_timeout", pc.AcquireTimeout)

	if err := pc.validate(); err != nil {
		return pc, err
	}
	return pc, nil
}

func (pc PairConfig) validate() error {
	switch {
	case pc.MaxTransferBytes <= 0:
		return util.NewContextualError("dma.max_transfer_bytes must be positive",
			map[string]any{"max_transfer_bytes": pc.MaxTransferBytes}, ErrInvalidArg)
	case pc.MinThroughput <= 0:
		return util.NewContextualError("dma.timeout.min_throughput must be positive",
			map[string]any{"min_throughput": pc.MinThroughput}, ErrInvalidArg)
	case pc.BaseMargin < 0:
		return util.NewContextualError("dma.timeout.base_margin must not be negative",
			map[string]any{"base_margin": pc.BaseMargin}, ErrInvalidArg)
	case pc.AcquireTimeout < 0:
		return util.NewContextualError("dma.shared.acquire_timeout must not be negative",
			map[string]any{"acquire_timeout": pc.AcquireTimeout}, ErrInvalidArg)
	}
	return nil
}

func (pc PairConfig) String() string {
	return fmt.Sprintf("max=%d bus=%s auto_update=%t owner_check=%t min_throughput=%d base_margin=%s",
		pc.MaxTransferBytes, pc.Bus, pc.Strategy.AutoUpdateDescriptors, pc.Strategy.OwnerCheck,
		pc.MinThroughput, pc.BaseMargin)
}
