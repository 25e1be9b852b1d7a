package gdma

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/gdma/config"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
	"github.com/slackhq/gdma/sim"
	"github.com/slackhq/gdma/util"
	"go.yaml.in/yaml/v3"
)

// Main builds a simulated SoC and the DMA engine on top of it from c. Nothing
// runs until the returned Control is started.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	pc, err := NewPairConfigFromConfig(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the dma config", err)
	}
	pc.Metrics = metrics.DefaultRegistry

	soc, err := newSimFromConfig(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to build the simulated SoC", err)
	}

	st, err := newSelfTestConfigFromConfig(c, pc)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the self test config", err)
	}

	if pairs := c.GetInt("sim.pairs", sim.DefaultPairs); st.workers > pairs {
		return nil, util.NewContextualError("selftest.workers can not exceed sim.pairs",
			map[string]any{"workers": st.workers, "pairs": pairs}, ErrInvalidArg)
	}

	statsStart, err := startStats(l, c, metrics.DefaultRegistry, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	l.WithFields(logrus.Fields{
		"dma":       pc.String(),
		"alignment": soc.Memory().Alignment(),
		"transform": st.transform,
		"sizes":     st.sizes,
	}).Info("DMA engine configured")

	return &Control{
		l:          l,
		soc:        soc,
		cfg:        pc,
		st:         st,
		statsStart: statsStart,
	}, nil
}

func newSimFromConfig(l *logrus.Logger, c *config.C) (*sim.Controller, error) {
	alignment := c.GetInt("sim.alignment", 4)

	var mem sim.Memory
	if c.GetBool("sim.coherent", false) {
		m, err := sim.NewCoherent(alignment)
		if err != nil {
			return nil, err
		}
		mem = m
	} else {
		m, err := sim.NewWriteBack(alignment)
		if err != nil {
			return nil, err
		}
		mem = m
	}

	return sim.NewController(l, sim.Options{
		Pairs:   c.GetInt("sim.pairs", sim.DefaultPairs),
		Buses:   []hal.Bus{hal.BusAHB, hal.BusAXI},
		Memory:  mem,
		Latency: c.GetDuration("sim.latency", 0),
	})
}

type selfTestConfig struct {
	sizes      []int
	transform  string
	program    peripheral.Transform
	iterations int
	workers    int
}

func newSelfTestConfigFromConfig(c *config.C, pc PairConfig) (selfTestConfig, error) {
	st := selfTestConfig{
		sizes:      c.GetIntSlice("selftest.sizes", defaultSelfTestSizes(pc.MaxTransferBytes)),
		transform:  c.GetString("selftest.transform", "identity"),
		iterations: c.GetInt("selftest.iterations", 1),
		workers:    c.GetInt("selftest.workers", 2),
	}

	var err error
	st.program, err = peripheral.Lookup(st.transform)
	if err != nil {
		return st, err
	}
	if _, ok := st.program([]byte{0}); !ok {
		return st, util.NewContextualError("selftest.transform never completes a frame",
			map[string]any{"transform": st.transform}, ErrInvalidArg)
	}

	for _, size := range st.sizes {
		if size <= 0 || size > pc.MaxTransferBytes {
			return st, util.NewContextualError("selftest.sizes must be within 1 and dma.max_transfer_bytes",
				map[string]any{"size": size, "max_transfer_bytes": pc.MaxTransferBytes}, ErrInvalidArg)
		}
	}

	if st.iterations < 1 {
		return st, fmt.Errorf("selftest.iterations must be at least 1, got %d", st.iterations)
	}
	if st.workers < 1 {
		return st, fmt.Errorf("selftest.workers must be at least 1, got %d", st.workers)
	}

	return st, nil
}

// defaultSelfTestSizes covers a single byte, a single descriptor, the first
// size needing two descriptors and the largest transfer.
func defaultSelfTestSizes(limit int) []int {
	var sizes []int
	for _, s := range []int{1, 32, 4093, 4096, limit} {
		if s <= limit && (len(sizes) == 0 || s > sizes[len(sizes)-1]) {
			sizes = append(sizes, s)
		}
	}
	return sizes
}
