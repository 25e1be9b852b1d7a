package gdma

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/gdma/config"
	"github.com/slackhq/gdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStats(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		configTest bool
		err        string
		start      bool
	}{
		{name: "disabled", raw: "stats:\n  type: none"},
		{name: "missing interval", raw: "stats:\n  type: graphite", err: "stats.interval was an invalid duration: "},
		{name: "bad interval", raw: "stats:\n  type: graphite\n  interval: often", err: "stats.interval was an invalid duration: often"},
		{name: "unknown type", raw: "stats:\n  type: statsd\n  interval: 1s", err: "stats.type was not understood: statsd"},
		{name: "graphite without host", raw: "stats:\n  type: graphite\n  interval: 1s", err: "stats.host can not be empty"},
		{name: "graphite", raw: "stats:\n  type: graphite\n  interval: 1s\n  host: 127.0.0.1:2003", configTest: true},
		{name: "prometheus without listen", raw: "stats:\n  type: prometheus\n  interval: 1s\n  path: /metrics", err: "stats.listen should not be empty"},
		{name: "prometheus without path", raw: "stats:\n  type: prometheus\n  interval: 1s\n  listen: 127.0.0.1:0", err: "stats.path should not be empty"},
		{name: "prometheus config test", raw: "stats:\n  type: prometheus\n  interval: 1s\n  listen: 127.0.0.1:0\n  path: /metrics", configTest: true},
		{name: "prometheus", raw: "stats:\n  type: prometheus\n  interval: 1s\n  listen: 127.0.0.1:0\n  path: /metrics", start: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			start, err := startStats(l, c, metrics.NewRegistry(), "test", tt.configTest)
			if tt.err != "" {
				assert.EqualError(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, start != nil)
		})
	}
}
