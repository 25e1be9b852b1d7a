package gdma

import "time"

const (
	// DefaultMinThroughput is a deliberately pessimistic lower bound of what
	// any attached unit moves per second.
	DefaultMinThroughput = 100 << 10

	// DefaultBaseMargin covers setup and interrupt latency.
	DefaultBaseMargin = 10 * time.Millisecond
)

// transferTimeout is how long a transfer of in bytes producing up to out bytes
// may take before the hardware is considered stuck.
func transferTimeout(in, out, minThroughput int, margin time.Duration) time.Duration {
	bytes := int64(in) + int64(out)
	return time.Duration(bytes*int64(time.Second)/int64(minThroughput)) + margin
}
