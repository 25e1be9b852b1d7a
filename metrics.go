package gdma

import "github.com/rcrowley/go-metrics"

// engineMetrics are shared by every pair registered on the same registry.
type engineMetrics struct {
	transfers  metrics.Counter
	timeouts   metrics.Counter
	rejected   metrics.Counter
	missingEOF metrics.Counter
	truncated  metrics.Counter
	doubleGive metrics.Counter
	bytesIn    metrics.Meter
	bytesOut   metrics.Meter
	duration   metrics.Timer
}

func newEngineMetrics(r metrics.Registry) *engineMetrics {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	return &engineMetrics{
		transfers:  metrics.GetOrRegisterCounter("gdma.transfers", r),
		timeouts:   metrics.GetOrRegisterCounter("gdma.timeouts", r),
		rejected:   metrics.GetOrRegisterCounter("gdma.rejected", r),
		missingEOF: metrics.GetOrRegisterCounter("gdma.rx.missing_eof", r),
		truncated:  metrics.GetOrRegisterCounter("gdma.rx.truncated", r),
		doubleGive: metrics.GetOrRegisterCounter("gdma.completion.double_give", r),
		bytesIn:    metrics.GetOrRegisterMeter("gdma.bytes.in", r),
		bytesOut:   metrics.GetOrRegisterMeter("gdma.bytes.out", r),
		duration:   metrics.GetOrRegisterTimer("gdma.transfer.duration", r),
	}
}
