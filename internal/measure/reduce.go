package measure

import (
	"github.com/montanaflynn/stats"
)

// Reduce turns the successful samples of a run (milliseconds, in probe
// order) into a LatencySummary.
//
// Loss is lost/attempts*100, with attempts being the requested probe count.
// A run with no successful sample reports zero latency and 100% loss.
// Jitter is the Bessel-corrected sample standard deviation and is zero for
// fewer than two samples.
func Reduce(samples []float64, lost, attempts int) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{LossPercent: 100.0}
	}
	if attempts <= 0 {
		attempts = len(samples) + lost
	}
	data := stats.Float64Data(samples)
	avg, _ := stats.Mean(data)
	minMs, _ := stats.Min(data)
	maxMs, _ := stats.Max(data)
	var jitter float64
	if len(samples) >= 2 {
		jitter, _ = stats.StandardDeviationSample(data)
	}
	return LatencySummary{
		AverageMs:   avg,
		MinMs:       minMs,
		MaxMs:       maxMs,
		JitterMs:    jitter,
		LossPercent: float64(lost) / float64(attempts) * 100,
	}
}
