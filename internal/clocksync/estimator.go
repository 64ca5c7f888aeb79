// Package clocksync measures the offset between the two devices' monotonic
// clocks with NTP-style round trips over the link channel, grades the result,
// and shares it with the peer.
//
// The engine runs on the finish device; the start device runs only the
// stateless responder and receives the finished estimate as a SyncReport.
// Offset is defined throughout as start clock minus finish clock.
package clocksync

import (
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/link"
)

// Sample is one completed round trip. t0/t3 are finish-clock times, t1/t2
// start-clock times. Immutable once recorded.
type Sample struct {
	T0 clock.Mono
	T1 clock.Mono
	T2 clock.Mono
	T3 clock.Mono
}

// Offset returns the start-minus-finish clock offset implied by the sample,
// assuming symmetric path delay.
func (s Sample) Offset() float64 {
	return (float64(s.T1-s.T0) - float64(s.T3-s.T2)) / 2
}

// Delay returns the round-trip path delay, excluding the responder's hold
// time.
func (s Sample) Delay() float64 {
	return float64(s.T3-s.T0) - float64(s.T2-s.T1)
}

// Estimate is the current offset estimate. Superseded estimates are
// discarded; only the latest matters.
type Estimate struct {
	OffsetMs      float64
	UncertaintyMs float64
	Samples       int
}

// RemoteToLocal converts a peer timestamp into the local clock domain.
// OffsetMs is start minus finish, so the finish device subtracts it from a
// start timestamp and the start device adds it to a finish timestamp.
func (e Estimate) RemoteToLocal(remote clock.Mono, localRole link.Role) float64 {
	if localRole == link.RoleFinish {
		return float64(remote) - e.OffsetMs
	}
	return float64(remote) + e.OffsetMs
}

// LocalToRemote is the inverse of RemoteToLocal.
func (e Estimate) LocalToRemote(local clock.Mono, localRole link.Role) float64 {
	if localRole == link.RoleFinish {
		return float64(local) + e.OffsetMs
	}
	return float64(local) - e.OffsetMs
}

// uncertaintyFloorMs reflects the millisecond granularity of the wire
// timestamps; no estimate can honestly claim better than half a tick.
const uncertaintyFloorMs = 0.5

// Estimator keeps a bounded window of accepted samples and derives the
// current estimate from the lowest-delay subset. Asymmetric radio latency is
// the dominant error source, so samples are selected by delay, not averaged
// blindly.
type Estimator struct {
	windowSize    int
	bestSamples   int
	outlierFactor float64

	window []Sample
}

// NewEstimator returns an estimator with the given window and selection
// sizes.
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{
		windowSize:    cfg.WindowSize,
		bestSamples:   cfg.BestSamples,
		outlierFactor: cfg.OutlierFactor,
	}
}

// Add records a round-trip sample. It returns false when the sample is
// rejected as a delay outlier (delay above outlierFactor times the running
// median); rejected samples do not perturb the estimate.
func (e *Estimator) Add(s Sample) bool {
	if med, ok := e.medianDelay(); ok && s.Delay() > e.outlierFactor*med {
		return false
	}
	e.window = append(e.window, s)
	if len(e.window) > e.windowSize {
		e.window = e.window[1:]
	}
	return true
}

// medianDelay returns the median delay of the current window. Not meaningful
// below four samples; outlier rejection only kicks in once it is.
func (e *Estimator) medianDelay() (float64, bool) {
	if len(e.window) < 4 {
		return 0, false
	}
	delays := make([]float64, len(e.window))
	for i, s := range e.window {
		delays[i] = s.Delay()
	}
	sort.Float64s(delays)
	return stat.Quantile(0.5, stat.Empirical, delays, nil), true
}

// Len returns the number of accepted samples currently in the window.
func (e *Estimator) Len() int {
	return len(e.window)
}

// Reset discards all samples.
func (e *Estimator) Reset() {
	e.window = nil
}

// Estimate derives the current offset from the lowest-delay samples in the
// window (minimum filter): the mean of their offsets, with uncertainty taken
// from the spread of their delays. Returns false while the window is empty.
func (e *Estimator) Estimate() (Estimate, bool) {
	if len(e.window) == 0 {
		return Estimate{}, false
	}

	selected := slices.Clone(e.window)
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Delay() < selected[j].Delay()
	})
	if len(selected) > e.bestSamples {
		selected = selected[:e.bestSamples]
	}

	offsets := make([]float64, len(selected))
	delays := make([]float64, len(selected))
	for i, s := range selected {
		offsets[i] = s.Offset()
		delays[i] = s.Delay()
	}

	// delays is already ascending after the sort above.
	uncertainty := uncertaintyFloorMs
	if len(delays) >= 2 {
		iqr := stat.Quantile(0.75, stat.Empirical, delays, nil) - stat.Quantile(0.25, stat.Empirical, delays, nil)
		uncertainty = math.Max(iqr/2, uncertaintyFloorMs)
	}

	return Estimate{
		OffsetMs:      stat.Mean(offsets, nil),
		UncertaintyMs: uncertainty,
		Samples:       len(e.window),
	}, true
}
