package main

import (
	"context"
	"time"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/detect"
)

// simulateFrames feeds the detector a scripted run at roughly camera cadence:
// empty frames, an approaching subject, a clean crossing, then cooldown. It
// stands in for the vision pipeline so the whole timing path can be exercised
// without a camera.
func simulateFrames(ctx context.Context, src *clock.Source, detector *detect.Detector, gate float64, crossAfter time.Duration) {
	const frameInterval = 10 * time.Millisecond

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	start := src.Now()
	crossAt := start + clock.Mono(crossAfter.Milliseconds())

	// The subject walks in from the left edge and sprints through the gate
	// at crossAt.
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := src.Now()
		sig := detect.FrameSignal{
			SubjectPresent: true,
			Distance:       detect.BandNear,
			Stable:         true,
			Timestamp:      now,
		}

		switch {
		case now < start+200:
			// Warm-up: nobody in frame yet.
			sig.SubjectPresent = false
			sig.Distance = detect.BandNone

		case now < crossAt:
			// Approaching, holding short of the gate line.
			sig.SubjectEdge = gate * 0.6

		default:
			// Through the gate.
			sig.SubjectEdge = gate + 0.2
		}

		detector.ProcessFrame(sig)
	}
}
