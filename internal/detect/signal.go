package detect

import "github.com/gatelab/sprintgate/internal/clock"

// DistanceBand is the coarse subject distance produced by the vision
// pipeline.
type DistanceBand int

const (
	BandNone DistanceBand = iota // no usable distance
	BandNear                     // close enough to arm
	BandMid                      // tracked, outside the arming range
	BandFar                      // beyond the far threshold
)

// FrameSignal is the per-frame feature vector the detector consumes. It is
// produced externally from the camera stream; the detector never sees pixels.
type FrameSignal struct {
	// SubjectPresent reports whether a subject is tracked at all.
	SubjectPresent bool

	// Distance is the subject's distance band when tracked.
	Distance DistanceBand

	// Stable reports whether the frame itself is trustworthy: false on
	// camera shake or motion blur, regardless of subject motion.
	Stable bool

	// SubjectEdge is the subject's leading-edge horizontal position,
	// normalized to [0,1] across the frame.
	SubjectEdge float64

	// Timestamp is the frame capture time on the local monotonic clock.
	Timestamp clock.Mono
}

// CrossingEvent is the single timestamped detection of a subject passing the
// gate. At most one is produced per armed attempt; immutable once created.
type CrossingEvent struct {
	// Timestamp is the local monotonic capture time of the frame on which
	// the crossing was observed.
	Timestamp clock.Mono

	// GatePosition is the gate line's normalized horizontal position.
	GatePosition float64
}
