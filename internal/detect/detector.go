// Package detect turns the per-frame subject signal from the vision pipeline
// into at most one precisely timestamped crossing event per race attempt.
//
// The detector is a state machine driven at camera cadence. It is owned by a
// single goroutine (the frame loop); events and state changes reach the rest
// of the system through feeds.
package detect

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/feed"
)

// State is the detector's externally observable state.
type State string

const (
	StateNoAthlete     State = "NO_ATHLETE"
	StateReady         State = "READY"
	StateAthleteTooFar State = "ATHLETE_TOO_FAR"
	StateUnstable      State = "UNSTABLE"
	StateTriggered     State = "TRIGGERED"
	StateCooldown      State = "COOLDOWN"
)

// Config holds detector configuration.
type Config struct {
	// GatePosition is the gate line's normalized horizontal position.
	GatePosition float64 `yaml:"gate_position"`

	// Cooldown is how long after a trigger candidate crossings are ignored.
	Cooldown time.Duration `yaml:"cooldown"`

	// UnstableAfter is how many consecutive unstable frames demote READY to
	// UNSTABLE; one noisy frame does not flap the state.
	UnstableAfter int `yaml:"unstable_after"`

	// StableAfter is how many consecutive stable frames recover READY from
	// UNSTABLE.
	StableAfter int `yaml:"stable_after"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		GatePosition:  0.5,
		Cooldown:      1500 * time.Millisecond,
		UnstableAfter: 2,
		StableAfter:   3,
	}
}

// Detector is the per-device crossing state machine.
type Detector struct {
	config Config

	state         State
	prevEdge      float64
	havePrevEdge  bool
	unstableRun   int
	stableRun     int
	triggered     bool
	cooldownUntil clock.Mono

	states *feed.Feed[State]
	events *feed.Feed[CrossingEvent]
}

// New returns a detector in the NO_ATHLETE state.
func New(config Config) *Detector {
	return &Detector{
		config: config,
		state:  StateNoAthlete,
		states: feed.New[State](8),
		events: feed.New[CrossingEvent](1),
	}
}

// States returns the observable state feed.
func (d *Detector) States() *feed.Feed[State] {
	return d.states
}

// Events returns the crossing event feed. At most one event is published per
// attempt; a new attempt requires Reset.
func (d *Detector) Events() *feed.Feed[CrossingEvent] {
	return d.events
}

// State returns the current state.
func (d *Detector) State() State {
	return d.state
}

// Reset discards the current attempt and returns the detector to NO_ATHLETE.
// This is the only way out of COOLDOWN.
func (d *Detector) Reset() {
	d.triggered = false
	d.havePrevEdge = false
	d.unstableRun = 0
	d.stableRun = 0
	d.cooldownUntil = 0
	d.setState(StateNoAthlete)
}

func (d *Detector) setState(next State) {
	if d.state == next {
		return
	}
	log.Debug().Str("from", string(d.state)).Str("to", string(next)).Msg("detector state change")
	d.state = next
	d.states.Publish(next)
}

// ProcessFrame advances the state machine by one frame and returns the
// resulting state. Must be called from a single goroutine.
func (d *Detector) ProcessFrame(sig FrameSignal) State {
	d.trackStability(sig)

	switch d.state {
	case StateNoAthlete:
		if sig.SubjectPresent && sig.Stable && sig.Distance == BandNear {
			d.prevEdge = sig.SubjectEdge
			d.havePrevEdge = true
			d.setState(StateReady)
		}

	case StateReady:
		switch {
		case !sig.SubjectPresent:
			d.havePrevEdge = false
			d.setState(StateNoAthlete)

		case d.unstableRun >= d.config.UnstableAfter:
			// Camera shake: a crossing cannot be trusted until stability
			// resumes.
			d.havePrevEdge = false
			d.setState(StateUnstable)

		case sig.Distance == BandFar:
			d.havePrevEdge = false
			d.setState(StateAthleteTooFar)

		default:
			if d.havePrevEdge && crossed(d.prevEdge, sig.SubjectEdge, d.config.GatePosition) {
				d.trigger(sig)
			} else {
				d.prevEdge = sig.SubjectEdge
				d.havePrevEdge = true
			}
		}

	case StateAthleteTooFar:
		switch {
		case !sig.SubjectPresent:
			d.setState(StateNoAthlete)
		case sig.Stable && sig.Distance == BandNear:
			d.prevEdge = sig.SubjectEdge
			d.havePrevEdge = true
			d.setState(StateReady)
		}

	case StateUnstable:
		// No TRIGGERED transition from here; recover READY first.
		switch {
		case !sig.SubjectPresent:
			d.setState(StateNoAthlete)
		case d.stableRun >= d.config.StableAfter:
			d.prevEdge = sig.SubjectEdge
			d.havePrevEdge = true
			d.setState(StateReady)
		}

	case StateTriggered, StateCooldown:
		// Terminal for this attempt. Candidate crossings are dropped, not
		// queued; only Reset starts a new attempt.
		if sig.Timestamp < d.cooldownUntil {
			if d.havePrevEdge && crossed(d.prevEdge, sig.SubjectEdge, d.config.GatePosition) {
				log.Debug().Msg("dropping crossing candidate during cooldown")
			}
		}
		d.prevEdge = sig.SubjectEdge
		d.havePrevEdge = true
		d.setState(StateCooldown)
	}

	return d.state
}

// trackStability maintains the consecutive stable/unstable frame counters
// used for hysteresis.
func (d *Detector) trackStability(sig FrameSignal) {
	if sig.Stable {
		d.stableRun++
		d.unstableRun = 0
	} else {
		d.unstableRun++
		d.stableRun = 0
	}
}

// trigger emits the attempt's single crossing event, timestamped at the frame
// on which the leading edge crossed the gate line.
func (d *Detector) trigger(sig FrameSignal) {
	if d.triggered {
		return
	}
	d.triggered = true
	d.cooldownUntil = sig.Timestamp + clock.Mono(d.config.Cooldown.Milliseconds())

	event := CrossingEvent{
		Timestamp:    sig.Timestamp,
		GatePosition: d.config.GatePosition,
	}

	d.setState(StateTriggered)
	log.Info().
		Int64("timestamp_ms", int64(event.Timestamp)).
		Float64("gate", event.GatePosition).
		Msg("gate crossing detected")
	d.events.Publish(event)
}

// crossed reports whether the leading edge moved from one side of the gate
// line to the other between two consecutive frames.
func crossed(prev, cur, gate float64) bool {
	return (prev < gate && cur >= gate) || (prev > gate && cur <= gate)
}
