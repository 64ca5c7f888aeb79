package race

import (
	"github.com/gatelab/sprintgate/internal/clocksync"
	"github.com/gatelab/sprintgate/internal/link"
)

// Phase is the race lifecycle state, announced to the peer and published for
// the UI.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseArmed      Phase = "ARMED"
	PhaseLocalDone  Phase = "LOCAL_DONE"
	PhaseRemoteDone Phase = "REMOTE_DONE"
	PhaseFinished   Phase = "FINISHED"
	PhaseAborted    Phase = "ABORTED"
)

// Result is the final timing outcome of one race attempt. Immutable once
// created.
type Result struct {
	// ElapsedSeconds is the time between the two gate crossings, in the
	// local clock domain.
	ElapsedSeconds float64

	// UncertaintyMs bounds the timing error contributed by clock sync at
	// the moment of finalization.
	UncertaintyMs float64

	// DistanceMeters is the configured course length.
	DistanceMeters float64

	// Role is the local device's role.
	Role link.Role

	// QualityAtFinish is the sync quality when the result was produced.
	QualityAtFinish clocksync.Quality

	// SingleDevice marks a degraded result computed without the peer's
	// crossing (remote event never arrived within the wait bound).
	SingleDevice bool
}
