// Package race owns the race lifecycle: arming, collecting the two crossing
// events, converting the peer's timestamp into the local clock domain and
// producing the final result.
//
// The coordinator is the only component with cross-device knowledge. All of
// its state lives on a single mailbox goroutine; commands, remote messages
// and offset updates are messages into that mailbox, so a local trigger and
// a concurrently arriving remote crossing can never race into an
// inconsistent result.
package race

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/clocksync"
	"github.com/gatelab/sprintgate/internal/detect"
	"github.com/gatelab/sprintgate/internal/feed"
	"github.com/gatelab/sprintgate/internal/link"
	"github.com/gatelab/sprintgate/internal/pairing"
)

var (
	// ErrSyncNotReady means the offset estimate is missing or below the
	// arming quality bar.
	ErrSyncNotReady = errors.New("race: clock sync not ready")

	// ErrNotIdle means Arm was called while an attempt was in progress; the
	// previous attempt must be reset first.
	ErrNotIdle = errors.New("race: attempt already in progress")

	// ErrNotRunning means the coordinator mailbox is not running.
	ErrNotRunning = errors.New("race: coordinator not running")
)

// Config holds race coordinator configuration.
type Config struct {
	// DistanceMeters is the course length carried into results.
	DistanceMeters float64 `yaml:"distance_meters"`

	// RemoteWait bounds how long finalization waits for the peer's crossing
	// after the local trigger before degrading to a single-device result.
	RemoteWait time.Duration `yaml:"remote_wait"`

	// MinQuality is the lowest sync quality at which a race may be armed.
	MinQuality clocksync.Quality `yaml:"-"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		DistanceMeters: 40,
		RemoteWait:     30 * time.Second,
		MinQuality:     clocksync.QualityFair,
	}
}

type command func()

// Coordinator serializes one device's race lifecycle.
type Coordinator struct {
	config     Config
	syncConfig clocksync.Config
	session    *pairing.Session
	src        *clock.Source
	clk        clockwork.Clock

	cmds chan command

	// Mailbox-owned state. Touched only from Run.
	phase      Phase
	estimate   clocksync.Estimate
	estValid   bool
	local      *detect.CrossingEvent
	remote     *link.CrossingPayload
	armedAt    clock.Mono
	remoteWait clockwork.Timer

	// onReset lets the wiring layer return collaborator state (the
	// detector) to its initial state together with the race state.
	onReset func()

	phases  *feed.Feed[Phase]
	results *feed.Feed[Result]
}

// NewCoordinator returns a coordinator for an established session.
func NewCoordinator(config Config, syncConfig clocksync.Config, session *pairing.Session, src *clock.Source) *Coordinator {
	return &Coordinator{
		config:     config,
		syncConfig: syncConfig,
		session:    session,
		src:        src,
		clk:        src.Clock(),
		cmds:       make(chan command, 32),
		phase:      PhaseIdle,
		phases:     feed.New[Phase](8),
		results:    feed.New[Result](1),
	}
}

// OnReset registers a hook invoked on every reset, for returning collaborator
// state (typically the detector) to a clean slate.
func (c *Coordinator) OnReset(fn func()) {
	c.onReset = fn
}

// Phases returns the observable race phase feed.
func (c *Coordinator) Phases() *feed.Feed[Phase] {
	return c.phases
}

// Results returns the feed of finalized results, one per completed attempt.
func (c *Coordinator) Results() *feed.Feed[Result] {
	return c.results
}

// Run processes the mailbox until ctx ends. Everything that mutates race
// state happens here.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		var waitC <-chan time.Time
		if c.remoteWait != nil {
			waitC = c.remoteWait.Chan()
		}

		select {
		case <-ctx.Done():
			c.stopRemoteWait()
			return nil

		case cmd := <-c.cmds:
			cmd()

		case <-waitC:
			c.remoteWait = nil
			c.onRemoteWaitExpired()
		}
	}
}

// post runs fn on the mailbox goroutine and waits for it to complete.
func (c *Coordinator) post(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arm transitions Idle → Armed. It fails with ErrSyncNotReady unless the
// current estimate is valid and at least the configured minimum quality.
func (c *Coordinator) Arm(ctx context.Context) error {
	var err error
	if postErr := c.post(ctx, func() { err = c.arm() }); postErr != nil {
		return postErr
	}
	return err
}

func (c *Coordinator) arm() error {
	if c.phase != PhaseIdle {
		return ErrNotIdle
	}
	if c.quality() < c.config.MinQuality {
		log.Warn().
			Str("quality", c.quality().String()).
			Int("samples", c.estimate.Samples).
			Msg("refusing to arm: sync not ready")
		return ErrSyncNotReady
	}

	c.armedAt = c.src.Now()
	c.setPhase(PhaseArmed)
	log.Info().
		Float64("offset_ms", c.estimate.OffsetMs).
		Float64("uncertainty_ms", c.estimate.UncertaintyMs).
		Msg("race armed")
	return nil
}

// Reset discards the current attempt, returning the coordinator (and, via
// the reset hook, the detector) to a state from which Arm succeeds again.
// Idempotent.
func (c *Coordinator) Reset(ctx context.Context) error {
	return c.post(ctx, c.reset)
}

func (c *Coordinator) reset() {
	c.stopRemoteWait()
	c.local = nil
	c.remote = nil
	c.armedAt = 0
	c.setPhase(PhaseIdle)
	if c.onReset != nil {
		c.onReset()
	}
	log.Info().Msg("race reset")
}

// UpdateEstimate feeds a new offset estimate into the coordinator. Called
// with the local engine's updates on the finish device and with SyncReport
// payloads on the start device.
func (c *Coordinator) UpdateEstimate(est clocksync.Estimate) {
	c.cmds <- func() {
		c.estimate = est
		c.estValid = true
	}
}

// LocalCrossing records this device's crossing, announces it to the peer and
// starts the bounded wait for the remote event.
func (c *Coordinator) LocalCrossing(event detect.CrossingEvent) {
	c.cmds <- func() { c.localCrossing(event) }
}

func (c *Coordinator) localCrossing(event detect.CrossingEvent) {
	if c.phase != PhaseArmed && c.phase != PhaseRemoteDone {
		log.Debug().Str("phase", string(c.phase)).Msg("ignoring crossing outside an armed attempt")
		return
	}

	ev := event
	c.local = &ev

	msg, err := link.NewMessage(link.KindCrossing, c.session.LocalDeviceID, link.CrossingPayload{
		Timestamp:    event.Timestamp,
		GatePosition: event.GatePosition,
	})
	if err == nil {
		if sendErr := c.session.Channel.Send(msg); sendErr != nil {
			log.Error().Err(sendErr).Msg("could not announce crossing to peer")
			c.abort()
			return
		}
	}

	if c.remote != nil {
		c.finalize(false)
		return
	}
	c.setPhase(PhaseLocalDone)
	c.remoteWait = c.clk.NewTimer(c.config.RemoteWait)
}

// HandleRemoteCrossing is registered on the link router for Crossing
// messages.
func (c *Coordinator) HandleRemoteCrossing(msg link.Message) {
	payload, err := link.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed remote crossing")
		return
	}
	crossing := payload.(link.CrossingPayload)
	c.cmds <- func() { c.remoteCrossing(crossing) }
}

func (c *Coordinator) remoteCrossing(crossing link.CrossingPayload) {
	switch c.phase {
	case PhaseArmed:
		c.remote = &crossing
		c.setPhase(PhaseRemoteDone)
	case PhaseLocalDone:
		c.remote = &crossing
		c.stopRemoteWait()
		c.finalize(false)
	default:
		log.Debug().Str("phase", string(c.phase)).Msg("ignoring remote crossing outside an armed attempt")
	}
}

// HandleSyncReport is registered on the link router on the start device,
// which runs no sync engine of its own.
func (c *Coordinator) HandleSyncReport(msg link.Message) {
	payload, err := link.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed sync report")
		return
	}
	report := payload.(link.SyncReportPayload)
	c.UpdateEstimate(clocksync.Estimate{
		OffsetMs:      report.OffsetMs,
		UncertaintyMs: report.UncertaintyMs,
		Samples:       report.Samples,
	})
}

// HandleRaceStatus is registered on the link router for peer phase
// announcements.
func (c *Coordinator) HandleRaceStatus(msg link.Message) {
	payload, err := link.ParsePayload(msg)
	if err != nil {
		return
	}
	status := payload.(link.RaceStatusPayload)
	c.cmds <- func() {
		if Phase(status.Phase) == PhaseAborted && c.inAttempt() {
			log.Warn().Msg("peer aborted the attempt")
			c.abort()
		}
	}
}

// LinkDown informs the coordinator that the link failed. Fatal to an armed
// attempt: the coordinator never guesses a result.
func (c *Coordinator) LinkDown() {
	c.cmds <- func() {
		if c.inAttempt() {
			log.Error().Msg("link lost during armed race, aborting attempt")
			c.abort()
		}
	}
}

func (c *Coordinator) inAttempt() bool {
	switch c.phase {
	case PhaseArmed, PhaseLocalDone, PhaseRemoteDone:
		return true
	}
	return false
}

func (c *Coordinator) abort() {
	c.stopRemoteWait()
	c.local = nil
	c.remote = nil
	c.setPhase(PhaseAborted)
}

func (c *Coordinator) onRemoteWaitExpired() {
	if c.phase != PhaseLocalDone {
		return
	}
	log.Warn().
		Dur("waited", c.config.RemoteWait).
		Msg("remote crossing never arrived, degrading to single-device result")
	c.finalize(true)
}

// finalize computes and publishes the result. With both events present the
// peer's timestamp is converted into the local clock domain; without the
// peer the elapsed time runs from arming to the local crossing and the
// result is flagged single-device.
func (c *Coordinator) finalize(singleDevice bool) {
	if c.local == nil {
		return
	}

	var elapsedMs float64
	if singleDevice || c.remote == nil {
		singleDevice = true
		elapsedMs = float64(c.local.Timestamp - c.armedAt)
	} else {
		converted := c.estimate.RemoteToLocal(c.remote.Timestamp, c.session.LocalRole)
		elapsedMs = math.Abs(float64(c.local.Timestamp) - converted)
	}

	result := Result{
		ElapsedSeconds:  elapsedMs / 1000,
		UncertaintyMs:   c.estimate.UncertaintyMs,
		DistanceMeters:  c.config.DistanceMeters,
		Role:            c.session.LocalRole,
		QualityAtFinish: c.quality(),
		SingleDevice:    singleDevice,
	}

	c.setPhase(PhaseFinished)
	log.Info().
		Float64("elapsed_s", result.ElapsedSeconds).
		Float64("uncertainty_ms", result.UncertaintyMs).
		Bool("single_device", result.SingleDevice).
		Str("quality", result.QualityAtFinish.String()).
		Msg("race finalized")
	c.results.Publish(result)
}

// Finalize blocks until the current attempt produces a result or ctx ends.
func (c *Coordinator) Finalize(ctx context.Context) (Result, error) {
	results, cancel := c.results.Subscribe()
	defer cancel()
	select {
	case r, ok := <-results:
		if !ok {
			return Result{}, ErrNotRunning
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) quality() clocksync.Quality {
	if !c.estValid {
		return clocksync.QualityBad
	}
	return clocksync.Grade(c.estimate.UncertaintyMs, c.estimate.Samples, c.syncConfig.MinSamples, c.syncConfig.Bands)
}

func (c *Coordinator) setPhase(next Phase) {
	if c.phase == next {
		return
	}
	c.phase = next
	c.phases.Publish(next)

	msg, err := link.NewMessage(link.KindRaceStatus, c.session.LocalDeviceID, link.RaceStatusPayload{Phase: string(next)})
	if err != nil {
		return
	}
	if sendErr := c.session.Channel.Send(msg); sendErr != nil {
		log.Debug().Err(sendErr).Msg("could not announce race phase to peer")
	}
}

func (c *Coordinator) stopRemoteWait() {
	if c.remoteWait != nil {
		c.remoteWait.Stop()
		c.remoteWait = nil
	}
}
