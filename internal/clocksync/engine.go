package clocksync

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/feed"
	"github.com/gatelab/sprintgate/internal/link"
)

// Progress is published after every sync round for the UI's progress bar.
type Progress struct {
	Fraction float64
	Quality  Quality
}

// Engine drives the ping side of the sync exchange on the finish device. It
// performs a fixed number of rounds, tolerates individual losses with
// exponential backoff, and keeps the last valid estimate across Stop.
type Engine struct {
	config   Config
	src      *clock.Source
	ch       link.Channel
	deviceID string

	estimator *Estimator
	pongs     chan link.SyncPongPayload

	progress *feed.Feed[Progress]
	updates  *feed.Feed[Estimate]

	mu       sync.Mutex
	estimate Estimate
	valid    bool
	seq      int
	cancel   context.CancelFunc
}

// NewEngine returns an engine sending pings over ch, timestamping with src.
func NewEngine(config Config, src *clock.Source, ch link.Channel, deviceID string) *Engine {
	return &Engine{
		config:    config,
		src:       src,
		ch:        ch,
		deviceID:  deviceID,
		estimator: NewEstimator(config),
		pongs:     make(chan link.SyncPongPayload, 8),
		progress:  feed.New[Progress](4),
		updates:   feed.New[Estimate](4),
	}
}

// Progress returns the observable sync progress feed.
func (e *Engine) Progress() *feed.Feed[Progress] {
	return e.progress
}

// Updates returns the feed of new estimates, one per accepted sample.
func (e *Engine) Updates() *feed.Feed[Estimate] {
	return e.updates
}

// HandlePong is registered on the link router for SyncPong messages.
func (e *Engine) HandlePong(msg link.Message) {
	payload, err := link.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed sync pong")
		return
	}
	select {
	case e.pongs <- payload.(link.SyncPongPayload):
	default:
		// A backlog of pongs means we already gave up on those rounds.
	}
}

// Estimate returns the current offset estimate, false if none exists yet.
func (e *Engine) Estimate() (Estimate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate, e.valid
}

// Quality grades the current estimate.
func (e *Engine) Quality() Quality {
	est, ok := e.Estimate()
	if !ok {
		return QualityBad
	}
	return Grade(est.UncertaintyMs, est.Samples, e.config.MinSamples, e.config.Bands)
}

// Stop cancels a running sync pass. The last valid estimate survives.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Run performs the configured number of sync rounds and returns when they are
// done or the context ends. Individual round losses back off but never reset
// progress; cancellation never corrupts the estimate.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	clk := e.src.Clock()
	backoff := e.config.Interval

	log.Info().Int("rounds", e.config.Rounds).Msg("clock sync started")

	for round := 0; round < e.config.Rounds; round++ {
		sample, ok := e.runRound(ctx)
		if ctx.Err() != nil {
			log.Info().Int("completed", round).Msg("clock sync cancelled")
			return nil
		}

		if ok {
			backoff = e.config.Interval
			if e.estimator.Add(sample) {
				e.recompute()
			} else {
				log.Debug().
					Float64("delay_ms", sample.Delay()).
					Msg("rejected outlier sync sample")
			}
		} else {
			// Lost round: back off, keep what we have.
			backoff = min(backoff*2, e.config.BackoffMax)
			log.Debug().Dur("backoff", backoff).Msg("sync round lost")
		}

		e.progress.Publish(Progress{
			Fraction: float64(round+1) / float64(e.config.Rounds),
			Quality:  e.Quality(),
		})

		if round < e.config.Rounds-1 {
			select {
			case <-clk.After(backoff):
			case <-ctx.Done():
				return nil
			}
		}
	}

	est, ok := e.Estimate()
	if !ok {
		log.Warn().Msg("clock sync finished without a usable estimate")
		return nil
	}
	log.Info().
		Float64("offset_ms", est.OffsetMs).
		Float64("uncertainty_ms", est.UncertaintyMs).
		Int("samples", est.Samples).
		Str("quality", e.Quality().String()).
		Msg("clock sync finished")
	return nil
}

// runRound sends one ping and waits for the matching pong. Stale pongs from
// abandoned rounds are drained and ignored.
func (e *Engine) runRound(ctx context.Context) (Sample, bool) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	t0 := e.src.Now()
	ping, err := link.NewMessage(link.KindSyncPing, e.deviceID, link.SyncPingPayload{Seq: seq, T0: t0})
	if err != nil {
		return Sample{}, false
	}
	if err := e.ch.Send(ping); err != nil {
		return Sample{}, false
	}

	timeout := e.src.Clock().After(e.config.RoundTimeout)
	for {
		select {
		case <-ctx.Done():
			return Sample{}, false
		case <-timeout:
			return Sample{}, false
		case pong := <-e.pongs:
			if pong.Seq != seq {
				continue
			}
			t3 := e.src.Now()
			return Sample{T0: pong.T0, T1: pong.T1, T2: pong.T2, T3: t3}, true
		}
	}
}

// recompute refreshes the cached estimate, publishes it locally and reports
// it to the start device.
func (e *Engine) recompute() {
	est, ok := e.estimator.Estimate()
	if !ok {
		return
	}

	e.mu.Lock()
	e.estimate = est
	e.valid = true
	e.mu.Unlock()

	e.updates.Publish(est)

	report, err := link.NewMessage(link.KindSyncReport, e.deviceID, link.SyncReportPayload{
		OffsetMs:      est.OffsetMs,
		UncertaintyMs: est.UncertaintyMs,
		Samples:       est.Samples,
	})
	if err != nil {
		return
	}
	if err := e.ch.Send(report); err != nil {
		log.Debug().Err(err).Msg("could not report estimate to peer")
	}
}
