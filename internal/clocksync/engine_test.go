package clocksync

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/link"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Rounds = 8
	cfg.Interval = time.Millisecond
	cfg.RoundTimeout = 200 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	return cfg
}

// syncPair wires an engine and a responder over an in-memory pipe, both
// reading the same clock so the true offset is zero.
func syncPair(t *testing.T, ctx context.Context, cfg Config, opts ...link.PipeOption) *Engine {
	t.Helper()

	src := clock.NewSource(clockwork.NewRealClock())
	finishCh, startCh := link.Pipe(opts...)
	t.Cleanup(func() { finishCh.Close() })

	engine := NewEngine(cfg, src, finishCh, "finish-dev")
	responder := NewResponder(src, startCh, "start-dev")

	finishRouter := link.NewRouter(finishCh)
	finishRouter.Handle(link.KindSyncPong, engine.HandlePong)
	startRouter := link.NewRouter(startCh)
	startRouter.Handle(link.KindSyncPing, responder.HandlePing)
	go finishRouter.Run(ctx)
	go startRouter.Run(ctx)

	return engine
}

func TestEngineConvergesOverPipe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := fastConfig()
	engine := syncPair(t, ctx, cfg)

	progress, cancelProgress := engine.Progress().Subscribe()
	defer cancelProgress()

	require.NoError(t, engine.Run(ctx))

	est, ok := engine.Estimate()
	require.True(t, ok, "no estimate after a clean sync pass")
	assert.GreaterOrEqual(t, est.Samples, cfg.MinSamples)
	assert.InDelta(t, 0, est.OffsetMs, 2)
	assert.GreaterOrEqual(t, engine.Quality(), QualityGood)

	// The final progress update reports a complete pass.
	var last Progress
	for {
		select {
		case p := <-progress:
			last = p
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1.0, last.Fraction)
}

func TestEngineReportsEstimateToPeer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := clock.NewSource(clockwork.NewRealClock())
	finishCh, startCh := link.Pipe()
	defer finishCh.Close()

	cfg := fastConfig()
	engine := NewEngine(cfg, src, finishCh, "finish-dev")
	responder := NewResponder(src, startCh, "start-dev")

	reports := make(chan link.SyncReportPayload, cfg.Rounds)
	finishRouter := link.NewRouter(finishCh)
	finishRouter.Handle(link.KindSyncPong, engine.HandlePong)
	startRouter := link.NewRouter(startCh)
	startRouter.Handle(link.KindSyncPing, responder.HandlePing)
	startRouter.Handle(link.KindSyncReport, func(msg link.Message) {
		payload, err := link.ParsePayload(msg)
		require.NoError(t, err)
		reports <- payload.(link.SyncReportPayload)
	})
	go finishRouter.Run(ctx)
	go startRouter.Run(ctx)

	require.NoError(t, engine.Run(ctx))

	select {
	case report := <-reports:
		assert.InDelta(t, 0, report.OffsetMs, 2)
		assert.Positive(t, report.Samples)
	case <-time.After(time.Second):
		t.Fatal("start device never received a sync report")
	}
}

func TestEngineSurvivesTotalLoss(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := fastConfig()
	cfg.Rounds = 3
	cfg.RoundTimeout = 5 * time.Millisecond

	dropAll := link.WithPipeDrop(func(link.Message) bool { return true })
	engine := syncPair(t, ctx, cfg, dropAll)

	require.NoError(t, engine.Run(ctx))

	_, ok := engine.Estimate()
	assert.False(t, ok)
	assert.Equal(t, QualityBad, engine.Quality())
}

func TestEngineStopKeepsLastEstimate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := fastConfig()
	cfg.Rounds = 1000
	cfg.Interval = time.Millisecond
	engine := syncPair(t, ctx, cfg)

	updates, cancelUpdates := engine.Updates().Subscribe()
	defer cancelUpdates()

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("no estimate update before stop")
	}
	engine.Stop()

	require.NoError(t, <-done)
	_, ok := engine.Estimate()
	assert.True(t, ok, "stop must not discard the last estimate")
}
