package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/clocksync"
	"github.com/gatelab/sprintgate/internal/detect"
	"github.com/gatelab/sprintgate/internal/link"
	"github.com/gatelab/sprintgate/internal/pairing"
	"github.com/gatelab/sprintgate/internal/race"
)

func main() {
	configPath := flag.String("config", getEnv("GATE_CONFIG", "gate.yaml"), "path to config file")
	simulate := flag.Bool("simulate", false, "run a scripted crossing instead of a real frame feed")
	flag.Parse()

	godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(config.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if config.DeviceID == "" {
		config.DeviceID = uuid.New().String()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, *simulate); err != nil {
		log.Fatal().Err(err).Msg("gate daemon failed")
	}
}

func run(ctx context.Context, config Config, simulate bool) error {
	src := clock.NewSource(clockwork.NewRealClock())
	negotiator := pairing.NewNegotiator(config.DeviceID, config.Pairing, src.Clock())

	log.Info().
		Str("device_id", config.DeviceID).
		Str("role", string(config.Role)).
		Str("transport", string(config.Transport)).
		Msg("gate daemon starting")

	session, err := establishSession(ctx, config, negotiator)
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}
	defer session.Channel.Close()

	coordinator := race.NewCoordinator(config.Race, config.Sync, session, src)
	detector := detect.New(config.Detect)
	coordinator.OnReset(detector.Reset)

	router := link.NewRouter(session.Channel)
	router.Handle(link.KindCrossing, coordinator.HandleRemoteCrossing)
	router.Handle(link.KindRaceStatus, coordinator.HandleRaceStatus)

	var engine *clocksync.Engine
	if session.LocalRole == link.RoleFinish {
		engine = clocksync.NewEngine(config.Sync, src, session.Channel, config.DeviceID)
		router.Handle(link.KindSyncPong, engine.HandlePong)
	} else {
		responder := clocksync.NewResponder(src, session.Channel, config.DeviceID)
		router.Handle(link.KindSyncPing, responder.HandlePing)
		router.Handle(link.KindSyncReport, coordinator.HandleSyncReport)
	}

	go func() {
		if err := router.Run(ctx); err != nil {
			log.Error().Err(err).Msg("link lost")
			coordinator.LinkDown()
		}
	}()
	go coordinator.Run(ctx)

	// Crossing events flow from the detector into the coordinator's mailbox.
	crossings, cancelCrossings := detector.Events().Subscribe()
	defer cancelCrossings()
	go func() {
		for event := range crossings {
			coordinator.LocalCrossing(event)
		}
	}()

	if engine != nil {
		updates, cancelUpdates := engine.Updates().Subscribe()
		defer cancelUpdates()
		go func() {
			for est := range updates {
				coordinator.UpdateEstimate(est)
			}
		}()
		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("clock sync failed: %w", err)
		}
	}

	if simulate {
		return runSimulated(ctx, src, coordinator, detector, config)
	}

	// Without a frame feed there is nothing further to drive; serve sync and
	// remote events until interrupted.
	<-ctx.Done()
	return nil
}

// runSimulated arms a race against the peer and runs the scripted crossing.
func runSimulated(ctx context.Context, src *clock.Source, coordinator *race.Coordinator, detector *detect.Detector, config Config) error {
	// The start device may still be waiting for the first sync report.
	armCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		err := coordinator.Arm(armCtx)
		if err == nil {
			break
		}
		if !errors.Is(err, race.ErrSyncNotReady) {
			return err
		}
		select {
		case <-armCtx.Done():
			return race.ErrSyncNotReady
		case <-time.After(500 * time.Millisecond):
		}
	}

	simCtx, stopFrames := context.WithCancel(ctx)
	defer stopFrames()
	go simulateFrames(simCtx, src, detector, config.Detect.GatePosition, 2*time.Second)

	result, err := coordinator.Finalize(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Float64("elapsed_s", result.ElapsedSeconds).
		Float64("uncertainty_ms", result.UncertaintyMs).
		Bool("single_device", result.SingleDevice).
		Msg("simulated race complete")
	return nil
}

// establishSession obtains a link channel via the configured transport and
// runs the pairing handshake on it.
func establishSession(ctx context.Context, config Config, negotiator *pairing.Negotiator) (*pairing.Session, error) {
	switch config.Transport {
	case TransportWSHost:
		ch, err := hostWS(ctx, config.ListenAddr, config.WS, config.Pairing.HandshakeTimeout)
		if err != nil {
			return nil, err
		}
		return negotiator.Negotiate(ctx, ch, config.Role)

	case TransportWSJoin:
		ch, err := link.DialWS(ctx, config.PeerURL, config.WS)
		if err != nil {
			return nil, err
		}
		return negotiator.Negotiate(ctx, ch, config.Role)

	case TransportRelayHost:
		nc, err := nats.Connect(config.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to relay: %w", err)
		}
		defer nc.Close()
		return negotiator.HostWithCode(ctx, nc, config.NATS, config.Role, func(code string) {
			log.Info().Str("code", code).Msg("session code ready, share it with the other device")
		})

	case TransportRelayJoin:
		if config.Code == "" {
			return nil, fmt.Errorf("relay-join requires a session code")
		}
		nc, err := nats.Connect(config.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to relay: %w", err)
		}
		defer nc.Close()
		return negotiator.JoinWithCode(ctx, nc, config.NATS, config.Code, config.Role)

	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
}

// hostWS serves a one-shot pairing endpoint and returns the first inbound
// connection.
func hostWS(ctx context.Context, addr string, wsConfig link.WSConfig, wait time.Duration) (*link.WSChannel, error) {
	accepted := make(chan *link.WSChannel, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pair", func(w http.ResponseWriter, r *http.Request) {
		ch, err := link.Upgrade(w, r, wsConfig)
		if err != nil {
			log.Error().Err(err).Msg("pairing upgrade failed")
			return
		}
		select {
		case accepted <- ch:
		default:
			// Already paired; one session per daemon.
			ch.Close()
		}
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("pairing listener failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("waiting for the other device")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch := <-accepted:
		return ch, nil
	case <-timer.C:
		return nil, pairing.ErrPairingTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
