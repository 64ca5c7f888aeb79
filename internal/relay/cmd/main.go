package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/link"
	"github.com/gatelab/sprintgate/internal/relay"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	natsURL := getEnv("RELAY_NATS_URL", nats.DefaultURL)
	httpAddr := getEnv("RELAY_HTTP_ADDR", ":8080")
	codeTTL, err := time.ParseDuration(getEnv("RELAY_CODE_TTL", "10m"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid RELAY_CODE_TTL")
	}

	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal().Err(err).Str("url", natsURL).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	registry := relay.NewRegistry(clockwork.NewRealClock(), codeTTL)
	service := relay.NewService(nc, registry)
	bridge := relay.NewBridge(link.DefaultWSConfig())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay code service failed")
			cancel()
		}
	}()

	server := &http.Server{Addr: httpAddr, Handler: bridge.Handler()}
	go func() {
		log.Info().Str("addr", httpAddr).Msg("relay bridge listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("relay bridge failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}
