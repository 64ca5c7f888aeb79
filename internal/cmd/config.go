package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gatelab/sprintgate/internal/clocksync"
	"github.com/gatelab/sprintgate/internal/detect"
	"github.com/gatelab/sprintgate/internal/link"
	"github.com/gatelab/sprintgate/internal/pairing"
	"github.com/gatelab/sprintgate/internal/race"
)

// Transport selects how the device reaches its peer.
type Transport string

const (
	TransportWSHost    Transport = "ws-host"    // host a direct websocket and wait
	TransportWSJoin    Transport = "ws-join"    // dial a hosting device directly
	TransportRelayHost Transport = "relay-host" // get a session code, wait on the relay
	TransportRelayJoin Transport = "relay-join" // join a relayed session by code
)

// Config is the device daemon configuration.
type Config struct {
	DeviceID  string    `yaml:"device_id"` // generated when empty
	Role      link.Role `yaml:"role"`
	Transport Transport `yaml:"transport"`

	ListenAddr string `yaml:"listen_addr"` // ws-host
	PeerURL    string `yaml:"peer_url"`    // ws-join
	Code       string `yaml:"code"`        // relay-join

	LogLevel string `yaml:"log_level"`

	WS      link.WSConfig    `yaml:"ws"`
	NATS    link.NATSConfig  `yaml:"nats"`
	Pairing pairing.Config   `yaml:"pairing"`
	Sync    clocksync.Config `yaml:"sync"`
	Detect  detect.Config    `yaml:"detect"`
	Race    race.Config      `yaml:"race"`
}

func defaultConfig() Config {
	return Config{
		Role:       link.RoleStart,
		Transport:  TransportWSHost,
		ListenAddr: ":9443",
		LogLevel:   "info",
		WS:         link.DefaultWSConfig(),
		NATS:       link.DefaultNATSConfig(),
		Pairing:    pairing.DefaultConfig(),
		Sync:       clocksync.DefaultConfig(),
		Detect:     detect.DefaultConfig(),
		Race:       race.DefaultConfig(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadConfig reads the YAML config at path on top of the defaults. A missing
// file is fine; the defaults plus environment overrides apply.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return config, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &config); err != nil {
			return config, fmt.Errorf("parse config: %w", err)
		}
	}

	config.Role = link.Role(getEnv("GATE_ROLE", string(config.Role)))
	config.Transport = Transport(getEnv("GATE_TRANSPORT", string(config.Transport)))
	config.ListenAddr = getEnv("GATE_LISTEN_ADDR", config.ListenAddr)
	config.PeerURL = getEnv("GATE_PEER_URL", config.PeerURL)
	config.Code = getEnv("GATE_CODE", config.Code)
	config.NATS.URL = getEnv("GATE_NATS_URL", config.NATS.URL)
	config.LogLevel = getEnv("GATE_LOG_LEVEL", config.LogLevel)

	if !config.Role.Valid() {
		return config, fmt.Errorf("invalid role %q", config.Role)
	}
	return config, nil
}
