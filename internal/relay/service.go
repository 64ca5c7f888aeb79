package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS subjects for the code registry request/reply API.
const (
	SubjectCreate  = "gate.relay.create"
	SubjectResolve = "gate.relay.resolve"
)

type createRequest struct {
	DeviceID string `json:"device_id"`
}

type createResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type resolveRequest struct {
	Code string `json:"code"`
}

type resolveResponse struct {
	HostDeviceID string `json:"host_device_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Service answers code create/resolve requests over NATS. It is stateless
// apart from the registry, so multiple instances can share a NATS cluster as
// long as they share a registry backend.
type Service struct {
	registry *Registry
	nc       *nats.Conn
	subs     []*nats.Subscription
}

// NewService returns a Service bound to an established NATS connection.
func NewService(nc *nats.Conn, registry *Registry) *Service {
	return &Service{registry: registry, nc: nc}
}

// Start subscribes to the registry subjects and serves until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	createSub, err := s.nc.Subscribe(SubjectCreate, s.handleCreate)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectCreate, err)
	}
	resolveSub, err := s.nc.Subscribe(SubjectResolve, s.handleResolve)
	if err != nil {
		createSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", SubjectResolve, err)
	}
	s.subs = []*nats.Subscription{createSub, resolveSub}

	log.Info().Msg("relay code service started")
	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	log.Info().Msg("relay code service stopped")
	return nil
}

func (s *Service) handleCreate(m *nats.Msg) {
	var req createRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		s.reply(m, createResponse{Error: "malformed request"})
		return
	}

	code, err := s.registry.Issue(req.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("code allocation failed")
		s.reply(m, createResponse{Error: err.Error()})
		return
	}

	log.Info().Str("code", code).Str("device_id", req.DeviceID).Msg("session code issued")
	s.reply(m, createResponse{Code: code})
}

func (s *Service) handleResolve(m *nats.Msg) {
	var req resolveRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		s.reply(m, resolveResponse{Error: "malformed request"})
		return
	}

	hostID, err := s.registry.Resolve(req.Code)
	if err != nil {
		log.Debug().Str("code", req.Code).Msg("session code not found")
		s.reply(m, resolveResponse{Error: err.Error()})
		return
	}

	log.Info().Str("code", req.Code).Msg("session code resolved")
	s.reply(m, resolveResponse{HostDeviceID: hostID})
}

func (s *Service) reply(m *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal relay reply")
		return
	}
	if err := m.Respond(data); err != nil {
		log.Error().Err(err).Msg("send relay reply")
	}
}

// CreateCode asks the relay for a fresh session code on behalf of a hosting
// device.
func CreateCode(nc *nats.Conn, deviceID string, timeout time.Duration) (string, error) {
	req, err := json.Marshal(createRequest{DeviceID: deviceID})
	if err != nil {
		return "", err
	}
	m, err := nc.Request(SubjectCreate, req, timeout)
	if err != nil {
		return "", fmt.Errorf("relay create request: %w", err)
	}
	var resp createResponse
	if err := json.Unmarshal(m.Data, &resp); err != nil {
		return "", fmt.Errorf("decode relay reply: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("relay: %s", resp.Error)
	}
	return resp.Code, nil
}

// ResolveCode resolves a session code to the hosting device's ID.
func ResolveCode(nc *nats.Conn, code string, timeout time.Duration) (string, error) {
	req, err := json.Marshal(resolveRequest{Code: code})
	if err != nil {
		return "", err
	}
	m, err := nc.Request(SubjectResolve, req, timeout)
	if err != nil {
		return "", fmt.Errorf("relay resolve request: %w", err)
	}
	var resp resolveResponse
	if err := json.Unmarshal(m.Data, &resp); err != nil {
		return "", fmt.Errorf("decode relay reply: %w", err)
	}
	if resp.Error != "" {
		return "", ErrCodeNotFound
	}
	return resp.HostDeviceID, nil
}
