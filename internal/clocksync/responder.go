package clocksync

import (
	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/clock"
	"github.com/gatelab/sprintgate/internal/link"
)

// Responder answers sync pings on the start device. It is stateless: each
// ping is echoed back with the receive time t1 and send time t2 on the start
// clock.
type Responder struct {
	src      *clock.Source
	ch       link.Channel
	deviceID string
}

// NewResponder returns a responder replying over ch.
func NewResponder(src *clock.Source, ch link.Channel, deviceID string) *Responder {
	return &Responder{src: src, ch: ch, deviceID: deviceID}
}

// HandlePing is registered on the link router for SyncPing messages. It runs
// on the router goroutine so that t1 is as close to arrival as possible.
func (r *Responder) HandlePing(msg link.Message) {
	t1 := r.src.Now()

	payload, err := link.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed sync ping")
		return
	}
	ping := payload.(link.SyncPingPayload)

	pong, err := link.NewMessage(link.KindSyncPong, r.deviceID, link.SyncPongPayload{
		Seq: ping.Seq,
		T0:  ping.T0,
		T1:  t1,
		T2:  r.src.Now(),
	})
	if err != nil {
		return
	}
	if err := r.ch.Send(pong); err != nil {
		log.Debug().Err(err).Msg("could not answer sync ping")
	}
}
