package relay

import (
	"net/http"
	"sync"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/link"
)

// Bridge is the websocket side of the relay, for clients that cannot speak
// NATS directly (browser gates, restrictive networks). Each session code maps
// to at most one connection per role; once both roles are present their
// message streams are copied across.
type Bridge struct {
	wsConfig link.WSConfig

	mu       sync.Mutex
	sessions map[string]*bridgeSession
}

type bridgeSession struct {
	ends map[link.Role]*link.WSChannel
}

// NewBridge returns an empty Bridge.
func NewBridge(wsConfig link.WSConfig) *Bridge {
	return &Bridge{
		wsConfig: wsConfig,
		sessions: make(map[string]*bridgeSession),
	}
}

// Handler returns the HTTP handler serving the bridge endpoint, wrapped with
// permissive CORS so browser-based gates can connect.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session/{code}/{role}", b.handleJoin)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(mux)
}

func (b *Bridge) handleJoin(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	role := link.Role(r.PathValue("role"))
	if len(code) != codeDigits || !role.Valid() {
		http.Error(w, "bad session code or role", http.StatusBadRequest)
		return
	}

	ch, err := link.Upgrade(w, r, b.wsConfig)
	if err != nil {
		log.Error().Err(err).Msg("bridge upgrade failed")
		return
	}

	b.mu.Lock()
	sess, ok := b.sessions[code]
	if !ok {
		sess = &bridgeSession{ends: make(map[link.Role]*link.WSChannel)}
		b.sessions[code] = sess
	}
	if _, dup := sess.ends[role]; dup {
		b.mu.Unlock()
		log.Warn().Str("code", code).Str("role", string(role)).Msg("role already connected, rejecting")
		ch.Close()
		return
	}
	sess.ends[role] = ch
	both := len(sess.ends) == 2
	b.mu.Unlock()

	log.Info().Str("code", code).Str("role", string(role)).Msg("bridge endpoint joined")

	if both {
		go b.pump(code, sess.ends[link.RoleStart], sess.ends[link.RoleFinish])
		go b.pump(code, sess.ends[link.RoleFinish], sess.ends[link.RoleStart])
	}
}

// pump copies messages from one end to the other until either side drops.
func (b *Bridge) pump(code string, from, to *link.WSChannel) {
	for msg := range from.Recv() {
		if err := to.Send(msg); err != nil {
			break
		}
	}
	// Either end closing tears the whole session down.
	from.Close()
	to.Close()

	b.mu.Lock()
	delete(b.sessions, code)
	b.mu.Unlock()
	log.Info().Str("code", code).Msg("bridge session ended")
}
