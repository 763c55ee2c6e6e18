package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/hub"
	"studymate-backend/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades live clients and runs the connection protocol: an
// authenticate message first, then subscribe and event messages in any order.
type Handler struct {
	hub       *hub.Hub
	processor *analytics.Processor
	store     *analytics.Store
	jwt       *middleware.JWTAuth
	log       zerolog.Logger
}

func NewHandler(h *hub.Hub, processor *analytics.Processor, store *analytics.Store,
	jwt *middleware.JWTAuth, log zerolog.Logger) *Handler {
	return &Handler{
		hub:       h,
		processor: processor,
		store:     store,
		jwt:       jwt,
		log:       log,
	}
}

// Serve upgrades the request and runs the connection until the client goes
// away. A token query parameter authenticates up front; otherwise the client
// must send an authenticate message before anything else.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConnection(ws, h)
	if token := r.URL.Query().Get("token"); token != "" {
		if !c.authenticate(token) {
			c.shutdown()
			return
		}
	}

	go c.writePump()
	c.readPump()
}
