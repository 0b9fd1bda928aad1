package session

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler upgrades /ws/stt requests and runs one Session per connection.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket endpoint. When allowAnyOrigin is false the
// default same-origin check of the upgrader applies.
func NewHandler(opts Options, allowAnyOrigin bool) *Handler {
	h := &Handler{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
	if allowAnyOrigin {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.opts.Logger != nil {
			h.opts.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		}
		return
	}
	New(conn, h.opts).Run(r.Context())
}
