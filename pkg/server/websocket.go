package server

import (
	"net/http"

	"github.com/aeolun/pipechat/pkg/wsconn"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers and terminal clients connect from anywhere; envelopes carry
	// their own encryption when a shared key is set
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves it like a TCP peer. Each
// frame travels as one binary WebSocket message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	s.servePeer(wsconn.New(ws), "websocket")
}
