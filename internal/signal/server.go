package signal

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"
)

// Server upgrades HTTP requests into signaling channels.
type Server struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
}

// NewServer creates the websocket front for a dispatcher.
func NewServer(d *Dispatcher) *Server {
	return &Server{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from app origins unknown to the
			// server; authorization happens at join, not at upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the signaling mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("websocket upgrade failed")
		return
	}

	ch := NewChannel(conn)
	s.dispatcher.ServeChannel(ctx, ch)
}
