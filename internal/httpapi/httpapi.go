// Package httpapi exposes the client-facing websocket endpoint. Status
// delivery itself lives in the broadcast hub; this layer only adapts
// websocket connections to it.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/keeperhq/calkeeper/internal/broadcast"
	"github.com/keeperhq/calkeeper/internal/loggy"
)

// wsConn adapts a websocket connection to the broadcast hub's Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Server serves the websocket status endpoint.
type Server struct {
	hub    *broadcast.Service
	logger *loggy.Logger
}

func NewServer(hub *broadcast.Service, logger *loggy.Logger) *Server {
	if logger == nil {
		logger = loggy.GetGlobalLogger()
	}
	return &Server{hub: hub, logger: logger.With("component", "httpapi")}
}

// Handler returns the HTTP mux for the API surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWebsocket upgrades the connection, registers it with the hub and
// runs the read loop until the client goes away. Authentication of the
// user id is an outer-middleware concern; here it arrives on the query
// string.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.hub.AddConn(userID, &wsConn{ws: ws})
	defer s.hub.RemoveConn(userID, connID)

	s.readLoop(r.Context(), ws, userID, connID)
}

// readLoop consumes client frames. The only meaningful inbound frame is
// the pong reply to the hub's liveness ping.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, userID, connID string) {
	for {
		_, payload, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env broadcast.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Debug("ignoring malformed client frame", "user_id", userID, "error", err)
			continue
		}
		if env.Event == broadcast.EventPong {
			s.hub.NotePong(userID, connID)
		}
	}
}
