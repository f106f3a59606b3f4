package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/voxlog/internal/diaglog"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// Server pushes hub events to UI collaborators over WebSocket. Each connected
// client gets its own hub subscription and write pump.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewServer creates a WebSocket event server backed by hub.
func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local-only collaborator surface; same-origin checks do not
			// apply to non-browser clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (s *Server) SetLogger(l *diaglog.Logger) {
	s.loggerMu.Lock()
	s.logger = l
	s.loggerMu.Unlock()
}

func (s *Server) log(entry diaglog.LogEntry) {
	s.loggerMu.RLock()
	l := s.logger
	s.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentEvents
	}
	l.Log(entry)
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.log(diaglog.LogEntry{Event: diaglog.EventClientConnected, Payload: map[string]interface{}{"remote": r.RemoteAddr}})

	events, cancel := s.hub.Subscribe()
	go s.writePump(conn, events, cancel)
	go s.readPump(conn, cancel)
}

// writePump forwards hub events and keepalive pings to one client.
func (s *Server) writePump(conn *websocket.Conn, events <-chan Event, cancel func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log(diaglog.LogEntry{Event: diaglog.EventClientDisconnected, Payload: map[string]interface{}{"error": err.Error()}})
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; closing the connection unsubscribes.
func (s *Server) readPump(conn *websocket.Conn, cancel func()) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
