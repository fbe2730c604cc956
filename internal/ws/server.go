// Package ws is the server side of the game protocol: it upgrades HTTP
// requests to WebSocket connections, tracks them by session and game room,
// and hands every inbound text frame to a message callback. It backs the
// development server and the client's integration tests.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":3001"
	Path           string        // upgrade path, e.g. "/ws"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // zero disables the read deadline
	WriteTimeout   time.Duration // timeout for outbound frames
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns the configuration used by the dev server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":3001",
		Path:           "/ws",
		MaxConnections: 1024,
		ReadTimeout:    0,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts WebSocket connections and runs one read goroutine per
// connection.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from the connection's read
// goroutine for every complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.Path == "" {
		config.Path = "/ws"
	}
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.startHeartbeat(config.Heartbeat)
	return s
}

// Handler returns the HTTP routes of the server: the upgrade endpoint, a
// health check and a debug endpoint that force-drops every connection.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(s.config.Path, s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Post("/debug/drop", s.handleDrop)
	return r
}

// Start listens on ListenAddr and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", s.config.ListenAddr).Str("path", s.config.Path).Msg("ws: server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// SetOnConnect registers a callback invoked after a connection is registered.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.Header.Get(protocol.SessionHeader)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}

	var src io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = io.MultiReader(io.LimitReader(rw.Reader, int64(rw.Reader.Buffered())), conn)
	}

	c := newConnection(sessionID, conn)
	s.conns.Add(c)
	log.Info().Str("session_id", sessionID).Int("total", s.conns.Count()).Msg("ws: new connection")

	if s.onConnect != nil {
		s.onConnect(c)
	}
	go s.readLoop(c, src)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	n := s.DropAll()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"dropped": n})
}

// readLoop reads frames until the connection fails, answering control
// frames inline and passing text frames to onMessage.
func (s *Server) readLoop(c *Connection, src io.Reader) {
	defer s.RemoveConnection(c)

	control := func(h ws.Header, r io.Reader) error {
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		switch h.OpCode {
		case ws.OpPing:
			return c.writeControl(ws.NewPongFrame(payload))
		case ws.OpClose:
			_ = c.writeControl(ws.NewCloseFrame(nil))
			return wsutil.ClosedError{Code: ws.StatusNormalClosure}
		}
		return nil
	}

	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		if len(data) > 0 && s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// RemoveConnection unregisters and closes a connection. It is safe to call
// from several goroutines; only the first call notifies onDisconnect.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Info().Str("session_id", c.ID).Int("total", s.conns.Count()).Msg("ws: connection closed")
}

// DropAll closes every connection without a close handshake, the way a
// network failure would. It returns the number of connections dropped.
func (s *Server) DropAll() int {
	conns := s.conns.All()
	for _, c := range conns {
		s.RemoveConnection(c)
	}
	return len(conns)
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return c.WriteMessage(data)
}

// Push encodes payload on channel and sends it to one connection.
func (s *Server) Push(connID, channel string, payload interface{}) error {
	data, err := protocol.NewFrame(channel, payload)
	if err != nil {
		return err
	}
	return s.SendMessage(connID, data)
}

// PushRoom encodes payload on channel and sends it to every connection in
// the game room.
func (s *Server) PushRoom(gameID, channel string, payload interface{}) error {
	data, err := protocol.NewFrame(channel, payload)
	if err != nil {
		return err
	}
	for _, c := range s.conns.Room(gameID) {
		if err := s.write(c, data); err != nil {
			log.Warn().Err(err).Str("session_id", c.ID).Str("game_id", gameID).Msg("ws: room push failed")
		}
	}
	return nil
}

// Connections returns the ConnectionManager for room bookkeeping.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, if any, and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.httpServer != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", shutdownErr)
			}
		}
		n := s.DropAll()
		log.Info().Int("closed", n).Msg("ws: server stopped")
	})
	return err
}
