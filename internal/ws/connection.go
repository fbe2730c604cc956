package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single client connection with its associated
// metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // session ID sent by the client, or a generated UUID
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	lastSeen  atomic.Int64 // unix nanos of the last frame received
	writeMu   sync.Mutex   // serializes writes to this connection
	closeOnce sync.Once

	mu   sync.Mutex
	game string
	role string
}

func newConnection(id string, conn net.Conn) *Connection {
	c := &Connection{ID: id, Conn: conn, CreatedAt: time.Now()}
	c.touch()
	return c
}

// WriteMessage sends a WebSocket text frame to this connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// writeControl sends an arbitrary control frame (pong, close).
func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, f)
}

// Close closes the underlying network connection once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}

// Game returns the game and role this connection joined, if any.
func (c *Connection) Game() (gameID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.game, c.role
}

func (c *Connection) setGame(gameID, role string) {
	c.mu.Lock()
	c.game, c.role = gameID, role
	c.mu.Unlock()
}

// LastSeen returns when the last frame arrived from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// ConnectionManager is a thread-safe registry of connections by session ID
// and by game room.
type ConnectionManager struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
	rooms map[string]map[string]*Connection // gameId -> session_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:  make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection, leaves its room and closes it. Returns
// false if the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		cm.leaveLocked(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Join moves a connection into the room of gameID, leaving any previous room.
func (cm *ConnectionManager) Join(conn *Connection, gameID, role string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.leaveLocked(conn)
	conn.setGame(gameID, role)
	room := cm.rooms[gameID]
	if room == nil {
		room = make(map[string]*Connection)
		cm.rooms[gameID] = room
	}
	room[conn.ID] = conn
}

func (cm *ConnectionManager) leaveLocked(conn *Connection) {
	prev, _ := conn.Game()
	if prev == "" {
		return
	}
	if room := cm.rooms[prev]; room != nil {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(cm.rooms, prev)
		}
	}
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Room returns a snapshot of the connections in a game room.
func (cm *ConnectionManager) Room(gameID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conns := make([]*Connection, 0, len(cm.rooms[gameID]))
	for _, conn := range cm.rooms[gameID] {
		conns = append(conns, conn)
	}
	return conns
}

// BroadcastRoom sends a message to every connection in a game room. Errors
// on individual connections are ignored; their read loops clean them up.
func (cm *ConnectionManager) BroadcastRoom(gameID string, msg []byte) {
	for _, conn := range cm.Room(gameID) {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
