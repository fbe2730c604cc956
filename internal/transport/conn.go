package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/protocol"
)

// Disconnect reasons reported through OnDisconnected.
const (
	ReasonServerClosed = "io server disconnect"
	ReasonClientClosed = "io client disconnect"
	ReasonPingTimeout  = "ping timeout"
	ReasonTransport    = "transport close"
)

// wsConn is one physical WebSocket connection. It is owned by the Session
// supervisor; only write and close may be called from other goroutines.
type wsConn struct {
	conn      net.Conn
	src       io.Reader // handshake leftovers followed by conn
	sessionID string
	cfg       Config
	clock     clockwork.Clock

	writeMu   sync.Mutex // serializes outbound frames
	closeOnce sync.Once
}

// dial opens a WebSocket connection to cfg.URL and tags it with a fresh
// session ID.
func dial(ctx context.Context, cfg Config, clock clockwork.Clock) (*wsConn, error) {
	sessionID := uuid.New().String()

	dialer := ws.Dialer{
		Timeout: cfg.DialTimeout,
		Header: ws.HandshakeHeaderHTTP(http.Header{
			protocol.SessionHeader: []string{sessionID},
		}),
	}

	conn, br, _, err := dialer.Dial(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.URL, err)
	}

	var src io.Reader = conn
	if br != nil {
		// The server may have sent frames right after the handshake.
		src = io.MultiReader(br, conn)
	}

	return &wsConn{
		conn:      conn,
		src:       src,
		sessionID: sessionID,
		cfg:       cfg,
		clock:     clock,
	}, nil
}

// serve reads frames until the connection fails or ctx is cancelled and
// passes every well-formed frame to deliver. It returns the disconnect
// reason.
func (c *wsConn) serve(ctx context.Context, deliver func(f protocol.Frame)) string {
	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeat(ctx, stop)

	rd := &wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.controlFrame,
	}

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			return disconnectReason(err)
		}

		if hdr.OpCode.IsControl() {
			if err := c.controlFrame(hdr, rd); err != nil {
				return disconnectReason(err)
			}
			continue
		}

		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return disconnectReason(err)
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return disconnectReason(err)
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			// A bad frame is an anomaly, not a reason to drop the connection.
			log.Warn().Err(err).Str("session_id", c.sessionID).Msg("transport: discarding malformed frame")
			continue
		}
		deliver(f)
	}
}

// heartbeat sends a ping every PingInterval and closes the socket when ctx
// ends so that a blocked read returns.
func (c *wsConn) heartbeat(ctx context.Context, stop <-chan struct{}) {
	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := c.clock.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.close()
			return
		case <-tick:
			if err := c.writeFrame(ws.NewPingFrame(nil)); err != nil {
				log.Warn().Err(err).Str("session_id", c.sessionID).Msg("transport: heartbeat ping failed")
				c.close()
				return
			}
		}
	}
}

// controlFrame answers pings and close frames. Server frames are never
// masked, so the payload can be read as is.
func (c *wsConn) controlFrame(h ws.Header, r io.Reader) error {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch h.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		if len(payload) == 0 {
			_ = c.writeFrame(ws.NewCloseFrame(nil))
			return wsutil.ClosedError{Code: ws.StatusNoStatusRcvd}
		}
		code, reason := ws.ParseCloseFrameData(payload)
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// write sends one text message. A failed write closes the socket so the
// read side reports the drop.
func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.close()
		return err
	}
	return nil
}

// writeFrame sends a control frame. Client frames must be masked.
func (c *wsConn) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return ws.WriteFrame(c.conn, ws.MaskFrameInPlace(f))
}

// close releases the socket. It is safe to call multiple times.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func disconnectReason(err error) string {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return ReasonServerClosed
	}
	if errors.Is(err, net.ErrClosed) {
		return ReasonClientClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	return ReasonTransport
}
