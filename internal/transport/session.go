// Package transport owns the single realtime connection to the game server.
// It reconnects with a bounded, fixed-delay budget, publishes its status and
// delivers inbound frames to per-channel handlers on one dispatch goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/metrics"
	"github.com/bombsquad/defusal/internal/protocol"
)

// ConnectionErrorMessage is delivered to OnConnectionError handlers when the
// retry budget runs out.
const ConnectionErrorMessage = "Failed to connect to server. Please check your connection and try again."

var (
	ErrNotConnected    = errors.New("transport: not connected")
	ErrReconnectFailed = errors.New("transport: reconnection attempts exhausted")
	ErrClosed          = errors.New("transport: session closed")
)

// Config controls dialing, heartbeats and the reconnection budget.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration // zero disables the read deadline
	PingInterval         time.Duration // zero disables client pings
	EventBuffer          int
}

// DefaultConfig returns the production settings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          60 * time.Second,
		PingInterval:         25 * time.Second,
		EventBuffer:          256,
	}
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces the clock used for reconnect delays and heartbeats.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// Session is the process-wide connection manager. Exactly one physical
// connection exists at a time.
type Session struct {
	cfg   Config
	clock clockwork.Clock

	subs   registry
	events chan event

	mu        sync.Mutex
	running   bool // a supervisor goroutine is alive
	runID     uint64
	cancel    context.CancelFunc
	done      chan struct{} // closed when the current supervisor exits
	conn      *wsConn
	sessionID string
	gen       uint64
	changed   chan struct{} // closed and replaced on every status change

	status atomic.Int32

	closing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	dispatcher   atomic.Uint64 // goroutine ID of the dispatch loop
	dispatchDone chan struct{} // closed when the dispatch loop exits
}

// New creates an idle Session. Call Connect to start it.
func New(cfg Config, opts ...Option) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	s := &Session{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		events:  make(chan event, cfg.EventBuffer),
		changed: make(chan struct{}),
		closed:  make(chan struct{}),

		dispatchDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.dispatch()
	return s
}

// Connect starts the connection supervisor. It is a no-op while a
// connection is live or being established. The session stays up until ctx
// is cancelled or Disconnect is called.
func (s *Session) Connect(ctx context.Context) error {
	if s.closing.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.startLocked(ctx)
	return nil
}

// Reconnect restarts the supervisor with a fresh retry budget after the
// previous budget was exhausted. In any other state it does nothing.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closing.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.Status() != StatusReconnectFailed {
		return nil
	}
	log.Info().Str("url", s.cfg.URL).Msg("transport: manual reconnect")
	s.startLocked(ctx)
	return nil
}

func (s *Session) startLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.runID++
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.supervise(ctx, s.runID, s.done)
}

// Disconnect tears the session down for good. Handlers are detached before
// the socket closes, and a handler already running is waited for, so none
// runs once Disconnect returns. It may be called from inside a handler, in
// which case only that handler is still running when it returns.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.subs.clear()
		close(s.closed)

		s.mu.Lock()
		cancel, done, c := s.cancel, s.done, s.conn
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if c != nil {
			c.close()
		}
		if done != nil {
			<-done
		}

		s.status.Store(int32(StatusDisconnected))
		metrics.ConnectionStatus.Set(float64(StatusDisconnected))
		s.broadcast()
		log.Info().Str("url", s.cfg.URL).Msg("transport: session closed")
	})

	// Outside the Once: a handler calling Disconnect while another goroutine
	// is inside it must not wait on itself.
	if goroutineID() != s.dispatcher.Load() {
		<-s.dispatchDone
	}
}

// Status reports the current connection status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Connected reports whether a live connection exists.
func (s *Session) Connected() bool {
	return s.Status() == StatusConnected
}

// SessionID returns the ID of the live connection, or "" when there is none.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// WaitConnected blocks until the session is connected, the retry budget is
// exhausted or ctx ends.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		if s.closing.Load() {
			return ErrClosed
		}
		switch s.Status() {
		case StatusConnected:
			return nil
		case StatusReconnectFailed:
			return ErrReconnectFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Send emits one frame on channel. It never queues: without a live
// connection it returns ErrNotConnected.
func (s *Session) Send(channel string, payload interface{}) error {
	data, err := protocol.NewFrame(channel, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()

	if c == nil || !s.Connected() {
		return ErrNotConnected
	}
	if err := c.write(data); err != nil {
		return fmt.Errorf("transport: send %s: %w", channel, err)
	}

	log.Debug().Str("channel", channel).Str("session_id", c.sessionID).Msg("transport: frame sent")
	return nil
}

// supervise owns the connection for one run: it dials, serves and redials
// until ctx ends or the retry budget is spent.
func (s *Session) supervise(ctx context.Context, runID uint64, done chan struct{}) {
	defer close(done)
	defer func() {
		if ctx.Err() != nil && !s.closing.Load() {
			s.setStatus(StatusDisconnected)
		}
		s.exit(runID)
	}()

	attempts := 0
	reconnecting := false
	for {
		if reconnecting {
			if !s.sleep(ctx, s.cfg.ReconnectDelay) {
				return
			}
			attempts++
		}

		s.setStatus(StatusConnecting)
		c, err := dial(ctx, s.cfg, s.clock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if reconnecting {
				metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
			}
			log.Warn().Err(err).Int("attempt", attempts).Int("max_attempts", s.cfg.MaxReconnectAttempts).
				Msg("transport: connection attempt failed")

			if attempts >= s.cfg.MaxReconnectAttempts {
				s.fail(runID)
				return
			}
			reconnecting = true
			continue
		}

		if reconnecting {
			metrics.ReconnectAttempts.WithLabelValues("success").Inc()
		}
		attempts = 0

		gen, ok := s.attach(c)
		if !ok {
			c.close()
			return
		}
		log.Info().Str("session_id", c.sessionID).Str("url", s.cfg.URL).Msg("transport: connected")
		s.setStatus(StatusConnected)
		s.emit(event{kind: evConnected, gen: gen, text: c.sessionID})

		reason := c.serve(ctx, func(f protocol.Frame) {
			s.emit(event{kind: evMessage, gen: gen, channel: f.Event, data: f.Data})
		})
		s.detach(c)
		c.close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("session_id", c.sessionID).Str("reason", reason).Msg("transport: connection lost")
		s.setStatus(StatusDisconnected)
		s.emit(event{kind: evDisconnected, gen: gen, text: reason})
		reconnecting = true
	}
}

// attach installs c as the live connection and returns its generation.
func (s *Session) attach(c *wsConn) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() {
		return 0, false
	}
	s.gen++
	s.conn = c
	s.sessionID = c.sessionID
	return s.gen, true
}

func (s *Session) detach(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == c {
		s.conn = nil
		s.sessionID = ""
	}
}

// fail marks the budget as exhausted. The run is retired and the status
// flipped under one lock so that a handler reacting to the error can call
// Reconnect.
func (s *Session) fail(runID uint64) {
	s.mu.Lock()
	if s.runID == runID {
		s.running = false
	}
	s.status.Store(int32(StatusReconnectFailed))
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	metrics.ConnectionStatus.Set(float64(StatusReconnectFailed))
	log.Error().Str("url", s.cfg.URL).Int("max_attempts", s.cfg.MaxReconnectAttempts).
		Msg("transport: giving up after reconnection attempts")
	s.emit(event{kind: evStatus, status: StatusReconnectFailed})
	s.emit(event{kind: evConnectionError, text: ConnectionErrorMessage})
}

func (s *Session) exit(runID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runID == runID {
		s.running = false
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	t := s.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

// setStatus records a transition and notifies observers. Repeating the
// current status is a no-op.
func (s *Session) setStatus(st Status) {
	if Status(s.status.Swap(int32(st))) == st {
		return
	}
	metrics.ConnectionStatus.Set(float64(st))
	log.Debug().Str("status", st.String()).Msg("transport: status changed")
	s.broadcast()
	s.emit(event{kind: evStatus, status: st})
}

func (s *Session) broadcast() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}
