package ws

import (
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 25s)
	Timeout  time.Duration // max silence tolerated after a ping (default: 20s)
}

// DefaultHeartbeatConfig returns the defaults used by the dev server.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  20 * time.Second,
	}
}

// startHeartbeat pings every connection and evicts those that have gone
// silent for longer than Interval + Timeout. It exits when the server stops.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Info().Str("session_id", c.ID).Dur("idle", idle.Round(time.Second)).Msg("ws: heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Warn().Err(err).Str("session_id", c.ID).Msg("ws: heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
