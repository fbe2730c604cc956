package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// frame. msg is the concrete struct returned by protocol.ParseClientFrame
// (protocol.JoinGameMsg, protocol.ChatMessage and so on).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by channel.
// The protocol has no error channel, so unparseable or unsupported frames are
// logged and dropped.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a channel, replacing any
// previous handler.
func (d *MessageDispatcher) Register(channel string, handler MessageHandler) {
	d.handlers[channel] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	channel, msg, err := protocol.ParseClientFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("session_id", conn.ID).Msg("ws: dispatch parse error")
		return
	}

	handler, ok := d.handlers[channel]
	if !ok {
		log.Warn().Str("channel", channel).Str("session_id", conn.ID).Msg("ws: unsupported channel")
		return
	}
	handler(conn, msg)
}
