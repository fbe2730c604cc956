// Package chat holds the canonical chat transcript of the current game.
// Lines enter the log only when the server echoes them, so both participants
// see the same ordering regardless of who typed first.
package chat

import (
	"sync"

	"github.com/bombsquad/defusal/internal/protocol"
)

// Message is one chat line as received from the server.
type Message struct {
	Seq       int    `json:"seq"` // arrival order within the current game, from 1
	GameID    string `json:"gameId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Log is an append-only, ordered list of messages. It is goroutine-safe.
type Log struct {
	mu        sync.RWMutex
	messages  []Message
	listeners map[int]func(Message)
	nextID    int
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{
		listeners: make(map[int]func(Message)),
	}
}

// Append adds a server-echoed message at the end of the log and notifies
// subscribers. It is called only from the inbound chat handler.
func (l *Log) Append(m protocol.ChatMessage) Message {
	l.mu.Lock()
	msg := Message{
		Seq:       len(l.messages) + 1,
		GameID:    m.GameID,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	l.messages = append(l.messages, msg)
	listeners := make([]func(Message), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
	return msg
}

// Clear empties the log. It is called only when joining a game.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = nil
}

// Messages returns the log in arrival order (oldest first).
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Message, len(l.messages))
	copy(result, l.messages)
	return result
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Subscribe registers fn to be called after every Append.
func (l *Log) Subscribe(fn func(Message)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, id)
			l.mu.Unlock()
		})
	}
}
