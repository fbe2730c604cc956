package transport

import (
	"bytes"
	"encoding/json"
	"runtime"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

type eventKind int

const (
	evStatus eventKind = iota
	evConnected
	evDisconnected
	evConnectionError
	evMessage
)

// event is one notification queued for the dispatch goroutine.
type event struct {
	kind    eventKind
	gen     uint64 // connection generation the event belongs to
	status  Status
	text    string // session ID, disconnect reason or error message
	channel string
	data    json.RawMessage
}

type subscription struct {
	id      int
	kind    eventKind
	channel string
	deliver func(event)
}

// registry holds handler registrations. Handlers run in registration order.
type registry struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
}

func (r *registry) add(kind eventKind, channel string, deliver func(event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs = append(r.subs, subscription{id: id, kind: kind, channel: channel, deliver: deliver})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *registry) matching(e event) []func(event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []func(event)
	for _, s := range r.subs {
		if s.kind == e.kind && s.channel == e.channel {
			out = append(out, s.deliver)
		}
	}
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	r.subs = nil
	r.mu.Unlock()
}

// OnConnected registers fn to run with the session ID each time a
// connection is established.
func (s *Session) OnConnected(fn func(sessionID string)) (unsubscribe func()) {
	return s.subs.add(evConnected, "", func(e event) { fn(e.text) })
}

// OnDisconnected registers fn to run with the reason each time a live
// connection drops.
func (s *Session) OnDisconnected(fn func(reason string)) (unsubscribe func()) {
	return s.subs.add(evDisconnected, "", func(e event) { fn(e.text) })
}

// OnConnectionError registers fn to run once the reconnection budget is
// exhausted.
func (s *Session) OnConnectionError(fn func(message string)) (unsubscribe func()) {
	return s.subs.add(evConnectionError, "", func(e event) { fn(e.text) })
}

// OnStatus registers fn to run on every status transition.
func (s *Session) OnStatus(fn func(Status)) (unsubscribe func()) {
	return s.subs.add(evStatus, "", func(e event) { fn(e.status) })
}

// OnMessage registers fn for inbound frames on channel. Payloads that arrive
// over a connection that has since been torn down are never delivered.
func (s *Session) OnMessage(channel string, fn func(data json.RawMessage)) (unsubscribe func()) {
	return s.subs.add(evMessage, channel, func(e event) { fn(e.data) })
}

// emit queues e for dispatch. Nothing is queued once Disconnect has begun.
func (s *Session) emit(e event) {
	if s.closing.Load() {
		return
	}
	select {
	case s.events <- e:
	case <-s.closed:
	}
}

// dispatch delivers queued events one at a time so that handlers never run
// concurrently with each other.
func (s *Session) dispatch() {
	s.dispatcher.Store(goroutineID())
	defer close(s.dispatchDone)

	var live uint64
	for {
		select {
		case <-s.closed:
			return
		case e := <-s.events:
			switch e.kind {
			case evConnected:
				live = e.gen
			case evDisconnected:
				live = 0
			case evMessage:
				if e.gen != live {
					log.Debug().
						Str("channel", e.channel).
						Uint64("generation", e.gen).
						Msg("transport: dropping message from torn-down connection")
					continue
				}
			}

			handlers := s.subs.matching(e)
			if len(handlers) == 0 && e.kind == evMessage {
				log.Debug().Str("channel", e.channel).Msg("transport: no handler for channel")
			}
			for _, deliver := range handlers {
				if s.closing.Load() {
					return
				}
				s.deliver(deliver, e)
			}
		}
	}
}

func (s *Session) deliver(fn func(event), e event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("channel", e.channel).
				Msg("transport: recovered from panic in handler")
		}
	}()
	fn(e)
}

// goroutineID returns the ID of the calling goroutine, read from the header
// line of its stack trace ("goroutine 42 [running]:"). Disconnect uses it to
// tell a call from inside a handler apart from any other caller.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
