package room

import (
	"sync"

	"github.com/google/uuid"
)

// sendBuffer is the per-session outbound frame buffer. A peer that cannot
// drain this many frames is treated as gone.
const sendBuffer = 256

// Session is one live connection to a document. The transport owns the
// underlying socket; the room only ever talks to the session through its
// send channel.
type Session struct {
	// ID is the ephemeral connection id. The actor id equals it: every
	// session attributes operations under its own identity.
	ID     string
	Actor  string
	UserID string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession mints a session for an authenticated user.
func NewSession(userID string) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		Actor:  id,
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Frames is the stream of outbound frames the transport must write to the
// peer.
func (s *Session) Frames() <-chan []byte { return s.send }

// Done is closed when the session will produce no more frames.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close marks the session dead. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// deliver queues a frame without blocking. A full buffer closes the session;
// a stalled peer must not hold up the rest of the room.
func (s *Session) deliver(frame []byte) {
	select {
	case <-s.closed:
	case s.send <- frame:
	default:
		s.Close()
	}
}
