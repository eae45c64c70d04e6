package session

import (
	"sync"
	"sync/atomic"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/ratelimit"
	"github.com/google/uuid"
)

// Session is the per-connection record. It lives exactly as long as
// the connection it belongs to.
type Session struct {
	ID   string
	Addr string

	endpoint model.Endpoint
	limiter  *ratelimit.Window
	alive    atomic.Bool

	mx   sync.Mutex
	room string
	role model.Role
}

// New creates a session with a random id. A fresh session counts as alive.
func New(addr string, endpoint model.Endpoint, limiter *ratelimit.Window) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		Addr:     addr,
		endpoint: endpoint,
		limiter:  limiter,
	}
	s.alive.Store(true)
	return s
}

// Send delivers msg to the client without blocking.
func (s *Session) Send(msg model.Message) bool {
	return s.endpoint.Send(msg)
}

func (s *Session) Open() bool {
	return s.endpoint.Open()
}

func (s *Session) Probe() error {
	return s.endpoint.Probe()
}

func (s *Session) Terminate() {
	s.endpoint.Close()
}

// Allow accounts one inbound frame against the connection rate window.
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

func (s *Session) MarkAlive() {
	s.alive.Store(true)
}

// ClearAlive clears the alive flag and reports whether it was set.
func (s *Session) ClearAlive() bool {
	return s.alive.Swap(false)
}

// Room returns the room code the session is associated with and its role there.
func (s *Session) Room() (string, model.Role) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.room, s.role
}

func (s *Session) SetRoom(code string, role model.Role) {
	s.mx.Lock()
	s.room, s.role = code, role
	s.mx.Unlock()
}

// ClearRoom drops the association only if it still points at code.
func (s *Session) ClearRoom(code string) {
	s.mx.Lock()
	if s.room == code {
		s.room, s.role = "", model.RoleNone
	}
	s.mx.Unlock()
}
