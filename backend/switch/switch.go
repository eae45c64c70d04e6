package _switch

import (
	"sync"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/session"
	"github.com/rs/zerolog"
)

// Switch is the table of admitted connections keyed by session id.
type Switch struct {
	logger   zerolog.Logger
	mx       *sync.RWMutex
	sessions map[string]*session.Session
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:   logger.With().Str("component", "switch").Logger(),
		mx:       &sync.RWMutex{},
		sessions: make(map[string]*session.Session),
	}
}

func (sw *Switch) Connect(sess *session.Session) {
	sw.mx.Lock()
	sw.sessions[sess.ID] = sess
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("session", sess.ID).
		Str("addr", sess.Addr).
		Msg("endpoint connected")
}

// Disconnect removes a session and reports whether it was present.
func (sw *Switch) Disconnect(id string) bool {
	sw.mx.Lock()
	_, ok := sw.sessions[id]
	delete(sw.sessions, id)
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().
			Str("session", id).
			Msg("endpoint disconnected")
	}
	return ok
}

// Sessions returns a snapshot of all connected sessions.
func (sw *Switch) Sessions() []*session.Session {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	out := make([]*session.Session, 0, len(sw.sessions))
	for _, sess := range sw.sessions {
		out = append(out, sess)
	}
	return out
}

func (sw *Switch) Len() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.sessions)
}

// Broadcast sends msg to every connected session and returns
// how many accepted it.
func (sw *Switch) Broadcast(msg model.Message) int {
	var sent int
	for _, sess := range sw.Sessions() {
		if sess.Send(msg) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Debug().
			Str("type", msg.Type).
			Msg("broadcast did not reach anyone")
	}
	return sent
}
