package session

import (
	"testing"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/ratelimit"
	"github.com/google/uuid"
)

type nopEndpoint struct{}

func (nopEndpoint) Send(model.Message) bool { return true }
func (nopEndpoint) Probe() error            { return nil }
func (nopEndpoint) Open() bool              { return true }
func (nopEndpoint) Close()                  {}

func TestSession_New(t *testing.T) {
	a := New("203.0.113.5", nopEndpoint{}, nil)
	b := New("203.0.113.5", nopEndpoint{}, nil)
	if _, err := uuid.Parse(a.ID); err != nil {
		t.Fatalf("id %q is not a uuid: %v", a.ID, err)
	}
	if a.ID == b.ID {
		t.Fatal("session ids collide")
	}
	if code, role := a.Room(); code != "" || role != model.RoleNone {
		t.Fatalf("fresh session is in room %q as %s", code, role)
	}
	if !a.Allow() {
		t.Fatal("session without limiter must allow")
	}
}

func TestSession_Alive(t *testing.T) {
	s := New("", nopEndpoint{}, nil)
	if !s.ClearAlive() {
		t.Fatal("fresh session must count as alive")
	}
	if s.ClearAlive() {
		t.Fatal("flag was not cleared")
	}
	s.MarkAlive()
	if !s.ClearAlive() {
		t.Fatal("flag was not set")
	}
}

func TestSession_ClearRoom(t *testing.T) {
	s := New("", nopEndpoint{}, nil)
	s.SetRoom("blue", model.RoleGuest)

	s.ClearRoom("red")
	if code, role := s.Room(); code != "blue" || role != model.RoleGuest {
		t.Fatalf("association changed to %q/%s", code, role)
	}
	s.ClearRoom("blue")
	if code, _ := s.Room(); code != "" {
		t.Fatalf("association kept: %q", code)
	}
}

func TestSession_Allow(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	s := New("", nopEndpoint{}, ratelimit.NewWindow(clk, time.Second, 2))
	if !s.Allow() || !s.Allow() {
		t.Fatal("frames within ceiling rejected")
	}
	if s.Allow() {
		t.Fatal("frame over ceiling allowed")
	}
	clk.Advance(time.Second)
	if !s.Allow() {
		t.Fatal("window did not reset")
	}
}
