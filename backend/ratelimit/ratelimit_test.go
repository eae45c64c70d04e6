package ratelimit

import (
	"testing"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
)

func TestWindow_RecoversNextWindow(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := NewWindow(clk, time.Second, 3)

	for i := 0; i < 3; i++ {
		if !w.Allow() {
			t.Fatalf("event %d within ceiling was rejected", i)
		}
	}
	for i := 0; i < 2; i++ {
		if w.Allow() {
			t.Fatalf("excess event %d was allowed", i)
		}
	}

	clk.Advance(time.Second)
	for i := 0; i < 3; i++ {
		if !w.Allow() {
			t.Fatalf("event %d in next window was rejected", i)
		}
	}
	if w.Allow() {
		t.Fatal("ceiling not enforced in next window")
	}
}

func TestWindow_Disabled(t *testing.T) {
	w := NewWindow(nil, time.Second, 0)
	for i := 0; i < 100; i++ {
		if !w.Allow() {
			t.Fatal("zero ceiling must disable limiting")
		}
	}
}

func TestSourceLimiter(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewSourceLimiter(clk, time.Minute, 2)

	tests := []struct {
		name    string
		addr    string
		advance time.Duration
		want    bool
	}{
		{name: "first", addr: "10.0.0.1", want: true},
		{name: "second", addr: "10.0.0.1", want: true},
		{name: "third rejected", addr: "10.0.0.1", want: false},
		{name: "other source independent", addr: "10.0.0.2", want: true},
		{name: "just before window end", addr: "10.0.0.1", advance: 59 * time.Second, want: false},
		{name: "window elapsed resets", addr: "10.0.0.1", advance: time.Second, want: true},
		{name: "counting again", addr: "10.0.0.1", want: true},
		{name: "ceiling again", addr: "10.0.0.1", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk.Advance(tt.advance)
			if got := l.Allow(tt.addr); got != tt.want {
				t.Errorf("Allow(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestSourceLimiter_Collect(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewSourceLimiter(clk, time.Second, 5)

	l.Allow("a")
	clk.Advance(5 * time.Second)
	l.Allow("b")
	clk.Advance(5 * time.Second)

	if n := l.Collect(); n != 1 {
		t.Fatalf("expected one stale bucket collected, got %d", n)
	}
	if l.Len() != 1 {
		t.Fatalf("expected one bucket left, got %d", l.Len())
	}
}
