// Package gatekeeper decides whether an inbound connection attempt is
// admitted before any room logic runs.
//
// Two checks are applied in order: the origin check and the per-source
// rate check. Callers must not reveal to the client which one failed.
package gatekeeper

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/ratelimit"
	"github.com/rs/zerolog"
)

var ErrRejected = errors.New("connection rejected")

type Config struct {
	Logger         *zerolog.Logger
	Clock          clock.Clock
	AllowedOrigins []string
	TrustedProxies []string
	RateWindow     time.Duration
	RateMax        int
}

type Gatekeeper struct {
	logger  zerolog.Logger
	origins map[string]struct{}
	proxies map[string]struct{}
	limiter *ratelimit.SourceLimiter
}

func New(cfg Config) *Gatekeeper {
	gk := &Gatekeeper{
		logger:  cfg.Logger.With().Str("component", "gatekeeper").Logger(),
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		proxies: make(map[string]struct{}, len(cfg.TrustedProxies)),
		limiter: ratelimit.NewSourceLimiter(cfg.Clock, cfg.RateWindow, cfg.RateMax),
	}
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			gk.origins[o] = struct{}{}
		}
	}
	for _, p := range cfg.TrustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			gk.proxies[p] = struct{}{}
		}
	}
	return gk
}

// Admit checks the declared origin and the source address of a connection
// attempt. host is the Host the request was served under.
func (gk *Gatekeeper) Admit(origin, host, addr string) error {
	if !gk.originAllowed(origin, host) {
		gk.logger.Debug().
			Str("origin", origin).
			Str("addr", addr).
			Msg("origin rejected")
		return errors.Join(ErrRejected, model.ErrOriginRejected)
	}
	if !gk.limiter.Allow(addr) {
		gk.logger.Debug().
			Str("addr", addr).
			Msg("source rate exceeded")
		return errors.Join(ErrRejected, model.ErrSourceRateExceeded)
	}
	return nil
}

// AdmitRequest is Admit applied to an http upgrade request.
func (gk *Gatekeeper) AdmitRequest(r *http.Request) error {
	return gk.Admit(r.Header.Get("Origin"), r.Host, gk.ClientAddr(r))
}

// ClientAddr returns the source address of a request. The left-most
// X-Forwarded-For entry is used only when the peer is a trusted proxy.
func (gk *Gatekeeper) ClientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if _, ok := gk.proxies[addr]; !ok {
		return addr
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return addr
	}
	first, _, _ := strings.Cut(fwd, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return addr
}

// Collect garbage-collects stale source buckets.
func (gk *Gatekeeper) Collect() int {
	return gk.limiter.Collect()
}

func (gk *Gatekeeper) originAllowed(origin, host string) bool {
	if len(gk.origins) > 0 {
		_, ok := gk.origins[origin]
		return ok
	}
	if origin == "" {
		// non-browser client
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
