package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/ratelimit"
	"github.com/adwski/webrtc-rendezvous/backend/session"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReaperInterval    = time.Minute
	defaultMaxRoomAge        = time.Hour
	defaultShutdownGrace     = 5 * time.Second

	drainPollInterval = 50 * time.Millisecond
)

type (
	RoomStore interface {
		CreateRoom(code string, sess *session.Session) error
		JoinRoom(code string, sess *session.Session) error
		Leave(sess *session.Session) bool
		Relay(sess *session.Session, payload []byte) (bool, error)
		Sweep(maxAge time.Duration) (expired, orphaned int)
		CloseAll()
		Len() int
	}

	Switch interface {
		Connect(sess *session.Session)
		Disconnect(id string) bool
		Sessions() []*session.Session
		Broadcast(msg model.Message) int
		Len() int
	}

	// Collector garbage-collects auxiliary state during reaper sweeps.
	Collector interface {
		Collect() int
	}

	Service struct {
		store      RoomStore
		sw         Switch
		collectors []Collector
		clock      clock.Clock
		logger     zerolog.Logger

		connRateWindow    time.Duration
		connRateMax       int
		heartbeatInterval time.Duration
		reaperInterval    time.Duration
		maxRoomAge        time.Duration
		shutdownGrace     time.Duration
	}

	Config struct {
		RoomStore  RoomStore
		Switch     Switch
		Collectors []Collector
		Clock      clock.Clock
		Logger     *zerolog.Logger

		ConnRateWindow    time.Duration
		ConnRateMax       int
		HeartbeatInterval time.Duration
		ReaperInterval    time.Duration
		MaxRoomAge        time.Duration
		ShutdownGrace     time.Duration
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:             cfg.RoomStore,
		sw:                cfg.Switch,
		collectors:        cfg.Collectors,
		clock:             cfg.Clock,
		logger:            cfg.Logger.With().Str("component", "relay").Logger(),
		connRateWindow:    cfg.ConnRateWindow,
		connRateMax:       cfg.ConnRateMax,
		heartbeatInterval: cfg.HeartbeatInterval,
		reaperInterval:    cfg.ReaperInterval,
		maxRoomAge:        cfg.MaxRoomAge,
		shutdownGrace:     cfg.ShutdownGrace,
	}
	if svc.clock == nil {
		svc.clock = clock.Real()
	}
	if svc.connRateWindow <= 0 {
		svc.connRateWindow = time.Second
	}
	if svc.heartbeatInterval <= 0 {
		svc.heartbeatInterval = defaultHeartbeatInterval
	}
	if svc.reaperInterval <= 0 {
		svc.reaperInterval = defaultReaperInterval
	}
	if svc.maxRoomAge <= 0 {
		svc.maxRoomAge = defaultMaxRoomAge
	}
	if svc.shutdownGrace <= 0 {
		svc.shutdownGrace = defaultShutdownGrace
	}
	return svc
}

// CreateSignalingSession registers an admitted connection.
func (svc *Service) CreateSignalingSession(addr string, ep model.Endpoint) *session.Session {
	sess := session.New(addr, ep, ratelimit.NewWindow(svc.clock, svc.connRateWindow, svc.connRateMax))
	svc.sw.Connect(sess)
	return sess
}

// DeleteSignalingSession runs room cleanup for a closed or dead connection
// and forgets it. Calling it more than once is harmless.
func (svc *Service) DeleteSignalingSession(sess *session.Session) {
	svc.store.Leave(sess)
	if svc.sw.Disconnect(sess.ID) {
		svc.logger.Debug().
			Str("session", sess.ID).
			Msg("signaling session deleted")
	}
}

// MarkAlive records a transport level liveness response.
func (svc *Service) MarkAlive(sess *session.Session) {
	sess.MarkAlive()
}

// HandleMessage processes one inbound frame. Any failure results in a single
// bare error frame to the sender; the returned error keeps the actual cause.
func (svc *Service) HandleMessage(sess *session.Session, raw []byte) error {
	err := svc.handle(sess, raw)
	if err != nil {
		svc.logger.Debug().
			Err(err).
			Str("session", sess.ID).
			Msg("frame rejected")
		sess.Send(model.Message{Type: model.TypeError})
	}
	return err
}

type inbound struct {
	Type string          `json:"type"`
	Room json.RawMessage `json:"room"`
	Data json.RawMessage `json:"data"`
}

func (svc *Service) handle(sess *session.Session, raw []byte) error {
	allowed := sess.Allow()

	var msg inbound
	err := json.Unmarshal(raw, &msg)
	if err == nil && msg.Type == model.TypePong {
		// a pong proves liveness even when it is over the rate ceiling
		sess.MarkAlive()
	}
	if !allowed {
		return model.ErrConnectionRateExceeded
	}
	if err != nil {
		return errors.Join(model.ErrMalformedFrame, err)
	}

	svc.logger.Trace().
		Str("session", sess.ID).
		Str("type", msg.Type).
		Msg("frame received")

	switch msg.Type {
	case model.TypeCreate:
		code, err := roomCode(msg.Room)
		if err != nil {
			return err
		}
		return svc.store.CreateRoom(code, sess)

	case model.TypeJoin:
		code, err := roomCode(msg.Room)
		if err != nil {
			return err
		}
		return svc.store.JoinRoom(code, sess)

	case model.TypeSignal:
		if err := validatePayload(msg.Data); err != nil {
			return err
		}
		_, err := svc.store.Relay(sess, msg.Data)
		return err

	case model.TypeLeave:
		svc.store.Leave(sess)
		sess.Send(model.Message{Type: model.TypeLeft})
		return nil

	case model.TypePong:
		return nil

	default:
		return model.ErrUnknownMessageKind
	}
}

func roomCode(raw json.RawMessage) (string, error) {
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		return "", errors.Join(model.ErrSchemaViolation, err)
	}
	code = model.NormalizeRoomCode(code)
	if !model.ValidRoomCode(code) {
		return "", model.ErrSchemaViolation
	}
	return code, nil
}

// validatePayload requires a non-empty JSON object. Its shape is
// otherwise left to the peers.
func validatePayload(raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errors.Join(model.ErrSchemaViolation, err)
	}
	if len(fields) == 0 {
		return model.ErrSchemaViolation
	}
	return nil
}

// Stats reports the number of registered rooms and connected sessions.
func (svc *Service) Stats() (rooms, sessions int) {
	return svc.store.Len(), svc.sw.Len()
}

// CheckLiveness terminates sessions that did not answer the previous probe
// and probes the rest. It returns the number of terminated sessions.
func (svc *Service) CheckLiveness() int {
	var reaped int
	for _, sess := range svc.sw.Sessions() {
		if !sess.ClearAlive() {
			svc.logger.Debug().
				Str("session", sess.ID).
				Msg("session is unresponsive, terminating")
			// closed first so a request racing with the cleanup
			// cannot seat it in a room
			sess.Terminate()
			svc.DeleteSignalingSession(sess)
			reaped++
			continue
		}
		if err := sess.Probe(); err != nil {
			svc.logger.Debug().
				Err(err).
				Str("session", sess.ID).
				Msg("liveness probe failed")
		}
	}
	return reaped
}

// Reap removes expired and orphaned rooms and runs the collectors.
func (svc *Service) Reap() {
	expired, orphaned := svc.store.Sweep(svc.maxRoomAge)
	var collected int
	for _, c := range svc.collectors {
		collected += c.Collect()
	}
	svc.logger.Trace().
		Int("expired", expired).
		Int("orphaned", orphaned).
		Int("collected", collected).
		Int("rooms", svc.store.Len()).
		Int("sessions", svc.sw.Len()).
		Msg("reaper pass done")
}

// Run drives the liveness supervisor and the room reaper until ctx is done.
func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		svc.logger.Debug().Msg("supervisor stopped")
		wg.Done()
	}()

	heartbeat := time.NewTicker(svc.heartbeatInterval)
	reaper := time.NewTicker(svc.reaperInterval)
	defer func() {
		heartbeat.Stop()
		reaper.Stop()
	}()

	svc.logger.Info().
		Dur("heartbeat", svc.heartbeatInterval).
		Dur("reaper", svc.reaperInterval).
		Msg("supervisor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if n := svc.CheckLiveness(); n > 0 {
				svc.logger.Info().Int("terminated", n).Msg("unresponsive sessions terminated")
			}
		case <-reaper.C:
			svc.Reap()
		}
	}
}

// Shutdown tells every session the server is going away, waits up to the
// grace period for them to disconnect and then terminates the rest.
func (svc *Service) Shutdown(ctx context.Context) {
	notified := svc.sw.Broadcast(model.Message{Type: model.TypeServerShutdown})
	svc.logger.Info().Int("sessions", notified).Msg("shutdown notice sent")

	ctx, cancel := context.WithTimeout(ctx, svc.shutdownGrace)
	defer cancel()

	poll := time.NewTicker(drainPollInterval)
	defer poll.Stop()

DrainLoop:
	for svc.sw.Len() > 0 {
		select {
		case <-ctx.Done():
			break DrainLoop
		case <-poll.C:
		}
	}

	remaining := svc.sw.Sessions()
	for _, sess := range remaining {
		sess.Terminate()
		svc.DeleteSignalingSession(sess)
	}
	svc.store.CloseAll()
	if len(remaining) > 0 {
		svc.logger.Warn().Int("sessions", len(remaining)).Msg("sessions terminated after grace period")
	}
}
