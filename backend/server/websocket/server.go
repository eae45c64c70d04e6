package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// read deadline backstop, the liveness supervisor normally acts first
	defaultPongWait = 90 * time.Second

	defaultOutboundQueueSize = 64
)

var ErrClosed = errors.New("endpoint is closed")

type (
	SignalingService interface {
		CreateSignalingSession(addr string, ep model.Endpoint) *session.Session
		DeleteSignalingSession(sess *session.Session)
		HandleMessage(sess *session.Session, raw []byte) error
		MarkAlive(sess *session.Session)
	}

	Gatekeeper interface {
		AdmitRequest(r *http.Request) error
		ClientAddr(r *http.Request) string
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		Gatekeeper       Gatekeeper
		MaxMessageSize   int64
		PongWait         time.Duration
	}

	// Handler upgrades admitted requests to websocket signaling sessions.
	Handler struct {
		svc            SignalingService
		gk             Gatekeeper
		ws             *websocket.Upgrader
		maxMessageSize int64
		pongWait       time.Duration

		logger zerolog.Logger
	}
)

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.SignalingService,
		gk:             cfg.Gatekeeper,
		maxMessageSize: cfg.MaxMessageSize,
		pongWait:       cfg.PongWait,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			// origin is checked by the gatekeeper before upgrading
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if h.pongWait <= 0 {
		h.pongWait = defaultPongWait
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.gk.AdmitRequest(r); err != nil {
		h.logger.Debug().Err(err).Msg("connection attempt rejected")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	conn, err := h.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background()) // long-living connection context
	ep := &endpoint{
		conn:   conn,
		tx:     make(chan model.Message, defaultOutboundQueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: &h.logger,
	}
	sess := h.svc.CreateSignalingSession(h.gk.ClientAddr(r), ep)

	logger := h.logger.With().
		Str("session", sess.ID).
		Str("addr", sess.Addr).
		Logger()
	logger.Debug().Msg("signaling session created")

	go h.handleWSConn(ctx, cancel, conn, sess, ep.tx, &logger)
}

func (h *Handler) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sess *session.Session,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		h.webSocketReceiver(ctx, wg, conn, sess, logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, tx, logger)
		cancel()
	}()

	<-ctx.Done()
	// closing the socket unblocks a receiver stuck in ReadMessage
	webSocketCloser(conn, logger)
	wg.Wait()

	h.svc.DeleteSignalingSession(sess)
	logger.Debug().Msg("signaling session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	defer wg.Done()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case msg := <-tx:
			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
			logger.Trace().Str("type", msg.Type).Msg("message sent")
		}
	}
}

func (h *Handler) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sess *session.Session,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(h.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		h.svc.MarkAlive(sess)
		return readDeadLineFunc(h.pongWait)
	})
	err := readDeadLineFunc(h.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				switch {
				case ctx.Err() != nil:
				case websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived):
					logger.Debug().Err(wsErr).Msg("connection closed")
				default:
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if wsErr = readDeadLineFunc(h.pongWait); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to extend websocket read deadline")
				break RecvLoop
			}
			// errors are already reported to the client
			_ = h.svc.HandleMessage(sess, msg)
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send websocket close message")
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}

// endpoint is the transport side of a session.
type endpoint struct {
	conn   *websocket.Conn
	tx     chan model.Message
	ctx    context.Context
	cancel context.CancelFunc
	logger *zerolog.Logger
}

// Send queues msg for the sender loop. It never blocks: a full queue
// drops the message.
func (ep *endpoint) Send(msg model.Message) bool {
	if ep.ctx.Err() != nil {
		return false
	}
	select {
	case ep.tx <- msg:
		return true
	default:
		ep.logger.Warn().Str("type", msg.Type).Msg("outbound queue is full, message dropped")
		return false
	}
}

// Probe sends a transport ping and an application ping.
func (ep *endpoint) Probe() error {
	if ep.ctx.Err() != nil {
		return ErrClosed
	}
	err := ep.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWebSocketWriteDeadline))
	if err != nil {
		return errors.Join(ErrClosed, err)
	}
	ep.logger.Trace().Msg("ping sent")
	if !ep.Send(model.Message{Type: model.TypePing}) {
		return ErrClosed
	}
	return nil
}

func (ep *endpoint) Open() bool {
	return ep.ctx.Err() == nil
}

func (ep *endpoint) Close() {
	ep.cancel()
}
