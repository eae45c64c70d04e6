package model

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Message types sent by clients.
const (
	TypeCreate = "create"
	TypeJoin   = "join"
	TypeSignal = "signal"
	TypeLeave  = "leave"
	TypePong   = "pong"
)

// Message types sent by server.
const (
	TypeCreated        = "created"
	TypeJoined         = "joined"
	TypePeerJoined     = "peer-joined"
	TypePeerLeft       = "peer-left"
	TypeRoomClosed     = "room-closed"
	TypeError          = "error"
	TypeLeft           = "left"
	TypePing           = "ping"
	TypeServerShutdown = "server-shutdown"
)

const MaxRoomCodeLength = 50

var roomCodeRe = regexp.MustCompile(`^[a-z0-9_-]{1,50}$`)

// Internal error kinds. On the wire every one of them collapses into
// a bare error message.
var (
	ErrMalformedFrame         = errors.New("malformed frame")
	ErrUnknownMessageKind     = errors.New("unknown message kind")
	ErrSchemaViolation        = errors.New("schema violation")
	ErrConnectionRateExceeded = errors.New("connection rate exceeded")
	ErrSourceRateExceeded     = errors.New("source rate exceeded")
	ErrOriginRejected         = errors.New("origin rejected")
	ErrRoomConflict           = errors.New("room already exists")
	ErrRoomNotFound           = errors.New("room is not found")
	ErrRoomFull               = errors.New("room is full")
	ErrSelfJoin               = errors.New("cannot join own room")
	ErrNotInRoom              = errors.New("not in a room")
	ErrConnectionClosed       = errors.New("connection is closed")
)

type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// Message is a single frame in either direction.
type Message struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Endpoint is the transport side of an admitted connection.
// Send must never block.
type Endpoint interface {
	Send(Message) bool
	Probe() error
	Open() bool
	Close()
}

// NormalizeRoomCode trims surrounding whitespace and lower-cases the code.
func NormalizeRoomCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidRoomCode reports whether an already normalized code fits
// the room code character class and length bound.
func ValidRoomCode(code string) bool {
	return roomCodeRe.MatchString(code)
}
