package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
	"github.com/adwski/webrtc-rendezvous/backend/dedup"
	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/session"
	"github.com/rs/zerolog"
)

type State int

const (
	StateEmpty State = iota
	StateOnePeer
	StateTwoPeers
)

func (s State) String() string {
	switch s {
	case StateOnePeer:
		return "one-peer"
	case StateTwoPeers:
		return "two-peers"
	default:
		return "empty"
	}
}

// Room is a pairing context for at most two sessions. All mutations
// happen under mx. Lock order is room before store, never the reverse.
type Room struct {
	Code      string
	CreatedAt time.Time

	mx     sync.Mutex
	host   *session.Session
	guest  *session.Session
	cache  *dedup.Cache
	closed atomic.Bool
}

func (r *Room) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.stateLocked()
}

func (r *Room) Occupants() (host, guest *session.Session) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.host, r.guest
}

func (r *Room) stateLocked() State {
	switch {
	case r.host == nil:
		return StateEmpty
	case r.guest == nil:
		return StateOnePeer
	default:
		return StateTwoPeers
	}
}

// peerLocked returns the other occupant and whether sess occupies the room.
func (r *Room) peerLocked(sess *session.Session) (*session.Session, bool) {
	switch sess {
	case r.host:
		return r.guest, true
	case r.guest:
		return r.host, true
	default:
		return nil, false
	}
}

type Config struct {
	Logger *zerolog.Logger
	Clock  clock.Clock
	Dedup  dedup.Config
}

// MemStore is the authoritative registry of rooms.
type MemStore struct {
	logger zerolog.Logger
	clock  clock.Clock
	dedup  dedup.Config
	mx     *sync.Mutex
	db     map[string]*Room
}

func NewMemStore(cfg Config) *MemStore {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dedupCfg := cfg.Dedup
	if dedupCfg.Clock == nil {
		dedupCfg.Clock = clk
	}
	return &MemStore{
		logger: cfg.Logger.With().Str("component", "rooms").Logger(),
		clock:  clk,
		dedup:  dedupCfg,
		mx:     &sync.Mutex{},
		db:     make(map[string]*Room),
	}
}

// CreateRoom allocates a room with sess as host. A session that holds
// another room leaves it only once the new room is published, so a
// rejected create changes nothing.
func (ms *MemStore) CreateRoom(code string, sess *session.Session) error {
	code = model.NormalizeRoomCode(code)
	prev, _ := sess.Room()

	room := &Room{
		Code:      code,
		CreatedAt: ms.clock.Now(),
		host:      sess,
		cache:     dedup.NewCache(ms.dedup),
	}
	if err := ms.publish(room, sess); err != nil {
		return err
	}
	if prev != "" && prev != code {
		ms.leaveRoom(sess, prev)
	}

	ms.logger.Debug().
		Str("room", code).
		Str("session", sess.ID).
		Msg("room created")
	return nil
}

func (ms *MemStore) publish(room *Room, sess *session.Session) error {
	// room is not published yet, nobody else can hold its lock
	room.mx.Lock()
	defer room.mx.Unlock()

	if !sess.Open() {
		return model.ErrConnectionClosed
	}
	ms.mx.Lock()
	if existing, ok := ms.db[room.Code]; ok && !existing.closed.Load() {
		ms.mx.Unlock()
		return model.ErrRoomConflict
	}
	ms.db[room.Code] = room
	ms.mx.Unlock()

	sess.SetRoom(room.Code, model.RoleHost)
	sess.Send(model.Message{Type: model.TypeCreated, Room: room.Code})
	return nil
}

// JoinRoom places sess into the guest slot of an existing room. As with
// CreateRoom, a previously held room is left only after the join succeeds.
func (ms *MemStore) JoinRoom(code string, sess *session.Session) error {
	code = model.NormalizeRoomCode(code)
	prev, _ := sess.Room()

	room, ok := ms.GetRoom(code)
	if !ok {
		return model.ErrRoomNotFound
	}
	if err := ms.seatGuest(room, sess); err != nil {
		return err
	}
	if prev != "" && prev != code {
		ms.leaveRoom(sess, prev)
	}

	ms.logger.Debug().
		Str("room", code).
		Str("session", sess.ID).
		Msg("peer joined room")
	return nil
}

func (ms *MemStore) seatGuest(room *Room, sess *session.Session) error {
	room.mx.Lock()
	defer room.mx.Unlock()

	switch {
	case room.closed.Load():
		return model.ErrRoomNotFound
	case room.guest != nil:
		return model.ErrRoomFull
	case room.host == sess:
		return model.ErrSelfJoin
	case !sess.Open():
		return model.ErrConnectionClosed
	}

	room.guest = sess
	sess.SetRoom(room.Code, model.RoleGuest)
	room.host.Send(model.Message{Type: model.TypePeerJoined})
	sess.Send(model.Message{Type: model.TypeJoined, Room: room.Code})
	return nil
}

// Leave removes sess from whichever slot it holds. The remaining peer,
// if any, becomes host and is told its partner left. A room left empty
// is deleted. Leave is idempotent and reports whether anything changed.
func (ms *MemStore) Leave(sess *session.Session) bool {
	code, _ := sess.Room()
	return ms.leaveRoom(sess, code)
}

func (ms *MemStore) leaveRoom(sess *session.Session, code string) bool {
	if code == "" {
		return false
	}
	room, ok := ms.GetRoom(code)
	if !ok {
		sess.ClearRoom(code)
		return false
	}

	room.mx.Lock()
	defer room.mx.Unlock()
	return ms.vacateLocked(room, sess)
}

// vacateLocked empties the slot held by sess, promoting the other
// occupant to host or deleting the room when nobody is left.
func (ms *MemStore) vacateLocked(room *Room, sess *session.Session) bool {
	peer, in := room.peerLocked(sess)
	sess.ClearRoom(room.Code)
	if !in {
		return false
	}
	room.host, room.guest = peer, nil

	logger := ms.logger.With().
		Str("room", room.Code).
		Str("session", sess.ID).
		Logger()

	if peer != nil {
		peer.SetRoom(room.Code, model.RoleHost)
		peer.Send(model.Message{Type: model.TypePeerLeft})
		logger.Debug().Msg("peer left room")
		return true
	}

	room.closed.Store(true)
	ms.removeLocked(room)
	logger.Debug().Msg("last peer left, room deleted")
	return true
}

// Relay forwards payload to the other occupant of the sender's room.
// Duplicate payloads within the dedup TTL are dropped. Delivery is best
// effort: an absent or closed peer gets nothing and nothing is queued.
func (ms *MemStore) Relay(sess *session.Session, payload []byte) (bool, error) {
	code, _ := sess.Room()
	if code == "" {
		return false, model.ErrNotInRoom
	}
	room, ok := ms.GetRoom(code)
	if !ok {
		return false, nil
	}

	room.mx.Lock()
	defer room.mx.Unlock()

	if room.closed.Load() {
		return false, nil
	}
	peer, in := room.peerLocked(sess)
	if !in {
		return false, model.ErrNotInRoom
	}
	if peer == nil || !peer.Open() {
		return false, nil
	}
	if room.cache.Seen(dedup.Sum(payload)) {
		ms.logger.Trace().
			Str("room", code).
			Str("session", sess.ID).
			Msg("duplicate payload dropped")
		return false, nil
	}
	return peer.Send(model.Message{Type: model.TypeSignal, Data: payload}), nil
}

// CloseRoom deletes a room, telling any occupant the room is closing.
func (ms *MemStore) CloseRoom(code string) bool {
	room, ok := ms.GetRoom(model.NormalizeRoomCode(code))
	if !ok {
		return false
	}
	return ms.closeRoom(room, true)
}

// Sweep closes rooms older than maxAge, notifying their occupants, and
// removes occupants whose connection is no longer open. A room with no
// open occupant left is deleted silently. Surviving rooms get their dedup
// caches purged.
func (ms *MemStore) Sweep(maxAge time.Duration) (expired, orphaned int) {
	now := ms.clock.Now()
	var evicted int
	for _, room := range ms.snapshot() {
		if maxAge > 0 && now.Sub(room.CreatedAt) >= maxAge {
			if ms.closeRoom(room, true) {
				expired++
			}
			continue
		}

		room.mx.Lock()
		switch {
		case room.closed.Load():
		case !isOpen(room.host) && !isOpen(room.guest):
			ms.closeLocked(room, false)
			orphaned++
		default:
			for _, sess := range []*session.Session{room.host, room.guest} {
				if sess != nil && !sess.Open() && ms.vacateLocked(room, sess) {
					evicted++
				}
			}
			room.cache.Purge()
		}
		room.mx.Unlock()
	}
	if expired > 0 || orphaned > 0 || evicted > 0 {
		ms.logger.Debug().
			Int("expired", expired).
			Int("orphaned", orphaned).
			Int("evicted", evicted).
			Msg("rooms swept")
	}
	return
}

// CloseAll deletes every room without notifying anyone.
func (ms *MemStore) CloseAll() {
	for _, room := range ms.snapshot() {
		ms.closeRoom(room, false)
	}
}

func (ms *MemStore) closeRoom(room *Room, notify bool) bool {
	room.mx.Lock()
	defer room.mx.Unlock()
	if room.closed.Load() {
		return false
	}
	ms.closeLocked(room, notify)
	return true
}

func (ms *MemStore) GetRoom(code string) (*Room, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	room, ok := ms.db[code]
	return room, ok
}

func (ms *MemStore) Len() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.db)
}

func (ms *MemStore) snapshot() []*Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	rooms := make([]*Room, 0, len(ms.db))
	for _, room := range ms.db {
		rooms = append(rooms, room)
	}
	return rooms
}

func (ms *MemStore) closeLocked(room *Room, notify bool) {
	room.closed.Store(true)
	for _, sess := range []*session.Session{room.host, room.guest} {
		if sess == nil {
			continue
		}
		sess.ClearRoom(room.Code)
		if notify {
			sess.Send(model.Message{Type: model.TypeRoomClosed})
		}
	}
	room.host, room.guest = nil, nil
	ms.removeLocked(room)
	ms.logger.Debug().Str("room", room.Code).Msg("room closed")
}

// removeLocked drops room from the registry unless the code
// was already reused by a newer room.
func (ms *MemStore) removeLocked(room *Room) {
	ms.mx.Lock()
	if ms.db[room.Code] == room {
		delete(ms.db, room.Code)
	}
	ms.mx.Unlock()
}

func isOpen(sess *session.Session) bool {
	return sess != nil && sess.Open()
}
