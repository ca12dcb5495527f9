package relay

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/driftdoc/relay/protocol"
)

// Hub is the room registry and broadcast relay. Rooms are ephemeral: one is
// created by the first join under a document id and deleted synchronously the
// moment its last session leaves. All registry access is serialized by h.mu so
// join/leave/broadcast stay atomic relative to each other.
//
// The hub never inspects relayed state; it forwards the opaque payload
// byte-for-byte and never delivers a message back to its sender.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]bool

	log *zap.Logger

	// Lifetime counters, monotonic across room churn.
	connections atomic.Int64
	messages    atomic.Int64
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[string]map[*Session]bool),
		log:   log,
	}
}

// Join registers a new session under docID, creating the room on demand.
// Every other session in the room is told user_joined; the joining session
// alone gets a room_users reply listing the peers already present.
func (h *Hub) Join(docID string, user protocol.User, send chan []byte) *Session {
	s := newSession(docID, user, send)

	h.mu.Lock()
	room, ok := h.rooms[docID]
	if !ok {
		room = make(map[*Session]bool)
		h.rooms[docID] = room
	}

	others := make([]protocol.User, 0, len(room))
	for peer := range room {
		others = append(others, peer.User)
	}

	joined, err := protocol.Encode(&protocol.Message{
		Type:      protocol.KindUserJoined,
		UserID:    user.UserID,
		UserName:  user.UserName,
		UserColor: user.UserColor,
	})
	if err == nil {
		for peer := range room {
			deliver(peer, joined)
		}
	}

	room[s] = true

	if reply, err := protocol.Encode(&protocol.Message{
		Type:  protocol.KindRoomUsers,
		Users: others,
	}); err == nil {
		deliver(s, reply)
	}
	h.mu.Unlock()

	h.connections.Add(1)
	metricConnections.Inc()
	metricSessions.Inc()

	h.log.Info("session joined",
		zap.String("session", s.ID),
		zap.String("doc", docID),
		zap.String("user", user.UserID))
	return s
}

// Leave removes the session from its room, collapsing the room entry if that
// leaves the room empty, and tells the remaining sessions user_left. Leaving a
// session that is not registered is a no-op.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.DocID]
	if !ok || !room[s] {
		h.mu.Unlock()
		return
	}
	delete(room, s)
	s.closeSend()

	if len(room) == 0 {
		delete(h.rooms, s.DocID)
		h.mu.Unlock()
		metricSessions.Dec()
		h.log.Info("room closed", zap.String("doc", s.DocID))
		return
	}

	if left, err := protocol.Encode(&protocol.Message{
		Type:   protocol.KindUserLeft,
		UserID: s.User.UserID,
	}); err == nil {
		for peer := range room {
			deliver(peer, left)
		}
	}
	h.mu.Unlock()

	metricSessions.Dec()
	h.log.Info("session left",
		zap.String("session", s.ID),
		zap.String("doc", s.DocID))
}

// RelayState fans the sender's opaque state out to every other session in the
// room. The payload is not parsed, validated, or merged.
func (h *Hub) RelayState(s *Session, state string) {
	data, err := protocol.Encode(&protocol.Message{
		Type:   protocol.KindSync,
		DocID:  s.DocID,
		UserID: s.User.UserID,
		State:  state,
	})
	if err != nil {
		return
	}
	h.broadcast(s, data)
}

// RelaySyncRequest forwards a sync_request to exactly one other session in the
// requester's room. Which one is map iteration order, deliberately unspecified.
// An empty room (no other sessions) is a silent no-op.
func (h *Hub) RelaySyncRequest(s *Session) {
	data, err := protocol.Encode(&protocol.Message{
		Type:        protocol.KindSyncRequest,
		DocID:       s.DocID,
		RequesterID: s.User.UserID,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[s.DocID]
	if !ok {
		return
	}
	for peer := range room {
		if peer != s {
			deliver(peer, data)
			return
		}
	}
}

// RelayPresence fans a transient cursor/selection update out to the room.
// Presence is not retained: a session joining afterwards sees nothing until
// the peer pushes again.
func (h *Hub) RelayPresence(s *Session, cursor, selStart, selEnd *int) {
	data, err := protocol.Encode(&protocol.Message{
		Type:           protocol.KindPresence,
		DocID:          s.DocID,
		UserID:         s.User.UserID,
		UserName:       s.User.UserName,
		UserColor:      s.User.UserColor,
		Cursor:         cursor,
		SelectionStart: selStart,
		SelectionEnd:   selEnd,
	})
	if err != nil {
		return
	}
	h.broadcast(s, data)
}

func (h *Hub) broadcast(sender *Session, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[sender.DocID]
	if !ok {
		return
	}
	for peer := range room {
		if peer != sender {
			deliver(peer, data)
		}
	}
}

// deliver queues data without blocking. A session whose buffer is full (or
// whose channel is being torn down) just misses the message; it will catch up
// through the protocol's own sync path.
func deliver(s *Session, data []byte) {
	select {
	case s.send <- data:
	default:
	}
}

// CountMessage records one handled inbound message in the lifetime total.
func (h *Hub) CountMessage() {
	h.messages.Add(1)
	metricMessages.Inc()
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Rooms       int
	Sessions    int
	Connections int64
	Messages    int64
}

func (h *Hub) Snapshot() Stats {
	h.mu.RLock()
	rooms := len(h.rooms)
	sessions := 0
	for _, room := range h.rooms {
		sessions += len(room)
	}
	h.mu.RUnlock()

	return Stats{
		Rooms:       rooms,
		Sessions:    sessions,
		Connections: h.connections.Load(),
		Messages:    h.messages.Load(),
	}
}

// RoomCount reports the number of rooms with at least one session.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// SessionCount reports the number of sessions across all rooms.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// ActiveRooms returns room id -> session count for every live room.
func (h *Hub) ActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make(map[string]int, len(h.rooms))
	for id, room := range h.rooms {
		rooms[id] = len(room)
	}
	return rooms
}

// RoomInfo is a point-in-time view of a single room.
type RoomInfo struct {
	ID           string
	Sessions     int
	Participants []protocol.User
}

func (h *Hub) RoomDetail(docID string) (RoomInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[docID]
	if !ok {
		return RoomInfo{}, false
	}
	info := RoomInfo{ID: docID, Sessions: len(room)}
	info.Participants = make([]protocol.User, 0, len(room))
	for peer := range room {
		info.Participants = append(info.Participants, peer.User)
	}
	return info, true
}
