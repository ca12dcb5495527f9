package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/relay/protocol"
)

// testPeer pairs a session with the channel its write pump would drain.
type testPeer struct {
	session *Session
	send    chan []byte
}

func join(t *testing.T, h *Hub, docID, userID, userName, userColor string) *testPeer {
	t.Helper()
	send := make(chan []byte, 64)
	s := h.Join(docID, protocol.User{UserID: userID, UserName: userName, UserColor: userColor}, send)
	require.NotNil(t, s)
	return &testPeer{session: s, send: send}
}

// received drains and decodes everything queued for the peer.
func (p *testPeer) received(t *testing.T) []*protocol.Message {
	t.Helper()
	var msgs []*protocol.Message
	for {
		select {
		case data, ok := <-p.send:
			if !ok {
				return msgs
			}
			m, err := protocol.Decode(data)
			require.NoError(t, err)
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestJoinCreatesRoomAndRepliesRoomUsers(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")

	assert.Equal(t, 1, h.RoomCount())
	assert.Equal(t, 1, h.SessionCount())

	msgs := alice.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindRoomUsers, msgs[0].Type)
	assert.Empty(t, msgs[0].Users)
}

func TestJoinAnnouncesToOthers(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	alice.received(t)

	bob := join(t, h, "doc-1", "u-bob", "bob", "#457b9d")

	aliceMsgs := alice.received(t)
	require.Len(t, aliceMsgs, 1)
	assert.Equal(t, protocol.KindUserJoined, aliceMsgs[0].Type)
	assert.Equal(t, "u-bob", aliceMsgs[0].UserID)
	assert.Equal(t, "bob", aliceMsgs[0].UserName)

	bobMsgs := bob.received(t)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, protocol.KindRoomUsers, bobMsgs[0].Type)
	require.Len(t, bobMsgs[0].Users, 1)
	assert.Equal(t, "u-alice", bobMsgs[0].Users[0].UserID)
}

func TestLeaveBroadcastsAndCollapsesEmptyRoom(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	bob := join(t, h, "doc-1", "u-bob", "bob", "#457b9d")
	alice.received(t)
	bob.received(t)

	h.Leave(bob.session)

	aliceMsgs := alice.received(t)
	require.Len(t, aliceMsgs, 1)
	assert.Equal(t, protocol.KindUserLeft, aliceMsgs[0].Type)
	assert.Equal(t, "u-bob", aliceMsgs[0].UserID)

	// Alice remains, so the room does too.
	assert.Equal(t, 1, h.RoomCount())

	h.Leave(alice.session)
	assert.Equal(t, 0, h.RoomCount())
	assert.Equal(t, 0, h.SessionCount())
}

func TestLeaveIdempotent(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")

	h.Leave(alice.session)
	h.Leave(alice.session)

	assert.Equal(t, 0, h.RoomCount())
	assert.Equal(t, 0, h.SessionCount())
}

func TestSessionCountTracksJoinsMinusLeaves(t *testing.T) {
	h := NewHub(nil)

	var peers []*testPeer
	for i := 0; i < 5; i++ {
		peers = append(peers, join(t, h, "doc-1", "u", "user", "#000000"))
	}
	assert.Equal(t, 5, h.SessionCount())

	for i, p := range peers {
		h.Leave(p.session)
		assert.Equal(t, 4-i, h.SessionCount())
	}
	assert.Equal(t, 0, h.RoomCount())
}

func TestSameUserIDIsTwoSessions(t *testing.T) {
	h := NewHub(nil)

	a := join(t, h, "doc-1", "u-dup", "dup", "#000000")
	b := join(t, h, "doc-1", "u-dup", "dup", "#000000")

	assert.NotEqual(t, a.session.ID, b.session.ID)
	assert.Equal(t, 2, h.SessionCount())
}

func TestRelayStateVerbatimAndNeverToSender(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	bob := join(t, h, "doc-1", "u-bob", "bob", "#457b9d")
	other := join(t, h, "doc-2", "u-carol", "carol", "#2a9d8f")
	alice.received(t)
	bob.received(t)
	other.received(t)

	opaque := "AAEC/w==::é世 raw crdt snapshot"
	h.RelayState(alice.session, opaque)

	bobMsgs := bob.received(t)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, protocol.KindSync, bobMsgs[0].Type)
	assert.Equal(t, "u-alice", bobMsgs[0].UserID)
	assert.Equal(t, opaque, bobMsgs[0].State)

	assert.Empty(t, alice.received(t), "sender must not hear its own sync")
	assert.Empty(t, other.received(t), "other rooms must not hear the sync")
}

func TestRelaySyncRequestSingleTarget(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	bob := join(t, h, "doc-1", "u-bob", "bob", "#457b9d")
	carol := join(t, h, "doc-1", "u-carol", "carol", "#2a9d8f")
	alice.received(t)
	bob.received(t)
	carol.received(t)

	h.RelaySyncRequest(alice.session)

	forwarded := append(bob.received(t), carol.received(t)...)
	require.Len(t, forwarded, 1, "exactly one peer gets the sync_request")
	assert.Equal(t, protocol.KindSyncRequest, forwarded[0].Type)
	assert.Equal(t, "u-alice", forwarded[0].RequesterID)
	assert.Empty(t, alice.received(t))
}

func TestRelaySyncRequestAloneIsNoop(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	alice.received(t)

	h.RelaySyncRequest(alice.session)

	assert.Empty(t, alice.received(t))
}

func TestRelayPresenceFanout(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	bob := join(t, h, "doc-1", "u-bob", "bob", "#457b9d")
	alice.received(t)
	bob.received(t)

	cursor, selStart := 12, 4
	h.RelayPresence(alice.session, &cursor, &selStart, nil)

	bobMsgs := bob.received(t)
	require.Len(t, bobMsgs, 1)
	m := bobMsgs[0]
	assert.Equal(t, protocol.KindPresence, m.Type)
	assert.Equal(t, "u-alice", m.UserID)
	assert.Equal(t, "alice", m.UserName)
	require.NotNil(t, m.Cursor)
	assert.Equal(t, 12, *m.Cursor)
	require.NotNil(t, m.SelectionStart)
	assert.Equal(t, 4, *m.SelectionStart)
	assert.Nil(t, m.SelectionEnd)

	assert.Empty(t, alice.received(t))
}

func TestSnapshotCounters(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	bob := join(t, h, "doc-2", "u-bob", "bob", "#457b9d")

	h.CountMessage()
	h.CountMessage()
	h.CountMessage()

	snap := h.Snapshot()
	assert.Equal(t, 2, snap.Rooms)
	assert.Equal(t, 2, snap.Sessions)
	assert.Equal(t, int64(2), snap.Connections)
	assert.Equal(t, int64(3), snap.Messages)

	h.Leave(alice.session)
	h.Leave(bob.session)

	snap = h.Snapshot()
	assert.Equal(t, 0, snap.Rooms)
	assert.Equal(t, 0, snap.Sessions)
	// Lifetime counters never go down.
	assert.Equal(t, int64(2), snap.Connections)
}

func TestRoomDetail(t *testing.T) {
	h := NewHub(nil)

	join(t, h, "doc-1", "u-alice", "alice", "#e63946")
	join(t, h, "doc-1", "u-bob", "bob", "#457b9d")

	info, ok := h.RoomDetail("doc-1")
	require.True(t, ok)
	assert.Equal(t, "doc-1", info.ID)
	assert.Equal(t, 2, info.Sessions)
	assert.Len(t, info.Participants, 2)

	_, ok = h.RoomDetail("doc-missing")
	assert.False(t, ok)
}

func TestDeliverToFullBufferDoesNotBlock(t *testing.T) {
	h := NewHub(nil)

	alice := join(t, h, "doc-1", "u-alice", "alice", "#e63946")

	// A peer with a full (unread) buffer of one.
	send := make(chan []byte, 1)
	h.Join("doc-1", protocol.User{UserID: "u-slow", UserName: "slow", UserColor: "#000000"}, send)
	alice.received(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.RelayState(alice.session, "state")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow session")
	}
}
