package relay

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/driftdoc/relay/protocol"
)

// Session is one connected channel's membership record. It belongs to exactly
// one room for its whole lifetime and is owned by the hub.
type Session struct {
	ID       string
	DocID    string
	User     protocol.User
	JoinedAt time.Time

	send      chan []byte
	closeOnce sync.Once
}

func newSession(docID string, user protocol.User, send chan []byte) *Session {
	return &Session{
		ID:       ulid.Make().String(),
		DocID:    docID,
		User:     user,
		JoinedAt: time.Now(),
		send:     send,
	}
}

// Outbound returns the channel the session's write pump drains. The hub closes
// it when the session leaves its room.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// closeSend is idempotent; the hub may close a session from the leave path
// while the connection teardown races it.
func (s *Session) closeSend() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}
