package client

import (
	"sort"
	"sync"

	"github.com/driftdoc/relay/protocol"
)

// Presence is a peer's transient cursor and selection. Nil fields mean the
// peer has published nothing for them.
type Presence struct {
	Cursor         *int
	SelectionStart *int
	SelectionEnd   *int
}

// Peer is one remote participant as locally known: identity plus last
// received presence. The relay retains no presence, so this view only fills
// in as peers push.
type Peer struct {
	User     protocol.User
	Presence Presence
}

// roster tracks the remote peers of the current connection. It is rebuilt
// from room_users on every (re)connect and cleared on disconnect.
type roster struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

func newRoster() *roster {
	return &roster{peers: make(map[string]*Peer)}
}

func (r *roster) replaceAll(users []protocol.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*Peer, len(users))
	for _, u := range users {
		r.peers[u.UserID] = &Peer{User: u}
	}
}

func (r *roster) add(u protocol.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[u.UserID] = &Peer{User: u}
}

func (r *roster) remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, userID)
}

// setPresence updates a peer's cursor/selection, creating the peer row if the
// presence beat the roster update.
func (r *roster) setPresence(u protocol.User, p Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[u.UserID]
	if !ok {
		peer = &Peer{User: u}
		r.peers[u.UserID] = peer
	}
	peer.Presence = p
}

func (r *roster) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*Peer)
}

// snapshot returns a stable-ordered copy of the current peers.
func (r *roster) snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].User.UserID < peers[j].User.UserID })
	return peers
}
