package protocol

import (
	"encoding/json"
	"fmt"
)

// Message kinds. Clients send join/leave/sync/sync_request/presence; the relay
// sends room_users/user_joined/user_left and forwards the rest.
const (
	KindJoin        = "join"
	KindLeave       = "leave"
	KindSync        = "sync"
	KindSyncRequest = "sync_request"
	KindPresence    = "presence"
	KindRoomUsers   = "room_users"
	KindUserJoined  = "user_joined"
	KindUserLeft    = "user_left"
)

// User is a participant identity. The relay does not authenticate it; any
// session may claim any id.
type User struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

// Message is the flat wire envelope shared by every kind. Fields not used by a
// kind are omitted. An absent presence field means null (no cursor/selection).
type Message struct {
	Type           string `json:"type"`
	DocID          string `json:"docId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
	UserColor      string `json:"userColor,omitempty"`
	State          string `json:"state,omitempty"`
	RequesterID    string `json:"requesterId,omitempty"`
	Cursor         *int   `json:"cursor,omitempty"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	Users          []User `json:"users,omitempty"`
}

// Decode parses a wire frame. A frame that is not JSON or carries no type is
// malformed; callers drop it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &m, nil
}

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}
