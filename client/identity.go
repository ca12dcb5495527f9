package client

import (
	"math/rand"

	"github.com/google/uuid"
)

// Identity is the (id, name, color) triple a session presents to its room.
// It is generated once per editing session and stable for that session's
// lifetime; the relay does not verify it.
type Identity struct {
	UserID    string
	UserName  string
	UserColor string
}

var palette = []string{
	"#e63946", "#f4a261", "#e9c46a", "#2a9d8f",
	"#457b9d", "#8338ec", "#ff006e", "#fb5607",
}

// NewIdentity mints a fresh identity with a random display color.
func NewIdentity(name string) Identity {
	return Identity{
		UserID:    uuid.NewString(),
		UserName:  name,
		UserColor: palette[rand.Intn(len(palette))],
	}
}
