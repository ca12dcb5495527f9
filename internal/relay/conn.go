package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/protocol"
	"github.com/driftdoc/relay/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBufferSize    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn owns one websocket channel. It has no session until it receives a join;
// every other kind before join is ignored.
type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	limiter *ratelimit.Limiter
	log     *zap.Logger

	session *Session
}

// ServeWS upgrades the request and starts the connection pumps.
func ServeWS(hub *Hub, log *zap.Logger, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		hub:     hub,
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		limiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		log:     log,
	}

	go c.writePump()
	go c.readPump()
}

// readPump drives the channel's whole lifetime. Any exit, whether an explicit
// leave, a transport error, or a disconnect, runs the same cleanup path.
func (c *conn) readPump() {
	defer func() {
		if c.session != nil {
			c.hub.Leave(c.session)
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.Warn("rate limit exceeded",
					zap.String("remote", c.ws.RemoteAddr().String()),
					zap.Int("warnings", rateLimitWarnings))
			}
			if rateLimitWarnings > 1000 {
				c.log.Warn("disconnecting for excessive rate limit violations",
					zap.String("remote", c.ws.RemoteAddr().String()))
				return
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("dropping malformed message", zap.Error(err))
			continue
		}
		c.hub.CountMessage()

		if !c.handle(msg) {
			return
		}
	}
}

// handle routes one inbound message. It reports false when the connection
// should close (explicit leave).
func (c *conn) handle(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.KindJoin:
		if c.session != nil {
			// Already joined; a session belongs to one room for its lifetime.
			return true
		}
		if msg.DocID == "" || msg.UserID == "" {
			c.log.Debug("dropping join without docId or userId")
			return true
		}
		c.session = c.hub.Join(msg.DocID, protocol.User{
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			UserColor: msg.UserColor,
		}, c.send)

	case protocol.KindLeave:
		if c.session != nil {
			c.hub.Leave(c.session)
			c.session = nil
		}
		return false

	case protocol.KindSync:
		if c.session != nil {
			c.hub.RelayState(c.session, msg.State)
		}

	case protocol.KindSyncRequest:
		if c.session != nil {
			c.hub.RelaySyncRequest(c.session)
		}

	case protocol.KindPresence:
		if c.session != nil {
			c.hub.RelayPresence(c.session, msg.Cursor, msg.SelectionStart, msg.SelectionEnd)
		}

	default:
		// Unknown kinds are ignored, never fatal.
	}
	return true
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
