package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/protocol"
)

// ConnState is the lifecycle manager's state machine.
//
//	Disabled -> Offline -> Connecting -> Connected -> Offline (backoff) -> ...
//
// Disabled is reachable from anywhere by caller directive; Closed is terminal.
type ConnState int32

const (
	StateDisabled ConnState = iota
	StateOffline
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// wsConn is the slice of *websocket.Conn the manager needs. Tests substitute
// an in-memory implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

// Handlers are the application callbacks. All are optional and are invoked
// from the manager's goroutines; they must not block for long.
type Handlers struct {
	// OnSync delivers a peer's opaque state for merging.
	OnSync func(senderID, state string)

	// ProvideState is asked for the local state when a peer requests a sync.
	// Returning false means nothing to offer and no reply is pushed.
	ProvideState func() (string, bool)

	// OnPeersChanged fires after any roster or presence change.
	OnPeersChanged func(peers []Peer)

	// OnConnectionChange fires when the channel opens or closes.
	OnConnectionChange func(connected bool)
}

type Config struct {
	// ServerURL is the relay websocket endpoint, e.g. ws://host:8080/ws.
	ServerURL string
	// DocID names the room to join.
	DocID    string
	Identity Identity

	Handlers Handlers
	Settings *Settings   // nil means DefaultSettings
	Logger   *zap.Logger // nil means no logging
	// Disabled starts the manager in the disabled state.
	Disabled bool
}

// Manager keeps one logical session alive across reconnects. It holds at most
// one open channel at any instant: Connect is a no-op while disabled, closing,
// connecting, or connected, so it is safe to call redundantly from any number
// of triggers.
//
// All outbound operations are fire-and-forget; with no open channel they are
// silently dropped and the protocol's sync path covers the gap after
// reconnection.
type Manager struct {
	mu sync.Mutex

	serverURL string
	docID     string
	identity  Identity
	handlers  Handlers
	settings  *Settings
	log       *zap.Logger

	state ConnState
	conn  wsConn
	// gen invalidates callbacks from a superseded connection, timer, or dial.
	gen uint64

	retry          *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	syncReqTimer   *time.Timer

	lastErr      string
	roster       *roster
	debounce     *Debouncer
	pendingState string

	dial    dialFunc
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Manager {
	settings := cfg.Settings
	if settings == nil {
		settings = DefaultSettings()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		serverURL: cfg.ServerURL,
		docID:     cfg.DocID,
		identity:  cfg.Identity,
		handlers:  cfg.Handlers,
		settings:  settings,
		log:       log,
		state:     StateOffline,
		retry:     newRetry(settings),
		roster:    newRoster(),
		debounce:  NewDebouncer(settings.DebounceWindow),
		dial:      gorillaDial(settings),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Disabled {
		m.state = StateDisabled
	}
	return m
}

// newRetry builds the reconnect delay policy: doubling from BackoffInitial up
// to BackoffMax, no jitter, never giving up.
func newRetry(s *Settings) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.BackoffInitial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func gorillaDial(s *Settings) dialFunc {
	return func(ctx context.Context, url string) (wsConn, error) {
		d := websocket.Dialer{HandshakeTimeout: s.HandshakeTimeout}
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Connect opens the channel if nothing stands in the way. It is a no-op while
// disabled, torn down, already connected, or already connecting, which makes
// it safe to call from every trigger that might want a connection.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != StateOffline {
		m.mu.Unlock()
		return
	}
	// Supersede any reconnect timer still pending.
	m.stopReconnectLocked()
	m.state = StateConnecting
	gen := m.gen
	url := m.serverURL
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runConnect(gen, url)
}

func (m *Manager) runConnect(gen uint64, url string) {
	defer m.wg.Done()

	conn, err := m.dial(m.ctx, url)

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		// Disabled, reconfigured, or torn down while dialing.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.lastErr = err.Error()
		m.state = StateOffline
		delay := m.scheduleReconnectLocked(gen)
		m.mu.Unlock()
		m.log.Info("relay dial failed",
			zap.Error(err),
			zap.Duration("retry_in", delay))
		return
	}

	m.conn = conn
	m.state = StateConnected
	m.lastErr = ""
	m.retry.Reset()
	docID := m.docID

	// Ask for state shortly after the join so the relay has finished
	// registering us before a peer replies.
	m.syncReqTimer = time.AfterFunc(m.settings.SyncRequestDelay, m.RequestSync)

	m.wg.Add(1)
	go m.readLoop(conn, gen)
	m.mu.Unlock()

	m.writeConn(conn, &protocol.Message{
		Type:      protocol.KindJoin,
		DocID:     docID,
		UserID:    m.identity.UserID,
		UserName:  m.identity.UserName,
		UserColor: m.identity.UserColor,
	})

	m.log.Info("relay connected", zap.String("doc", docID))
	if m.handlers.OnConnectionChange != nil {
		m.handlers.OnConnectionChange(true)
	}
}

func (m *Manager) readLoop(conn wsConn, gen uint64) {
	defer m.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			m.log.Debug("dropping malformed relay message", zap.Error(err))
			continue
		}
		m.dispatch(msg)
	}
}

// handleClose runs when the channel dies underneath us. An intentional close
// (disable, reconfigure, teardown) bumps gen first, so it lands here as a
// stale no-op; anything else schedules a reconnect.
func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.stopSyncReqLocked()
	m.roster.reset()
	m.lastErr = err.Error()
	m.state = StateOffline
	delay := m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	m.log.Info("relay connection lost",
		zap.Error(err),
		zap.Duration("retry_in", delay))
	if m.handlers.OnConnectionChange != nil {
		m.handlers.OnConnectionChange(false)
	}
	if m.handlers.OnPeersChanged != nil {
		m.handlers.OnPeersChanged(nil)
	}
}

// scheduleReconnectLocked arms the single-shot reconnect timer with the next
// backoff delay. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(gen uint64) time.Duration {
	delay := m.retry.NextBackOff()
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.gen != gen || m.state != StateOffline
		m.mu.Unlock()
		if !stale {
			m.Connect()
		}
	})
	return delay
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopSyncReqLocked() {
	if m.syncReqTimer != nil {
		m.syncReqTimer.Stop()
		m.syncReqTimer = nil
	}
}

// SetEnabled turns the session on or off. Disabling closes the channel and
// cancels any pending reconnect without counting a failure; re-enabling
// resets the backoff and connects immediately.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}

	if !enabled {
		if m.state == StateDisabled {
			m.mu.Unlock()
			return
		}
		wasConnected := m.state == StateConnected
		m.supersedeLocked()
		m.state = StateDisabled
		m.mu.Unlock()

		m.log.Info("session disabled")
		if wasConnected && m.handlers.OnConnectionChange != nil {
			m.handlers.OnConnectionChange(false)
		}
		return
	}

	if m.state != StateDisabled {
		m.mu.Unlock()
		return
	}
	m.state = StateOffline
	m.retry.Reset()
	m.mu.Unlock()

	m.log.Info("session enabled")
	m.Connect()
}

// Reconfigure repoints the session at a new server address and/or document.
// Any open channel is dropped and, unless disabled, a fresh connect starts
// immediately with a reset backoff, superseding any pending reconnect.
func (m *Manager) Reconfigure(serverURL, docID string) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.serverURL = serverURL
	m.docID = docID

	wasConnected := m.state == StateConnected
	disabled := m.state == StateDisabled
	m.supersedeLocked()
	if !disabled {
		m.state = StateOffline
	}
	m.retry.Reset()
	m.mu.Unlock()

	if wasConnected && m.handlers.OnConnectionChange != nil {
		m.handlers.OnConnectionChange(false)
	}
	if !disabled {
		m.Connect()
	}
}

// supersedeLocked invalidates the current connection attempt, channel, and
// timers. Caller holds m.mu and sets the next state.
func (m *Manager) supersedeLocked() {
	m.gen++
	m.stopReconnectLocked()
	m.stopSyncReqLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.roster.reset()
}

// Close tears the session down for good. The intentional-close bookkeeping
// happens before the channel closes, so the read loop never schedules a
// reconnect, and every pending timer is cancelled on the way out.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.supersedeLocked()
	m.state = StateClosed
	m.mu.Unlock()

	m.cancel()
	m.debounce.Stop()
	m.wg.Wait()

	m.log.Info("session closed")
	if wasConnected && m.handlers.OnConnectionChange != nil {
		m.handlers.OnConnectionChange(false)
	}
}

// PushState sends the opaque local state to the room. Dropped silently when
// no channel is open.
func (m *Manager) PushState(state string) {
	m.send(&protocol.Message{
		Type:   protocol.KindSync,
		UserID: m.identity.UserID,
		State:  state,
	})
}

// QueueState schedules a debounced state push: rapid successive calls
// collapse into one PushState of the latest state after a quiet window.
func (m *Manager) QueueState(state string) {
	m.mu.Lock()
	m.pendingState = state
	m.mu.Unlock()

	m.debounce.Trigger(func() {
		m.mu.Lock()
		pending := m.pendingState
		m.mu.Unlock()
		m.PushState(pending)
	})
}

// PushPresence sends the local cursor/selection to the room.
func (m *Manager) PushPresence(cursor, selStart, selEnd *int) {
	m.send(&protocol.Message{
		Type:           protocol.KindPresence,
		UserID:         m.identity.UserID,
		UserName:       m.identity.UserName,
		UserColor:      m.identity.UserColor,
		Cursor:         cursor,
		SelectionStart: selStart,
		SelectionEnd:   selEnd,
	})
}

// RequestSync asks the relay to have one peer send us its state.
func (m *Manager) RequestSync() {
	m.send(&protocol.Message{
		Type:   protocol.KindSyncRequest,
		UserID: m.identity.UserID,
	})
}

// send stamps the room id and writes the message on the open channel, if any.
func (m *Manager) send(msg *protocol.Message) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	msg.DocID = m.docID
	m.mu.Unlock()
	if !connected || conn == nil {
		return
	}
	m.writeConn(conn, msg)
}

func (m *Manager) writeConn(conn wsConn, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		m.log.Warn("encoding outbound message", zap.Error(err))
		return
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop will observe the broken channel and reconnect.
		m.log.Debug("dropping outbound message", zap.Error(err))
	}
}

func (m *Manager) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.KindRoomUsers:
		m.roster.replaceAll(msg.Users)
		m.notifyPeers()

	case protocol.KindUserJoined:
		m.roster.add(protocol.User{
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			UserColor: msg.UserColor,
		})
		m.notifyPeers()

	case protocol.KindUserLeft:
		m.roster.remove(msg.UserID)
		m.notifyPeers()

	case protocol.KindSync:
		if m.handlers.OnSync != nil {
			m.handlers.OnSync(msg.UserID, msg.State)
		}

	case protocol.KindSyncRequest:
		if m.handlers.ProvideState != nil {
			if state, ok := m.handlers.ProvideState(); ok {
				m.PushState(state)
			}
		}

	case protocol.KindPresence:
		m.roster.setPresence(protocol.User{
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			UserColor: msg.UserColor,
		}, Presence{
			Cursor:         msg.Cursor,
			SelectionStart: msg.SelectionStart,
			SelectionEnd:   msg.SelectionEnd,
		})
		m.notifyPeers()

	default:
		// Unknown kinds are ignored.
	}
}

func (m *Manager) notifyPeers() {
	if m.handlers.OnPeersChanged != nil {
		m.handlers.OnPeersChanged(m.roster.snapshot())
	}
}

// Connected reports whether a channel is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport error, or "" after a clean open.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Peers returns a snapshot of the tracked remote participants.
func (m *Manager) Peers() []Peer {
	return m.roster.snapshot()
}
