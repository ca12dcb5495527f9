package client

import "time"

// Settings are the lifecycle manager's tunables. The defaults match the
// production protocol; tests shrink the durations.
type Settings struct {
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration

	// SyncRequestDelay is how long after the join to wait before asking a peer
	// for state, giving the relay time to finish registering the session.
	SyncRequestDelay time.Duration

	// BackoffInitial and BackoffMax bound the reconnect delay, which doubles
	// per consecutive failure: initial, 2x, 4x, ... capped at max. No jitter.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// DebounceWindow is the trailing quiet interval for coalesced state pushes.
	DebounceWindow time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		SyncRequestDelay: 100 * time.Millisecond,
		BackoffInitial:   time.Second,
		BackoffMax:       30 * time.Second,
		DebounceWindow:   150 * time.Millisecond,
	}
}
