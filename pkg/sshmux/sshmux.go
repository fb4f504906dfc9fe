// Package sshmux implements the SSH connection-layer channel multiplexer:
// the component that carries many independent logical channels (interactive
// sessions, direct and forwarded TCP/IP tunnels) on top of a single
// authenticated SSH transport.
//
// The multiplexer owns the lifecycle of each logical channel, enforces the
// per-channel open handshake and data/EOF/close state machine, applies
// bidirectional windowed flow control with chunking against the peer's
// maximum packet size, demultiplexes inbound messages to the addressed child
// channel, and serializes outbound writes from all children into a single
// ordered message stream handed to a transport-side Delegate.
//
// The package deliberately stops at the parsed-message boundary: it consumes
// already-parsed sshwire.Message values from the transport and emits
// to-be-serialized messages back. Encryption, key exchange, authentication
// and wire framing belong to the transport; see package muxnet for adapters
// that put a Multiplexer on a real byte-stream carrier.
//
// Concurrency model: a Multiplexer and all of its child channels are
// confined to a single cooperative Executor supplied by the Delegate. Every
// operation is synchronous and run-to-completion; there is no internal
// locking. Callers on other goroutines must hop onto the executor with
// Submit before touching the multiplexer or a channel. The only asynchronous
// surface is the Completion callbacks for open, write and close, which fire
// on the executor when the requisite protocol event arrives.
package sshmux

// Completion is a user-visible completion handle for an asynchronous
// operation (open, write, close). It is invoked exactly once, on the
// multiplexer's executor, with nil on success or the failure cause. A nil
// Completion may be passed anywhere one is accepted.
type Completion func(err error)

func complete(done Completion, err error) {
	if done != nil {
		done(err)
	}
}

// Default flow-control parameters applied when MuxConfig leaves them zero.
const (
	DefaultInitialWindowSize = 1 << 24
	DefaultMaxPacketSize     = 1 << 24
)

// MuxConfig carries the tunable parameters of a Multiplexer. The zero value
// selects the defaults.
type MuxConfig struct {
	// InitialWindowSize is the inbound flow-control window offered to the
	// peer for every channel, and the basis for the replenish threshold.
	InitialWindowSize uint32

	// MaxPacketSize is the maximum data payload length offered to the peer
	// for every channel.
	MaxPacketSize uint32

	// WriteHighWatermark is the number of locally-buffered plus
	// unacknowledged outbound bytes at or above which a channel reports
	// itself unwritable. Defaults to InitialWindowSize.
	WriteHighWatermark uint64

	// WriteLowWatermark is the level the outstanding byte count must fall
	// to or below before a channel becomes writable again. Defaults to
	// WriteHighWatermark / 2.
	WriteLowWatermark uint64

	// GraceSetLimit bounds the number of recently-closed channel ids kept
	// reserved to absorb stale in-flight traffic from the peer. Oldest
	// entries are evicted first. Defaults to 1024.
	GraceSetLimit int
}

func (c MuxConfig) withDefaults() MuxConfig {
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = DefaultInitialWindowSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.WriteHighWatermark == 0 {
		c.WriteHighWatermark = uint64(c.InitialWindowSize)
	}
	if c.WriteLowWatermark == 0 {
		c.WriteLowWatermark = c.WriteHighWatermark / 2
	}
	if c.GraceSetLimit == 0 {
		c.GraceSetLimit = 1024
	}
	return c
}
