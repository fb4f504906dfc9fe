// Package muxnet binds an sshmux.Multiplexer to real byte-stream carriers.
//
// A Runner owns a multiplexer, its run loop, and an io.ReadWriteCloser
// carrier. Outbound messages are encoded with package sshwire and written as
// length-prefixed frames; inbound frames are decoded and dispatched onto the
// multiplexer's executor, with one read-complete signal per read burst.
//
// WebSocketConn adapts a gorilla WebSocket connection to the carrier
// contract, and Redialer establishes carriers with jittered backoff retries,
// so a multiplexer can ride a reconnecting WebSocket the same way the
// tunnels this package descends from do.
//
// The framing here is deliberately minimal: 4-byte big-endian length plus an
// sshwire-encoded message body. It is not the SSH binary packet protocol;
// encryption, key exchange and authentication belong to whatever carrier is
// plugged in underneath.
package muxnet

// MaxFrameSize bounds a single inbound frame: the default maximum packet
// size plus message framing overhead.
const MaxFrameSize = (1 << 24) + 1024
