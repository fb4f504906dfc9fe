package sshmux

import (
	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// Delegate is the boundary between a Multiplexer and the transport that
// carries it. The transport side implements Delegate; the multiplexer is the
// only caller.
//
// WriteFromParent and FlushFromParent are invoked on the multiplexer's
// executor, in the exact order the multiplexer emits messages; the delegate
// must preserve that order on the wire. Payload buffers reachable from msg
// are owned by the multiplexer: the delegate may read them until it fires
// done, and must not retain them afterwards.
type Delegate interface {
	// WriteFromParent hands one outbound message to the transport. done,
	// which may be nil, is fired on the executor once the message has been
	// accepted by the transport (or with the write failure).
	WriteFromParent(msg sshwire.Message, done Completion)

	// FlushFromParent marks the end of a burst of WriteFromParent calls,
	// letting the transport push buffered messages to the wire.
	FlushFromParent()

	// Executor returns the cooperative executor the multiplexer and all of
	// its children are confined to.
	Executor() Executor
}
