package sshmux

// ChannelHandler is the user-facing event surface of a ChildChannel: the
// pipeline endpoint installed by an Initializer before the channel becomes
// active. All methods are invoked on the multiplexer's executor.
//
// Inbound data delivery is gated (see ChildChannel.Read and the AutoRead
// option): OnData fires only during a delivery batch, and a batch always
// ends with OnReadComplete. EOF and close notifications never overtake
// buffered data.
type ChannelHandler interface {
	// OnActive fires once, when the open handshake completes and the
	// channel may carry data.
	OnActive(c *ChildChannel)

	// OnData delivers one inbound payload. dataType is 0 for the main data
	// stream, or an SSH extended-data type code (sshwire.ExtendedDataStderr
	// for stderr; unrecognized codes are delivered verbatim).
	OnData(c *ChildChannel, dataType uint32, payload []byte)

	// OnReadComplete marks the end of one delivery batch.
	OnReadComplete(c *ChildChannel)

	// OnEOF fires once, when the peer half-closes its output.
	OnEOF(c *ChildChannel)

	// OnRequest delivers an inbound channel request. If wantReply is true
	// the user must eventually call c.RespondRequest.
	OnRequest(c *ChildChannel, requestType string, wantReply bool, payload []byte)

	// OnRequestReply delivers the peer's reply to a locally-sent request
	// with wantReply set. Replies arrive in request order.
	OnRequestReply(c *ChildChannel, success bool)

	// OnWritabilityChanged fires exactly at the edges of the channel's
	// writability, as outstanding outbound bytes cross the configured
	// watermarks.
	OnWritabilityChanged(c *ChildChannel)

	// OnError delivers a channel-fatal error (protocol violation, setup
	// rejection, transport shutdown). The channel is closing; OnClosed
	// follows.
	OnError(c *ChildChannel, err error)

	// OnClosed fires once, after the channel has reached its terminal
	// state and all completions have been resolved.
	OnClosed(c *ChildChannel)
}

// BaseChannelHandler is a ChannelHandler with no-op implementations of every
// event, for embedding in handlers that care about a subset.
type BaseChannelHandler struct{}

func (BaseChannelHandler) OnActive(c *ChildChannel)                                          {}
func (BaseChannelHandler) OnData(c *ChildChannel, dataType uint32, payload []byte)           {}
func (BaseChannelHandler) OnReadComplete(c *ChildChannel)                                    {}
func (BaseChannelHandler) OnEOF(c *ChildChannel)                                             {}
func (BaseChannelHandler) OnRequest(c *ChildChannel, reqType string, wantReply bool, p []byte) {
}
func (BaseChannelHandler) OnRequestReply(c *ChildChannel, success bool) {}
func (BaseChannelHandler) OnWritabilityChanged(c *ChildChannel)        {}
func (BaseChannelHandler) OnError(c *ChildChannel, err error)          {}
func (BaseChannelHandler) OnClosed(c *ChildChannel)                    {}

// Initializer configures a not-yet-active ChildChannel: it installs the
// ChannelHandler and sets options. It runs synchronously during channel
// creation, before any bytes are emitted for the channel. Returning an error
// aborts creation; for a locally-initiated open nothing is emitted, and for
// a peer-initiated open a channelOpenFailure is returned to the peer.
type Initializer func(c *ChildChannel) error
