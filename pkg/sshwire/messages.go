// Package sshwire defines parsed representations of the SSH connection-layer
// messages described in RFC 4254, section 5, together with a codec that
// converts them to and from SSH wire format.
//
// These are the messages that flow between an SSH transport and a channel
// multiplexer. The multiplexer in package sshmux consumes and produces values
// of the Message interface; the adapters in package muxnet use Encode and
// Decode to move them across a byte-stream carrier. Transport-layer concerns
// (encryption, key exchange, authentication) are outside this package.
package sshwire

// SSH connection-protocol message numbers, per RFC 4254 section 9.
const (
	MsgNumChannelOpen             = 90
	MsgNumChannelOpenConfirmation = 91
	MsgNumChannelOpenFailure      = 92
	MsgNumChannelWindowAdjust     = 93
	MsgNumChannelData             = 94
	MsgNumChannelExtendedData     = 95
	MsgNumChannelEOF              = 96
	MsgNumChannelClose            = 97
	MsgNumChannelRequest          = 98
	MsgNumChannelSuccess          = 99
	MsgNumChannelFailure          = 100
)

// Channel-open failure reason codes, per RFC 4254 section 5.1.
const (
	OpenFailureAdministrativelyProhibited uint32 = 1
	OpenFailureConnectFailed              uint32 = 2
	OpenFailureUnknownChannelType         uint32 = 3
	OpenFailureResourceShortage           uint32 = 4
)

// ExtendedDataStderr is the only extended-data type code assigned by
// RFC 4254 (section 5.2). Other codes are carried verbatim.
const ExtendedDataStderr uint32 = 1

// Channel type names carried in ChannelOpen, per RFC 4254.
const (
	ChannelTypeNameSession        = "session"
	ChannelTypeNameDirectTCPIP    = "direct-tcpip"
	ChannelTypeNameForwardedTCPIP = "forwarded-tcpip"
)

// Message is a parsed SSH connection-layer message. It is a sealed
// interface: only the message types in this package implement it.
type Message interface {
	// MessageNum returns the SSH message number of this message.
	MessageNum() byte

	wireMessage()
}

// ChannelOpen requests creation of a new channel (SSH_MSG_CHANNEL_OPEN).
// SenderID is the id the *sender* allocated for the channel; the receiver
// addresses all subsequent traffic for the channel to that id.
type ChannelOpen struct {
	ChannelType   string `sshtype:"90"`
	SenderID      uint32
	InitialWindow uint32
	MaxPacket     uint32
	TypeSpecific  []byte `ssh:"rest"`
}

// ChannelOpenConfirmation accepts a ChannelOpen
// (SSH_MSG_CHANNEL_OPEN_CONFIRMATION).
type ChannelOpenConfirmation struct {
	Recipient     uint32 `sshtype:"91"`
	SenderID      uint32
	InitialWindow uint32
	MaxPacket     uint32
}

// ChannelOpenFailure rejects a ChannelOpen (SSH_MSG_CHANNEL_OPEN_FAILURE).
type ChannelOpenFailure struct {
	Recipient   uint32 `sshtype:"92"`
	Reason      uint32
	Description string
	Language    string
}

// ChannelWindowAdjust grants the peer AdditionalBytes more bytes of flow
// control window (SSH_MSG_CHANNEL_WINDOW_ADJUST).
type ChannelWindowAdjust struct {
	Recipient       uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

// ChannelData carries a payload on the channel's main stream
// (SSH_MSG_CHANNEL_DATA).
type ChannelData struct {
	Recipient uint32 `sshtype:"94"`
	Payload   []byte
}

// ChannelExtendedData carries a payload on a typed auxiliary stream,
// normally stderr (SSH_MSG_CHANNEL_EXTENDED_DATA).
type ChannelExtendedData struct {
	Recipient    uint32 `sshtype:"95"`
	DataTypeCode uint32
	Payload      []byte
}

// ChannelEOF announces that the sender will transmit no more data on the
// channel (SSH_MSG_CHANNEL_EOF).
type ChannelEOF struct {
	Recipient uint32 `sshtype:"96"`
}

// ChannelClose requests full closure of the channel (SSH_MSG_CHANNEL_CLOSE).
type ChannelClose struct {
	Recipient uint32 `sshtype:"97"`
}

// ChannelRequest carries a channel-specific request such as "pty-req" or
// "exec" (SSH_MSG_CHANNEL_REQUEST).
type ChannelRequest struct {
	Recipient   uint32 `sshtype:"98"`
	RequestType string
	WantReply   bool
	Payload     []byte `ssh:"rest"`
}

// ChannelSuccess is the positive reply to a ChannelRequest with WantReply
// set (SSH_MSG_CHANNEL_SUCCESS).
type ChannelSuccess struct {
	Recipient uint32 `sshtype:"99"`
}

// ChannelFailure is the negative reply to a ChannelRequest with WantReply
// set (SSH_MSG_CHANNEL_FAILURE).
type ChannelFailure struct {
	Recipient uint32 `sshtype:"100"`
}

func (*ChannelOpen) MessageNum() byte             { return MsgNumChannelOpen }
func (*ChannelOpenConfirmation) MessageNum() byte { return MsgNumChannelOpenConfirmation }
func (*ChannelOpenFailure) MessageNum() byte      { return MsgNumChannelOpenFailure }
func (*ChannelWindowAdjust) MessageNum() byte     { return MsgNumChannelWindowAdjust }
func (*ChannelData) MessageNum() byte             { return MsgNumChannelData }
func (*ChannelExtendedData) MessageNum() byte     { return MsgNumChannelExtendedData }
func (*ChannelEOF) MessageNum() byte              { return MsgNumChannelEOF }
func (*ChannelClose) MessageNum() byte            { return MsgNumChannelClose }
func (*ChannelRequest) MessageNum() byte          { return MsgNumChannelRequest }
func (*ChannelSuccess) MessageNum() byte          { return MsgNumChannelSuccess }
func (*ChannelFailure) MessageNum() byte          { return MsgNumChannelFailure }

func (*ChannelOpen) wireMessage()             {}
func (*ChannelOpenConfirmation) wireMessage() {}
func (*ChannelOpenFailure) wireMessage()      {}
func (*ChannelWindowAdjust) wireMessage()     {}
func (*ChannelData) wireMessage()             {}
func (*ChannelExtendedData) wireMessage()     {}
func (*ChannelEOF) wireMessage()              {}
func (*ChannelClose) wireMessage()            {}
func (*ChannelRequest) wireMessage()          {}
func (*ChannelSuccess) wireMessage()          {}
func (*ChannelFailure) wireMessage()          {}

// RecipientID returns the local channel id a message is addressed to, and
// whether the message carries one. ChannelOpen is the only connection-layer
// message without a recipient; it is routed by channel type instead.
func RecipientID(m Message) (uint32, bool) {
	switch t := m.(type) {
	case *ChannelOpenConfirmation:
		return t.Recipient, true
	case *ChannelOpenFailure:
		return t.Recipient, true
	case *ChannelWindowAdjust:
		return t.Recipient, true
	case *ChannelData:
		return t.Recipient, true
	case *ChannelExtendedData:
		return t.Recipient, true
	case *ChannelEOF:
		return t.Recipient, true
	case *ChannelClose:
		return t.Recipient, true
	case *ChannelRequest:
		return t.Recipient, true
	case *ChannelSuccess:
		return t.Recipient, true
	case *ChannelFailure:
		return t.Recipient, true
	}
	return 0, false
}

// DirectTCPIPOpen is the type-specific portion of a "direct-tcpip"
// ChannelOpen, per RFC 4254 section 7.2.
type DirectTCPIPOpen struct {
	TargetHost     string
	TargetPort     uint32
	OriginatorHost string
	OriginatorPort uint32
}

// ForwardedTCPIPOpen is the type-specific portion of a "forwarded-tcpip"
// ChannelOpen, per RFC 4254 section 7.2.
type ForwardedTCPIPOpen struct {
	ListeningHost  string
	ListeningPort  uint32
	OriginatorHost string
	OriginatorPort uint32
}
