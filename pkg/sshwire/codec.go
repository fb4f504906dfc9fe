package sshwire

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Encode serializes a Message to SSH wire format, including the leading
// message-number byte.
func Encode(m Message) []byte {
	return ssh.Marshal(m)
}

// Decode parses one SSH connection-layer message from b. The first byte of b
// must be the message number. Messages outside the connection-layer subset
// (90..100) and malformed payloads are rejected.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("sshwire: empty message")
	}
	var m Message
	switch b[0] {
	case MsgNumChannelOpen:
		m = new(ChannelOpen)
	case MsgNumChannelOpenConfirmation:
		m = new(ChannelOpenConfirmation)
	case MsgNumChannelOpenFailure:
		m = new(ChannelOpenFailure)
	case MsgNumChannelWindowAdjust:
		m = new(ChannelWindowAdjust)
	case MsgNumChannelData:
		m = new(ChannelData)
	case MsgNumChannelExtendedData:
		m = new(ChannelExtendedData)
	case MsgNumChannelEOF:
		m = new(ChannelEOF)
	case MsgNumChannelClose:
		m = new(ChannelClose)
	case MsgNumChannelRequest:
		m = new(ChannelRequest)
	case MsgNumChannelSuccess:
		m = new(ChannelSuccess)
	case MsgNumChannelFailure:
		m = new(ChannelFailure)
	default:
		return nil, fmt.Errorf("sshwire: unexpected message number %d", b[0])
	}
	if err := ssh.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("sshwire: bad message %d: %s", b[0], err)
	}
	return m, nil
}

// EncodeDirectTCPIPOpen serializes the type-specific portion of a
// "direct-tcpip" open.
func EncodeDirectTCPIPOpen(d *DirectTCPIPOpen) []byte {
	return ssh.Marshal(d)
}

// DecodeDirectTCPIPOpen parses the type-specific portion of a
// "direct-tcpip" open.
func DecodeDirectTCPIPOpen(b []byte) (*DirectTCPIPOpen, error) {
	d := new(DirectTCPIPOpen)
	if err := ssh.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("sshwire: bad direct-tcpip open data: %s", err)
	}
	return d, nil
}

// EncodeForwardedTCPIPOpen serializes the type-specific portion of a
// "forwarded-tcpip" open.
func EncodeForwardedTCPIPOpen(f *ForwardedTCPIPOpen) []byte {
	return ssh.Marshal(f)
}

// DecodeForwardedTCPIPOpen parses the type-specific portion of a
// "forwarded-tcpip" open.
func DecodeForwardedTCPIPOpen(b []byte) (*ForwardedTCPIPOpen, error) {
	f := new(ForwardedTCPIPOpen)
	if err := ssh.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("sshwire: bad forwarded-tcpip open data: %s", err)
	}
	return f, nil
}
