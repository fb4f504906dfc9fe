package sshmux

import (
	"fmt"

	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// ChannelType identifies what a channel carries, determined at open time.
// The connection layer defines three types; the type-specific open payload
// differs per type.
type ChannelType interface {
	// Name returns the SSH channel type name carried in channelOpen.
	Name() string

	openPayload() []byte
}

// SessionChannel is an interactive or exec session channel.
type SessionChannel struct{}

// Name returns "session".
func (SessionChannel) Name() string { return sshwire.ChannelTypeNameSession }

func (SessionChannel) openPayload() []byte { return nil }

func (SessionChannel) String() string { return sshwire.ChannelTypeNameSession }

// DirectTCPIP is a locally-originated TCP/IP tunnel channel.
type DirectTCPIP struct {
	TargetHost     string
	TargetPort     uint32
	OriginatorHost string
	OriginatorPort uint32
}

// Name returns "direct-tcpip".
func (DirectTCPIP) Name() string { return sshwire.ChannelTypeNameDirectTCPIP }

func (t DirectTCPIP) openPayload() []byte {
	return sshwire.EncodeDirectTCPIPOpen(&sshwire.DirectTCPIPOpen{
		TargetHost:     t.TargetHost,
		TargetPort:     t.TargetPort,
		OriginatorHost: t.OriginatorHost,
		OriginatorPort: t.OriginatorPort,
	})
}

func (t DirectTCPIP) String() string {
	return fmt.Sprintf("direct-tcpip(%s:%d from %s:%d)", t.TargetHost, t.TargetPort, t.OriginatorHost, t.OriginatorPort)
}

// ForwardedTCPIP is a remotely-originated TCP/IP tunnel channel, opened by
// the side that holds the forwarded listener.
type ForwardedTCPIP struct {
	ListeningHost  string
	ListeningPort  uint32
	OriginatorHost string
	OriginatorPort uint32
}

// Name returns "forwarded-tcpip".
func (ForwardedTCPIP) Name() string { return sshwire.ChannelTypeNameForwardedTCPIP }

func (t ForwardedTCPIP) openPayload() []byte {
	return sshwire.EncodeForwardedTCPIPOpen(&sshwire.ForwardedTCPIPOpen{
		ListeningHost:  t.ListeningHost,
		ListeningPort:  t.ListeningPort,
		OriginatorHost: t.OriginatorHost,
		OriginatorPort: t.OriginatorPort,
	})
}

func (t ForwardedTCPIP) String() string {
	return fmt.Sprintf("forwarded-tcpip(%s:%d from %s:%d)", t.ListeningHost, t.ListeningPort, t.OriginatorHost, t.OriginatorPort)
}

// parseChannelType maps an inbound channelOpen to a ChannelType. Unknown
// type names are reported so the open can be failed with reason 3.
func parseChannelType(open *sshwire.ChannelOpen) (ChannelType, error) {
	switch open.ChannelType {
	case sshwire.ChannelTypeNameSession:
		return SessionChannel{}, nil
	case sshwire.ChannelTypeNameDirectTCPIP:
		d, err := sshwire.DecodeDirectTCPIPOpen(open.TypeSpecific)
		if err != nil {
			return nil, err
		}
		return DirectTCPIP{
			TargetHost:     d.TargetHost,
			TargetPort:     d.TargetPort,
			OriginatorHost: d.OriginatorHost,
			OriginatorPort: d.OriginatorPort,
		}, nil
	case sshwire.ChannelTypeNameForwardedTCPIP:
		f, err := sshwire.DecodeForwardedTCPIPOpen(open.TypeSpecific)
		if err != nil {
			return nil, err
		}
		return ForwardedTCPIP{
			ListeningHost:  f.ListeningHost,
			ListeningPort:  f.ListeningPort,
			OriginatorHost: f.OriginatorHost,
			OriginatorPort: f.OriginatorPort,
		}, nil
	}
	return nil, fmt.Errorf("unknown channel type %q", open.ChannelType)
}
