package sshmux

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshmux/pkg/sshwire"
)

var lastMuxID int64

// Multiplexer carries many independent logical channels on one SSH
// transport. It owns the map of live channels, allocates local channel ids,
// routes inbound messages to the addressed child, and serializes outbound
// messages from all children through the Delegate.
//
// A Multiplexer and its children are confined to the executor supplied by
// the Delegate; every method must be called on it. Per-channel failures are
// isolated: they tear down the affected child and never poison the
// multiplexer or its siblings.
type Multiplexer struct {
	lg       logger.Logger
	cfg      MuxConfig
	delegate Delegate
	exec     Executor

	channels map[uint32]*ChildChannel
	nextID   uint32

	// graceSet holds ids of recently-torn-down channels. Stale in-flight
	// peer traffic for these ids is absorbed silently instead of escalating
	// to a transport-level error; the peer's channelClose (or FIFO
	// eviction) releases the reservation.
	graceSet  map[uint32]struct{}
	graceFIFO []uint32

	inboundInit Initializer

	parentGone     bool
	handlerRemoved bool
}

// NewMultiplexer creates a Multiplexer bound to delegate. The zero MuxConfig
// selects the defaults.
func NewMultiplexer(lg logger.Logger, delegate Delegate, cfg MuxConfig) *Multiplexer {
	id := atomic.AddInt64(&lastMuxID, 1)
	m := &Multiplexer{
		lg:       lg.ForkLogStr(fmt.Sprintf("<Multiplexer #%d>", id)),
		cfg:      cfg.withDefaults(),
		delegate: delegate,
		exec:     delegate.Executor(),
		channels: make(map[uint32]*ChildChannel),
		graceSet: make(map[uint32]struct{}),
	}
	return m
}

// Executor returns the cooperative executor the multiplexer is confined to.
func (m *Multiplexer) Executor() Executor { return m.exec }

// SetInboundInitializer registers the initializer invoked for peer-initiated
// channel opens. While no initializer is registered, inbound opens are
// refused with an administratively-prohibited open failure.
func (m *Multiplexer) SetInboundInitializer(init Initializer) { m.inboundInit = init }

// NumChannels returns the number of live child channels.
func (m *Multiplexer) NumChannels() int { return len(m.channels) }

// Receive dispatches one parsed connection-layer message from the
// transport. It returns a *ProtocolViolationError for a message addressing
// a channel that is neither live nor in the post-close grace window;
// messages for grace-window ids are absorbed silently. Violations *within*
// a live channel tear that channel down through its own error path and do
// not surface here.
func (m *Multiplexer) Receive(msg sshwire.Message) error {
	if m.parentGone {
		m.lg.DLogf("message %d after parent inactive; dropped", msg.MessageNum())
		return nil
	}
	if open, ok := msg.(*sshwire.ChannelOpen); ok {
		m.handleOpen(open)
		return nil
	}
	id, ok := sshwire.RecipientID(msg)
	if !ok {
		return protocolViolationf("message %d carries no channel id", msg.MessageNum())
	}
	if c, ok := m.channels[id]; ok {
		m.dispatch(c, msg)
		return nil
	}
	if _, ok := m.graceSet[id]; ok {
		if _, isClose := msg.(*sshwire.ChannelClose); isClose {
			m.lg.DLogf("grace-window close for channel %d; reservation released", id)
			delete(m.graceSet, id)
		} else {
			m.lg.DLogf("stale message %d for channel %d in grace window; dropped", msg.MessageNum(), id)
		}
		return nil
	}
	return protocolViolationf("message %d for unknown channel %d", msg.MessageNum(), id)
}

func (m *Multiplexer) dispatch(c *ChildChannel, msg sshwire.Message) {
	switch t := msg.(type) {
	case *sshwire.ChannelOpenConfirmation:
		c.handleOpenConfirmation(t)
	case *sshwire.ChannelOpenFailure:
		c.handleOpenFailure(t)
	case *sshwire.ChannelWindowAdjust:
		c.handleWindowAdjust(t)
	case *sshwire.ChannelData:
		c.handleData(0, t.Payload)
	case *sshwire.ChannelExtendedData:
		c.handleData(t.DataTypeCode, t.Payload)
	case *sshwire.ChannelEOF:
		c.handleEOF()
	case *sshwire.ChannelClose:
		c.handleClose()
	case *sshwire.ChannelRequest:
		c.handleRequest(t)
	case *sshwire.ChannelSuccess:
		c.handleRequestReply(true)
	case *sshwire.ChannelFailure:
		c.handleRequestReply(false)
	}
}

// ReadComplete signals the end of a transport read burst, triggering
// batched inbound delivery on every child that is ready to read.
func (m *Multiplexer) ReadComplete() {
	if m.parentGone {
		return
	}
	// Delivery can terminate channels and mutate the map; snapshot first.
	snapshot := make([]*ChildChannel, 0, len(m.channels))
	for _, c := range m.channels {
		snapshot = append(snapshot, c)
	}
	for _, c := range snapshot {
		c.onParentReadComplete()
	}
}

// ParentInactive reports that the transport has disconnected. Every child
// transitions to its terminal state with ErrTCPShutdown; pending open,
// write and close completions fire with that cause.
func (m *Multiplexer) ParentInactive() {
	if m.parentGone {
		return
	}
	m.lg.ILogf("parent transport inactive; closing %d channels", len(m.channels))
	m.parentGone = true
	snapshot := make([]*ChildChannel, 0, len(m.channels))
	for _, c := range m.channels {
		snapshot = append(snapshot, c)
	}
	for _, c := range snapshot {
		c.terminate(ErrTCPShutdown, false)
	}
	m.graceSet = make(map[uint32]struct{})
	m.graceFIFO = nil
}

// ParentHandlerRemoved reports that the transport handler detached from the
// multiplexer. Subsequent child writes fail with ErrIOOnClosedChannel, and
// subsequent CreateChildChannel calls fail with a protocol violation.
func (m *Multiplexer) ParentHandlerRemoved() {
	m.handlerRemoved = true
}

// CreateChildChannel performs a locally-initiated open: it allocates the
// next local id, runs initializer synchronously on the not-yet-active
// channel, and emits channelOpen. done is held until the peer's
// confirmation or failure arrives (or the parent goes inactive). If the
// initializer fails, done completes with its error and nothing is emitted
// on the wire.
func (m *Multiplexer) CreateChildChannel(ctype ChannelType, initializer Initializer, done Completion) {
	if m.handlerRemoved {
		complete(done, protocolViolationf("channel creation after parent handler removed"))
		return
	}
	if m.parentGone {
		complete(done, ErrTCPShutdown)
		return
	}
	id := m.allocID()
	c := newChildChannel(m, id, ctype)
	c.openDone = done
	m.channels[id] = c
	if initializer != nil {
		if err := initializer(c); err != nil {
			delete(m.channels, id)
			c.openDone = nil
			complete(done, err)
			return
		}
	}
	c.sm.sendOpen()
	m.lg.DLogf("opening channel %d (%s)", id, ctype.Name())
	m.sendToParent(&sshwire.ChannelOpen{
		ChannelType:   ctype.Name(),
		SenderID:      id,
		InitialWindow: m.cfg.InitialWindowSize,
		MaxPacket:     m.cfg.MaxPacketSize,
		TypeSpecific:  ctype.openPayload(),
	}, nil)
	m.flushParent()
}

func (m *Multiplexer) handleOpen(open *sshwire.ChannelOpen) {
	if m.inboundInit == nil {
		m.lg.DLogf("inbound open %q refused; no initializer registered", open.ChannelType)
		m.refuseOpen(open.SenderID, sshwire.OpenFailureAdministrativelyProhibited, "channel opens not accepted")
		return
	}
	ctype, err := parseChannelType(open)
	if err != nil {
		m.refuseOpen(open.SenderID, sshwire.OpenFailureUnknownChannelType, err.Error())
		return
	}
	id := m.allocID()
	c := newChildChannel(m, id, ctype)
	c.peerID = open.SenderID
	c.fc.setPeerLimits(open.InitialWindow, open.MaxPacket)
	m.channels[id] = c
	if err := m.inboundInit(c); err != nil {
		reason := sshwire.OpenFailureConnectFailed
		desc := err.Error()
		var rej *ChannelSetupRejectedError
		if errors.As(err, &rej) {
			reason = rej.Reason
			desc = rej.Description
		}
		m.refuseOpen(open.SenderID, reason, desc)
		// The pipeline was already added; its error path sees the
		// rejection before the channel is discarded.
		cause := &ChannelSetupRejectedError{Reason: reason, Description: desc}
		c.surfaceError(cause)
		c.terminate(cause, false)
		return
	}
	c.sm.openedByPeer()
	m.lg.DLogf("accepted inbound channel %d (%s), peer id %d", id, ctype.Name(), open.SenderID)
	m.sendToParent(&sshwire.ChannelOpenConfirmation{
		Recipient:     open.SenderID,
		SenderID:      id,
		InitialWindow: m.cfg.InitialWindowSize,
		MaxPacket:     m.cfg.MaxPacketSize,
	}, nil)
	m.flushParent()
	if c.handler != nil {
		c.handler.OnActive(c)
	}
}

func (m *Multiplexer) refuseOpen(peerSender uint32, reason uint32, desc string) {
	m.sendToParent(&sshwire.ChannelOpenFailure{
		Recipient:   peerSender,
		Reason:      reason,
		Description: desc,
	}, nil)
	m.flushParent()
}

// channelError tears down a single failed channel: the error surfaces on
// the child's pipeline, channelClose is emitted, and the id stays reserved
// in the grace window so a stale in-flight burst from the peer cannot
// escalate into a transport-level error.
func (m *Multiplexer) channelError(c *ChildChannel, err error) {
	m.lg.DLogf("channel %d error: %s", c.localID, err)
	c.surfaceError(err)
	c.emitLocalClose()
	c.terminate(err, true)
}

// allocID allocates the next local channel id, monotonically with wrap,
// skipping ids that are live or still reserved in the grace window.
func (m *Multiplexer) allocID() uint32 {
	for {
		id := m.nextID
		m.nextID++ // wraps arithmetically
		if _, live := m.channels[id]; live {
			continue
		}
		if _, reserved := m.graceSet[id]; reserved {
			continue
		}
		return id
	}
}

// removeChannel drops a terminal channel from the map, optionally reserving
// its id in the bounded grace set.
func (m *Multiplexer) removeChannel(c *ChildChannel, withGrace bool) {
	delete(m.channels, c.localID)
	if !withGrace || m.parentGone {
		return
	}
	if _, ok := m.graceSet[c.localID]; ok {
		return
	}
	m.graceSet[c.localID] = struct{}{}
	m.graceFIFO = append(m.graceFIFO, c.localID)
	for len(m.graceFIFO) > m.cfg.GraceSetLimit {
		evicted := m.graceFIFO[0]
		m.graceFIFO = m.graceFIFO[1:]
		delete(m.graceSet, evicted)
	}
}

func (m *Multiplexer) sendToParent(msg sshwire.Message, done Completion) {
	if m.parentGone || m.handlerRemoved {
		complete(done, ErrIOOnClosedChannel)
		return
	}
	m.delegate.WriteFromParent(msg, done)
}

func (m *Multiplexer) flushParent() {
	if m.parentGone || m.handlerRemoved {
		return
	}
	m.delegate.FlushFromParent()
}
