package sshmux

import (
	"fmt"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// CloseMode selects which direction(s) of a channel a close request affects.
type CloseMode int

const (
	// CloseAll performs a full bidirectional close.
	CloseAll CloseMode = iota

	// CloseOutput half-closes the output side by sending channelEOF after
	// all pending writes; the peer may keep sending to us.
	CloseOutput

	// CloseInput is not supported by the SSH connection protocol; requests
	// complete with ErrOperationUnsupported.
	CloseInput
)

// ChildChannel is one logical channel multiplexed on the parent transport:
// the user-facing endpoint carrying an outbound write queue, a gated inbound
// read buffer, and the channel's state machine and flow controller.
//
// All methods must be called on the multiplexer's executor. User-visible
// events are dispatched to the ChannelHandler installed by the channel's
// Initializer.
type ChildChannel struct {
	mux *Multiplexer
	lg  logger.Logger

	localID uint32
	peerID  uint32
	ctype   ChannelType

	sm stateMachine
	fc flowController

	handler ChannelHandler

	writeQ         writeQueue
	inFlightWrites int
	eofQueued      bool

	inQ         inboundQueue
	autoRead    bool
	readPending bool

	allowRemoteHalfClosure bool

	openDone       Completion
	closeRequested bool
	closeDone      Completion

	bytesEmitted   uint64
	bytesDelivered uint64

	draining      bool
	terminated    bool
	errorSurfaced bool
}

func newChildChannel(m *Multiplexer, localID uint32, ctype ChannelType) *ChildChannel {
	c := &ChildChannel{
		mux:      m,
		localID:  localID,
		ctype:    ctype,
		autoRead: true,
		fc:       newFlowController(m.cfg.WriteHighWatermark, m.cfg.WriteLowWatermark, m.cfg.InitialWindowSize),
	}
	c.lg = m.lg.ForkLogStr(fmt.Sprintf("[%d]<ChildChannel %s>", localID, ctype.Name()))
	return c
}

func (c *ChildChannel) String() string {
	return fmt.Sprintf("[%d]<ChildChannel %s>", c.localID, c.ctype.Name())
}

// SetHandler installs the user pipeline endpoint. It is normally called from
// the channel's Initializer, before activation.
func (c *ChildChannel) SetHandler(h ChannelHandler) { c.handler = h }

// Handler returns the installed pipeline endpoint, or nil.
func (c *ChildChannel) Handler() ChannelHandler { return c.handler }

// LocalID returns the channel id allocated by this side.
func (c *ChildChannel) LocalID() uint32 { return c.localID }

// PeerID returns the id the peer allocated for this channel. It is zero
// until the open handshake succeeds.
func (c *ChildChannel) PeerID() uint32 { return c.peerID }

// Type returns the channel type determined at open time.
func (c *ChildChannel) Type() ChannelType { return c.ctype }

// PeerMaxMessageLength returns the negotiated outbound maximum packet size.
func (c *ChildChannel) PeerMaxMessageLength() uint32 { return c.fc.maxPacket }

// IsWritable reports the channel's writability flag: it turns off when
// outstanding outbound bytes reach the high watermark and back on only once
// they fall to the low watermark. Writes are still accepted while
// unwritable; the flag is the back-pressure signal.
func (c *ChildChannel) IsWritable() bool { return c.fc.writable }

// IsActive reports whether the open handshake has completed and no close
// has begun.
func (c *ChildChannel) IsActive() bool { return c.sm.isActive() && !c.terminated }

// AutoRead reports whether inbound delivery batches fire on every transport
// read-complete signal.
func (c *ChildChannel) AutoRead() bool { return c.autoRead }

// SetAutoRead switches between automatic and manual (Read-driven) inbound
// delivery. Turning it on with events already buffered schedules a delivery
// batch.
func (c *ChildChannel) SetAutoRead(v bool) {
	c.autoRead = v
	if v && !c.inQ.empty() {
		c.mux.exec.Submit(func() {
			if !c.terminated && c.autoRead && !c.inQ.empty() {
				c.deliverBatch()
			}
		})
	}
}

// AllowRemoteHalfClosure reports whether a peer EOF leaves the channel open
// for outbound traffic.
func (c *ChildChannel) AllowRemoteHalfClosure() bool { return c.allowRemoteHalfClosure }

// SetAllowRemoteHalfClosure controls the reaction to a peer EOF: when false
// (the default), receiving EOF triggers a full close after the EOF has been
// delivered.
func (c *ChildChannel) SetAllowRemoteHalfClosure(v bool) { c.allowRemoteHalfClosure = v }

// Write queues payload for the channel's main data stream. The write is
// emitted on Flush, chunked against the peer's window and max packet size;
// done fires once the entire payload has been accepted by the transport.
// The payload buffer is owned by the channel until done fires.
func (c *ChildChannel) Write(payload []byte, done Completion) {
	c.WriteExtended(0, payload, done)
}

// WriteExtended queues payload for a typed auxiliary stream; dataType
// sshwire.ExtendedDataStderr is the stderr stream. dataType 0 selects the
// main stream.
func (c *ChildChannel) WriteExtended(dataType uint32, payload []byte, done Completion) {
	if c.eofQueued {
		complete(done, ErrOutputClosed)
		return
	}
	if err := c.sm.checkSendData(); err != nil {
		complete(done, err)
		return
	}
	if c.mux.handlerRemoved {
		complete(done, ErrIOOnClosedChannel)
		return
	}
	c.fc.noteUserWrite(len(payload))
	c.writeQ.push(outboundEntry{payload: payload, dataType: dataType, done: done})
	c.notifyWritability()
}

// Flush makes every queued write eligible for emission and emits as much as
// the outbound window allows.
func (c *ChildChannel) Flush() {
	c.writeQ.markAllFlushed()
	if c.drainWrites() > 0 {
		c.mux.flushParent()
	}
}

// Read triggers one manual delivery batch: every inbound event buffered at
// the moment of the call is delivered, in order. If nothing is buffered, the
// next events to arrive are delivered at the following transport
// read-complete signal. In auto-read mode Read is one implicit read cycle.
func (c *ChildChannel) Read() {
	if c.terminated {
		return
	}
	if !c.inQ.empty() {
		c.deliverBatch()
	} else {
		c.readPending = true
	}
}

// Close requests a full close of the channel. Equivalent to
// CloseWithMode(CloseAll, done).
func (c *ChildChannel) Close(done Completion) {
	c.CloseWithMode(CloseAll, done)
}

// CloseWithMode requests a close of the given mode. A second CloseAll
// request on a channel already closing or closed completes with
// ErrAlreadyClosed and does not alter state. A CloseAll during the open
// handshake is queued: once the peer confirms, the close is emitted; if the
// peer rejects the open, done completes with the setup rejection.
func (c *ChildChannel) CloseWithMode(mode CloseMode, done Completion) {
	switch mode {
	case CloseAll:
		if c.terminated || c.sm.isClosed() || c.closeRequested {
			complete(done, ErrAlreadyClosed)
			return
		}
		c.closeRequested = true
		c.closeDone = done
		if c.sm.isOpening() {
			c.DLogf("close queued until open handshake resolves")
			return
		}
		c.beginClose()
	case CloseOutput:
		c.closeOutput(done)
	case CloseInput:
		complete(done, ErrOperationUnsupported)
	default:
		complete(done, ErrOperationUnsupported)
	}
}

// SendRequest emits a channelRequest. If wantReply is set, the peer's reply
// surfaces later through OnRequestReply; replies arrive in request order.
// done fires when the request has been accepted by the transport.
func (c *ChildChannel) SendRequest(requestType string, wantReply bool, payload []byte, done Completion) {
	if c.terminated || c.sm.isClosed() || c.sm.sentClose {
		complete(done, ErrAlreadyClosed)
		return
	}
	if !c.sm.isActive() {
		complete(done, ErrIOOnClosedChannel)
		return
	}
	c.mux.sendToParent(&sshwire.ChannelRequest{
		Recipient:   c.peerID,
		RequestType: requestType,
		WantReply:   wantReply,
		Payload:     payload,
	}, done)
	c.mux.flushParent()
}

// RespondRequest emits channelSuccess or channelFailure to the peer. The
// reply carries no request identifier; the peer pairs replies with its
// requests in order, so each call answers the oldest inbound request still
// awaiting a reply.
func (c *ChildChannel) RespondRequest(success bool) {
	if c.terminated || c.sm.sentClose {
		c.DLogf("request reply dropped; channel closing")
		return
	}
	var msg sshwire.Message
	if success {
		msg = &sshwire.ChannelSuccess{Recipient: c.peerID}
	} else {
		msg = &sshwire.ChannelFailure{Recipient: c.peerID}
	}
	c.mux.sendToParent(msg, nil)
	c.mux.flushParent()
}

// DLogf logs a debug message with the channel's prefix.
func (c *ChildChannel) DLogf(format string, args ...interface{}) {
	c.lg.DLogf(format, args...)
}

// ---- outbound path ----

func (c *ChildChannel) closeOutput(done Completion) {
	if c.eofQueued || c.sm.sentEOF {
		complete(done, ErrOutputClosed)
		return
	}
	if err := c.sm.checkSendData(); err != nil {
		complete(done, err)
		return
	}
	c.eofQueued = true
	c.writeQ.push(outboundEntry{eof: true, flushed: true, done: done})
	if c.drainWrites() > 0 {
		c.mux.flushParent()
	}
}

// drainWrites emits flushed queue entries while the window permits,
// splitting entries against the window and the peer's max packet size. It
// returns the number of messages handed to the parent. An EOF entry is
// emitted only once every earlier write has fully resolved.
func (c *ChildChannel) drainWrites() int {
	if c.draining {
		return 0
	}
	c.draining = true
	defer func() { c.draining = false }()

	emitted := 0
	for !c.writeQ.empty() {
		e := c.writeQ.head()
		if !e.flushed {
			break
		}
		if e.eof {
			if c.inFlightWrites > 0 {
				break
			}
			ent := c.writeQ.pop()
			c.emitEOF(ent.done)
			emitted++
			continue
		}
		budget := c.fc.chunkBudget(len(e.payload))
		if budget == 0 {
			break
		}
		chunk := e.payload[:budget:budget]
		dataType := e.dataType
		final := budget == len(e.payload)
		var done Completion
		if final {
			ent := c.writeQ.pop()
			done = ent.done
		} else {
			e.payload = e.payload[budget:]
		}
		c.fc.consumeOutbound(budget)
		c.bytesEmitted += uint64(budget)

		var msg sshwire.Message
		if dataType == 0 {
			msg = &sshwire.ChannelData{Recipient: c.peerID, Payload: chunk}
		} else {
			msg = &sshwire.ChannelExtendedData{Recipient: c.peerID, DataTypeCode: dataType, Payload: chunk}
		}
		isFinal := final
		entryDone := done
		c.inFlightWrites++
		c.mux.sendToParent(msg, func(err error) {
			c.inFlightWrites--
			if isFinal {
				complete(entryDone, err)
			}
			// A queued EOF may have become emittable.
			if !c.terminated && c.drainWrites() > 0 {
				c.mux.flushParent()
			}
		})
		emitted++
	}
	return emitted
}

func (c *ChildChannel) emitEOF(done Completion) {
	if err := c.sm.sendEOF(); err != nil {
		complete(done, err)
		return
	}
	c.DLogf("sending EOF")
	c.mux.sendToParent(&sshwire.ChannelEOF{Recipient: c.peerID}, func(err error) {
		complete(done, err)
	})
}

func (c *ChildChannel) notifyWritability() {
	if c.fc.updateWritability() && !c.terminated && c.handler != nil {
		c.handler.OnWritabilityChanged(c)
	}
}

// beginClose emits pending writes respecting the window, fails the
// remainder, then emits channelClose and waits for the peer's close.
func (c *ChildChannel) beginClose() {
	c.writeQ.markAllFlushed()
	c.drainWrites()
	c.writeQ.failAll(func(done Completion) {
		complete(done, ErrAlreadyClosed)
	})
	c.eofQueued = true // no further output of any kind
	c.emitLocalClose()
	if c.sm.isClosed() {
		c.terminate(nil, true)
	}
}

func (c *ChildChannel) emitLocalClose() {
	if c.sm.sentClose {
		return
	}
	c.sm.sendClose()
	c.mux.sendToParent(&sshwire.ChannelClose{Recipient: c.peerID}, nil)
	c.mux.flushParent()
}

// ---- inbound path ----

func (c *ChildChannel) handleOpenConfirmation(msg *sshwire.ChannelOpenConfirmation) {
	if err := c.sm.handleOpenConfirmation(); err != nil {
		c.mux.channelError(c, err)
		return
	}
	c.peerID = msg.SenderID
	c.fc.setPeerLimits(msg.InitialWindow, msg.MaxPacket)
	done := c.openDone
	c.openDone = nil
	complete(done, nil)
	if c.handler != nil {
		c.handler.OnActive(c)
	}
	if c.closeRequested {
		// A close queued during the handshake fires now.
		c.beginClose()
	}
}

func (c *ChildChannel) handleOpenFailure(msg *sshwire.ChannelOpenFailure) {
	if err := c.sm.handleOpenFailure(); err != nil {
		c.mux.channelError(c, err)
		return
	}
	cause := &ChannelSetupRejectedError{Reason: msg.Reason, Description: msg.Description}
	done := c.openDone
	c.openDone = nil
	complete(done, cause)
	c.terminate(cause, false)
}

func (c *ChildChannel) handleWindowAdjust(msg *sshwire.ChannelWindowAdjust) {
	if err := c.fc.addOutboundWindow(msg.AdditionalBytes); err != nil {
		c.mux.channelError(c, err)
		return
	}
	if c.drainWrites() > 0 {
		c.mux.flushParent()
	}
	c.notifyWritability()
}

func (c *ChildChannel) handleData(dataType uint32, payload []byte) {
	if err := c.sm.handleRecvData(); err != nil {
		c.mux.channelError(c, err)
		return
	}
	if err := c.fc.consumeInbound(len(payload)); err != nil {
		c.mux.channelError(c, err)
		return
	}
	c.inQ.push(inboundEvent{kind: inboundData, dataType: dataType, payload: payload})
}

func (c *ChildChannel) handleEOF() {
	if err := c.sm.handleRecvEOF(); err != nil {
		c.mux.channelError(c, err)
		return
	}
	c.inQ.push(inboundEvent{kind: inboundEOF})
}

func (c *ChildChannel) handleClose() {
	if err := c.sm.handleRecvClose(); err != nil {
		c.mux.channelError(c, err)
		return
	}
	// Buffered data is delivered first, then EOF if received, then the
	// close notification, all within this dispatch.
	c.forceDeliverAll()
	if !c.sm.sentClose {
		c.emitLocalClose()
	}
	c.terminate(nil, true)
}

func (c *ChildChannel) handleRequest(msg *sshwire.ChannelRequest) {
	if err := c.sm.checkRecvRequest(); err != nil {
		c.mux.channelError(c, err)
		return
	}
	if c.handler != nil {
		c.handler.OnRequest(c, msg.RequestType, msg.WantReply, msg.Payload)
	}
}

func (c *ChildChannel) handleRequestReply(success bool) {
	if err := c.sm.checkRecvRequest(); err != nil {
		c.mux.channelError(c, err)
		return
	}
	if c.handler != nil {
		c.handler.OnRequestReply(c, success)
	}
}

// onParentReadComplete marks the end of a transport read burst. Buffered
// events are delivered if the channel is in auto-read mode or a manual read
// is armed.
func (c *ChildChannel) onParentReadComplete() {
	if c.terminated {
		return
	}
	if (c.autoRead || c.readPending) && !c.inQ.empty() {
		c.readPending = false
		c.deliverBatch()
	}
}

// deliverBatch delivers every event buffered at the moment of the call, in
// FIFO order, then replenishes the inbound window if warranted. Events
// arriving during delivery stay buffered for the next batch.
func (c *ChildChannel) deliverBatch() {
	batch := c.inQ.takeBatch()
	eofDelivered := false
	for i := range batch {
		ev := &batch[i]
		switch ev.kind {
		case inboundData:
			c.bytesDelivered += uint64(len(ev.payload))
			if c.handler != nil {
				c.handler.OnData(c, ev.dataType, ev.payload)
			}
		case inboundEOF:
			eofDelivered = true
			c.DLogf("EOF from peer")
			if c.handler != nil {
				c.handler.OnEOF(c)
			}
		}
	}
	if c.handler != nil {
		c.handler.OnReadComplete(c)
	}
	c.maybeReplenishWindow()
	if eofDelivered && !c.allowRemoteHalfClosure && !c.closeRequested && !c.terminated {
		c.closeRequested = true
		c.beginClose()
	}
}

// forceDeliverAll unconditionally drains the inbound buffer, ignoring read
// gating; used when the peer's close terminates the channel.
func (c *ChildChannel) forceDeliverAll() {
	for !c.inQ.empty() {
		batch := c.inQ.takeBatch()
		for i := range batch {
			ev := &batch[i]
			switch ev.kind {
			case inboundData:
				c.bytesDelivered += uint64(len(ev.payload))
				if c.handler != nil {
					c.handler.OnData(c, ev.dataType, ev.payload)
				}
			case inboundEOF:
				if c.handler != nil {
					c.handler.OnEOF(c)
				}
			}
		}
		if c.handler != nil {
			c.handler.OnReadComplete(c)
		}
	}
}

// maybeReplenishWindow hands consumed inbound window back to the peer once
// the remaining grant falls to half of the initial size. Closing channels do
// not refresh their window.
func (c *ChildChannel) maybeReplenishWindow() {
	if c.terminated || c.sm.closing() {
		return
	}
	if delta, ok := c.fc.replenishInbound(); ok {
		c.DLogf("window adjust +%d", delta)
		c.mux.sendToParent(&sshwire.ChannelWindowAdjust{Recipient: c.peerID, AdditionalBytes: delta}, nil)
		c.mux.flushParent()
	}
}

// ---- teardown ----

// surfaceError delivers a channel-fatal error to the user pipeline, once.
func (c *ChildChannel) surfaceError(err error) {
	if c.errorSurfaced {
		return
	}
	c.errorSurfaced = true
	if c.handler != nil {
		c.handler.OnError(c, err)
	}
}

// terminate moves the channel to its terminal state: fails whatever is
// still queued, resolves the open and close completions, notifies the
// pipeline, and removes the channel from the multiplexer. withGrace keeps
// the local id reserved to absorb stale in-flight peer traffic.
func (c *ChildChannel) terminate(cause error, withGrace bool) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.sm.forceClosed()

	failErr := cause
	if failErr == nil {
		failErr = ErrAlreadyClosed
	}
	c.writeQ.failAll(func(done Completion) {
		complete(done, failErr)
	})

	if c.openDone != nil {
		done := c.openDone
		c.openDone = nil
		complete(done, cause)
	}
	if cause != nil {
		c.surfaceError(cause)
	}
	if c.closeDone != nil {
		done := c.closeDone
		c.closeDone = nil
		complete(done, cause)
	}
	if c.handler != nil {
		c.handler.OnClosed(c)
	}
	c.lg.DLogf("Close (sent %s received %s)",
		sizestr.ToString(int64(c.bytesEmitted)), sizestr.ToString(int64(c.bytesDelivered)))
	c.mux.removeChannel(c, withGrace)
}
