package sshmux

// channelState is the primary lifecycle state of a channel. EOF in each
// direction is tracked separately because the two half-closes compose with
// every active-side state.
type channelState int

const (
	// stateIdle: record exists, nothing emitted or received yet.
	stateIdle channelState = iota

	// stateOpening: local channelOpen emitted, awaiting the peer's
	// confirmation or failure.
	stateOpening

	// stateActive: open handshake complete; data may flow.
	stateActive

	// stateLocalClosing: we emitted channelClose, awaiting the peer's.
	stateLocalClosing

	// stateRemoteClosing: peer's channelClose received before ours was
	// emitted; transient until the reply close goes out.
	stateRemoteClosing

	// stateClosed: terminal. Both closes accounted for (or the channel was
	// torn down by an error or transport loss).
	stateClosed
)

func (s channelState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpening:
		return "opening"
	case stateActive:
		return "active"
	case stateLocalClosing:
		return "local-closing"
	case stateRemoteClosing:
		return "remote-closing"
	case stateClosed:
		return "closed"
	}
	return "invalid"
}

// stateMachine validates and applies the per-channel protocol transitions.
// Methods return a *ProtocolViolationError when the peer drives the channel
// out of state, and other channel errors when the local user does.
type stateMachine struct {
	state     channelState
	sentEOF   bool
	recvEOF   bool
	sentClose bool
	recvClose bool
}

func (sm *stateMachine) isOpening() bool { return sm.state == stateOpening }
func (sm *stateMachine) isActive() bool  { return sm.state == stateActive }
func (sm *stateMachine) isClosed() bool  { return sm.state == stateClosed }

// closing reports whether a close has been initiated in either direction.
// Closing channels no longer refresh their inbound window.
func (sm *stateMachine) closing() bool {
	return sm.sentClose || sm.recvClose || sm.state == stateClosed
}

// sendOpen records emission of channelOpen for a locally-created channel.
func (sm *stateMachine) sendOpen() {
	if sm.state != stateIdle {
		panic("sshmux: channelOpen emitted twice")
	}
	sm.state = stateOpening
}

// openedByPeer activates a peer-created channel directly; there is no
// opening state because the confirmation is emitted locally.
func (sm *stateMachine) openedByPeer() {
	if sm.state != stateIdle {
		panic("sshmux: peer open applied twice")
	}
	sm.state = stateActive
}

// handleOpenConfirmation applies an inbound channelOpenConfirmation.
func (sm *stateMachine) handleOpenConfirmation() error {
	if sm.state != stateOpening {
		return protocolViolationf("channelOpenConfirmation in state %s", sm.state)
	}
	sm.state = stateActive
	return nil
}

// handleOpenFailure applies an inbound channelOpenFailure. The channel never
// becomes active; it goes straight to its terminal state.
func (sm *stateMachine) handleOpenFailure() error {
	if sm.state != stateOpening {
		return protocolViolationf("channelOpenFailure in state %s", sm.state)
	}
	sm.state = stateClosed
	return nil
}

// checkSendData validates an outbound user write.
func (sm *stateMachine) checkSendData() error {
	if sm.state == stateClosed || sm.sentClose || sm.recvClose {
		return ErrAlreadyClosed
	}
	if sm.state != stateActive {
		return ErrIOOnClosedChannel
	}
	if sm.sentEOF {
		return ErrOutputClosed
	}
	return nil
}

// handleRecvData validates an inbound data or extended-data payload. The
// peer may legitimately keep sending until its channelClose arrives, even
// after we initiated a local close.
func (sm *stateMachine) handleRecvData() error {
	switch sm.state {
	case stateActive, stateLocalClosing:
	default:
		return protocolViolationf("channelData in state %s", sm.state)
	}
	if sm.recvEOF {
		return protocolViolationf("channelData after channelEOF")
	}
	return nil
}

// sendEOF records emission of channelEOF (output half-close).
func (sm *stateMachine) sendEOF() error {
	if sm.state != stateActive {
		return ErrIOOnClosedChannel
	}
	if sm.sentEOF {
		return ErrOutputClosed
	}
	sm.sentEOF = true
	return nil
}

// handleRecvEOF applies an inbound channelEOF. The EOF is delivered upward
// exactly once; a duplicate is a protocol violation.
func (sm *stateMachine) handleRecvEOF() error {
	switch sm.state {
	case stateActive, stateLocalClosing:
	default:
		return protocolViolationf("channelEOF in state %s", sm.state)
	}
	if sm.recvEOF {
		return protocolViolationf("duplicate channelEOF")
	}
	sm.recvEOF = true
	return nil
}

// checkRecvRequest validates an inbound channelRequest or request reply.
func (sm *stateMachine) checkRecvRequest() error {
	switch sm.state {
	case stateActive, stateLocalClosing:
		return nil
	}
	return protocolViolationf("channelRequest in state %s", sm.state)
}

// sendClose records emission of channelClose. Close is idempotent at the
// protocol layer; re-recording an already-sent close is a no-op.
func (sm *stateMachine) sendClose() {
	if sm.sentClose || sm.state == stateClosed {
		return
	}
	sm.sentClose = true
	if sm.recvClose {
		sm.state = stateClosed
	} else {
		sm.state = stateLocalClosing
	}
}

// handleRecvClose applies an inbound channelClose. If our close was already
// emitted this completes the exchange; otherwise the channel enters the
// transient remote-closing state and the caller must emit the reply close.
func (sm *stateMachine) handleRecvClose() error {
	if sm.recvClose {
		return protocolViolationf("duplicate channelClose")
	}
	sm.recvClose = true
	if sm.sentClose {
		sm.state = stateClosed
	} else {
		sm.state = stateRemoteClosing
	}
	return nil
}

// forceClosed moves the channel to its terminal state regardless of what
// has been exchanged, for error teardown and transport loss.
func (sm *stateMachine) forceClosed() {
	sm.state = stateClosed
}
