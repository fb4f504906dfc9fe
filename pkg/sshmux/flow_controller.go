package sshmux

import "math"

// flowController tracks both directions of a channel's windowed flow
// control.
//
// Outbound: window is the byte budget the peer has granted us; maxPacket
// caps a single data payload. outstanding counts every byte the user has
// written that the peer has not yet acknowledged through a window adjust,
// whether still queued locally or already emitted; it drives the writability
// watermarks.
//
// Inbound: inboundWindow is the budget we granted the peer. It is debited on
// receipt; consumed bytes accumulate as delivery to the user progresses and
// are handed back to the peer in one adjust once the remaining window falls
// to half of the initial grant.
type flowController struct {
	window    uint32
	maxPacket uint32

	outstanding uint64
	highWater   uint64
	lowWater    uint64
	writable    bool

	initialInbound uint32
	inboundWindow  uint32
}

func newFlowController(highWater, lowWater uint64, initialInbound uint32) flowController {
	return flowController{
		writable:       true,
		highWater:      highWater,
		lowWater:       lowWater,
		initialInbound: initialInbound,
		inboundWindow:  initialInbound,
	}
}

// setPeerLimits installs the peer's initial window and max packet size,
// learned from the open handshake.
func (fc *flowController) setPeerLimits(window, maxPacket uint32) {
	fc.window = window
	fc.maxPacket = maxPacket
}

// chunkBudget returns how many bytes of an n-byte payload may be emitted as
// the next single data message: bounded by the remaining window and the
// peer's max packet size. Zero means the write must queue.
func (fc *flowController) chunkBudget(n int) int {
	budget := uint64(n)
	if uint64(fc.window) < budget {
		budget = uint64(fc.window)
	}
	if fc.maxPacket > 0 && uint64(fc.maxPacket) < budget {
		budget = uint64(fc.maxPacket)
	}
	return int(budget)
}

// consumeOutbound debits the outbound window for an emitted chunk.
func (fc *flowController) consumeOutbound(n int) {
	fc.window -= uint32(n)
}

// addOutboundWindow applies a peer window adjust. A grant that would push
// the window past 2^32-1 is a protocol violation. Acknowledged bytes are
// released from the outstanding count.
func (fc *flowController) addOutboundWindow(inc uint32) error {
	if uint64(fc.window)+uint64(inc) > math.MaxUint32 {
		return protocolViolationf("window adjust overflows outbound window (%d + %d)", fc.window, inc)
	}
	fc.window += inc
	if uint64(inc) >= fc.outstanding {
		fc.outstanding = 0
	} else {
		fc.outstanding -= uint64(inc)
	}
	return nil
}

// noteUserWrite charges a user write against the writability accounting.
func (fc *flowController) noteUserWrite(n int) {
	fc.outstanding += uint64(n)
}

// updateWritability re-evaluates the writability flag against the
// watermarks, reporting whether it flipped. Writability turns off at or
// above the high watermark and back on at or below the low watermark.
func (fc *flowController) updateWritability() (changed bool) {
	if fc.writable && fc.outstanding >= fc.highWater {
		fc.writable = false
		return true
	}
	if !fc.writable && fc.outstanding <= fc.lowWater {
		fc.writable = true
		return true
	}
	return false
}

// consumeInbound debits the inbound window for a received payload. A peer
// that overruns its grant commits a protocol violation.
func (fc *flowController) consumeInbound(n int) error {
	if uint64(n) > uint64(fc.inboundWindow) {
		return protocolViolationf("peer overran inbound window (%d > %d)", n, fc.inboundWindow)
	}
	fc.inboundWindow -= uint32(n)
	return nil
}

// replenishInbound reports whether the inbound window should be refreshed,
// and if so returns the adjust delta restoring it to the initial grant.
func (fc *flowController) replenishInbound() (delta uint32, ok bool) {
	if fc.inboundWindow > fc.initialInbound/2 {
		return 0, false
	}
	delta = fc.initialInbound - fc.inboundWindow
	if delta == 0 {
		return 0, false
	}
	fc.inboundWindow = fc.initialInbound
	return delta, true
}
