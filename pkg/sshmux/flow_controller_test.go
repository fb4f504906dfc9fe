package sshmux

import (
	"math"
	"testing"
)

func TestChunkBudgetBoundedByWindowAndMaxPacket(t *testing.T) {
	fc := newFlowController(1<<24, 1<<23, 1<<24)
	fc.setPeerLimits(5, 3)

	if got := fc.chunkBudget(10); got != 3 {
		t.Errorf("budget limited by maxPacket: got %d, want 3", got)
	}
	fc.consumeOutbound(3)
	if got := fc.chunkBudget(10); got != 2 {
		t.Errorf("budget limited by window: got %d, want 2", got)
	}
	fc.consumeOutbound(2)
	if got := fc.chunkBudget(10); got != 0 {
		t.Errorf("budget with exhausted window: got %d, want 0", got)
	}
	if got := fc.chunkBudget(1); got != 0 {
		t.Errorf("budget with exhausted window: got %d, want 0", got)
	}
}

func TestAddOutboundWindowOverflow(t *testing.T) {
	fc := newFlowController(1<<24, 1<<23, 1<<24)
	fc.setPeerLimits(math.MaxUint32-10, 1<<24)

	if err := fc.addOutboundWindow(10); err != nil {
		t.Errorf("adjust to exactly 2^32-1 must be legal: %v", err)
	}
	if err := fc.addOutboundWindow(1); err == nil {
		t.Errorf("adjust past 2^32-1 must be a protocol violation")
	} else if !IsProtocolViolation(err) {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestWritabilityWatermarks(t *testing.T) {
	fc := newFlowController(5, 2, 1<<24)
	fc.setPeerLimits(5, 3)

	if !fc.writable {
		t.Fatalf("channel must start writable")
	}
	fc.noteUserWrite(4)
	if fc.updateWritability() {
		t.Errorf("4 outstanding below high watermark must not flip writability")
	}
	fc.noteUserWrite(2)
	if !fc.updateWritability() || fc.writable {
		t.Errorf("6 outstanding at/above high watermark must turn writability off")
	}
	if err := fc.addOutboundWindow(3); err != nil {
		t.Fatal(err)
	}
	if fc.updateWritability() {
		t.Errorf("3 outstanding above low watermark must not flip writability")
	}
	if err := fc.addOutboundWindow(1); err != nil {
		t.Fatal(err)
	}
	if !fc.updateWritability() || !fc.writable {
		t.Errorf("2 outstanding at low watermark must turn writability back on")
	}
}

func TestInboundWindowAccounting(t *testing.T) {
	fc := newFlowController(1<<24, 1<<23, 100)

	if err := fc.consumeInbound(40); err != nil {
		t.Fatal(err)
	}
	if _, ok := fc.replenishInbound(); ok {
		t.Errorf("60 remaining of 100 must not replenish yet")
	}
	if err := fc.consumeInbound(20); err != nil {
		t.Fatal(err)
	}
	delta, ok := fc.replenishInbound()
	if !ok || delta != 60 {
		t.Errorf("40 remaining of 100 must replenish by 60, got (%d, %v)", delta, ok)
	}
	if fc.inboundWindow != 100 {
		t.Errorf("window must return to initial grant, got %d", fc.inboundWindow)
	}

	if err := fc.consumeInbound(101); err == nil {
		t.Errorf("overrunning the inbound window must be a protocol violation")
	} else if !IsProtocolViolation(err) {
		t.Errorf("expected protocol violation, got %v", err)
	}
}
