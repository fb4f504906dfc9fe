package sshmux

import (
	"errors"
	"testing"

	"github.com/sammck-go/sshmux/pkg/sshwire"
)

func TestBasicInboundOpen(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	initCalls := 0
	h := &recordingHandler{}
	m.SetInboundInitializer(func(c *ChildChannel) error {
		initCalls++
		c.SetHandler(h)
		return nil
	})

	err := m.Receive(&sshwire.ChannelOpen{
		ChannelType:   sshwire.ChannelTypeNameSession,
		SenderID:      1,
		InitialWindow: 1 << 24,
		MaxPacket:     1 << 24,
	})
	if err != nil {
		t.Fatal(err)
	}
	if initCalls != 1 {
		t.Errorf("initializer invoked %d times, want 1", initCalls)
	}
	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("expected one reply, got %d", len(w))
	}
	conf, ok := w[0].(*sshwire.ChannelOpenConfirmation)
	if !ok {
		t.Fatalf("expected channelOpenConfirmation, got %T", w[0])
	}
	if conf.Recipient != 1 {
		t.Errorf("confirmation recipient %d, want 1", conf.Recipient)
	}
	if conf.InitialWindow != 1<<24 || conf.MaxPacket != 1<<24 {
		t.Errorf("confirmation window/max %d/%d, want defaults", conf.InitialWindow, conf.MaxPacket)
	}
	if !kindsEqual(h.kinds(), []eventKind{evActive}) {
		t.Errorf("handler events %v, want [active]", h.kinds())
	}
}

func TestInboundOpenRejectedByInitializer(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	h := &recordingHandler{}
	m.SetInboundInitializer(func(c *ChildChannel) error {
		c.SetHandler(h)
		return errors.New("nope")
	})

	if err := m.Receive(&sshwire.ChannelOpen{
		ChannelType:   sshwire.ChannelTypeNameSession,
		SenderID:      7,
		InitialWindow: 1 << 24,
		MaxPacket:     1 << 24,
	}); err != nil {
		t.Fatal(err)
	}
	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("expected one reply, got %d", len(w))
	}
	fail, ok := w[0].(*sshwire.ChannelOpenFailure)
	if !ok {
		t.Fatalf("expected channelOpenFailure, got %T", w[0])
	}
	if fail.Recipient != 7 || fail.Reason != sshwire.OpenFailureConnectFailed {
		t.Errorf("failure recipient/reason %d/%d, want 7/%d", fail.Recipient, fail.Reason, sshwire.OpenFailureConnectFailed)
	}
	// The already-added pipeline sees the rejection on its error path.
	var sawSetupRejected bool
	for _, ev := range h.events {
		if ev.kind == evError {
			var rej *ChannelSetupRejectedError
			if errors.As(ev.err, &rej) {
				sawSetupRejected = true
			}
		}
	}
	if !sawSetupRejected {
		t.Errorf("pipeline error path must see ChannelSetupRejected; events %v", h.kinds())
	}
	if m.NumChannels() != 0 {
		t.Errorf("rejected channel must be discarded, %d live", m.NumChannels())
	}
}

func TestInboundOpenWithoutInitializerRefused(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	if err := m.Receive(&sshwire.ChannelOpen{
		ChannelType:   sshwire.ChannelTypeNameSession,
		SenderID:      3,
		InitialWindow: 1 << 24,
		MaxPacket:     1 << 24,
	}); err != nil {
		t.Fatal(err)
	}
	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("expected one reply, got %d", len(w))
	}
	fail, ok := w[0].(*sshwire.ChannelOpenFailure)
	if !ok {
		t.Fatalf("expected channelOpenFailure, got %T", w[0])
	}
	if fail.Reason != sshwire.OpenFailureAdministrativelyProhibited {
		t.Errorf("refusal reason %d, want administratively prohibited", fail.Reason)
	}
}

func TestInboundOpenUnknownTypeRefused(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	m.SetInboundInitializer(func(c *ChildChannel) error { return nil })
	if err := m.Receive(&sshwire.ChannelOpen{
		ChannelType:   "x11",
		SenderID:      3,
		InitialWindow: 1 << 24,
		MaxPacket:     1 << 24,
	}); err != nil {
		t.Fatal(err)
	}
	w := d.takeWritten()
	fail, ok := w[0].(*sshwire.ChannelOpenFailure)
	if !ok {
		t.Fatalf("expected channelOpenFailure, got %T", w[0])
	}
	if fail.Reason != sshwire.OpenFailureUnknownChannelType {
		t.Errorf("refusal reason %d, want unknown channel type", fail.Reason)
	}
}

func TestLocalOpenEmitsExactlyOneChannelOpen(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	m.CreateChildChannel(DirectTCPIP{
		TargetHost:     "db.internal",
		TargetPort:     5432,
		OriginatorHost: "127.0.0.1",
		OriginatorPort: 50000,
	}, func(c *ChildChannel) error { return nil }, nil)

	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(w))
	}
	open, ok := w[0].(*sshwire.ChannelOpen)
	if !ok {
		t.Fatalf("expected channelOpen, got %T", w[0])
	}
	if open.ChannelType != sshwire.ChannelTypeNameDirectTCPIP {
		t.Errorf("channel type %q", open.ChannelType)
	}
	if open.InitialWindow != DefaultInitialWindowSize || open.MaxPacket != DefaultMaxPacketSize {
		t.Errorf("open window/max %d/%d, want defaults", open.InitialWindow, open.MaxPacket)
	}
	d2, err := sshwire.DecodeDirectTCPIPOpen(open.TypeSpecific)
	if err != nil {
		t.Fatal(err)
	}
	if d2.TargetHost != "db.internal" || d2.TargetPort != 5432 {
		t.Errorf("type-specific data %+v", d2)
	}
}

func TestLocalOpenInitializerFailureEmitsNothing(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	boom := errors.New("init failed")
	var got error
	fired := false
	m.CreateChildChannel(SessionChannel{}, func(c *ChildChannel) error {
		return boom
	}, func(err error) {
		fired = true
		got = err
	})
	if !fired || !errors.Is(got, boom) {
		t.Errorf("completion fired=%v err=%v, want the initializer error", fired, got)
	}
	if len(d.takeWritten()) != 0 {
		t.Errorf("a rejected initializer must emit no bytes on the wire")
	}
	if m.NumChannels() != 0 {
		t.Errorf("channel record must be discarded")
	}
}

func TestLocalOpenRejectedByPeer(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	var got error
	m.CreateChildChannel(SessionChannel{}, nil, func(err error) { got = err })
	open := d.takeWritten()[0].(*sshwire.ChannelOpen)

	if err := m.Receive(&sshwire.ChannelOpenFailure{
		Recipient:   open.SenderID,
		Reason:      sshwire.OpenFailureConnectFailed,
		Description: "connection refused",
	}); err != nil {
		t.Fatal(err)
	}
	var rej *ChannelSetupRejectedError
	if !errors.As(got, &rej) {
		t.Fatalf("open completion %v, want ChannelSetupRejected", got)
	}
	if rej.Reason != sshwire.OpenFailureConnectFailed {
		t.Errorf("reason %d, want connect failed", rej.Reason)
	}
	if m.NumChannels() != 0 {
		t.Errorf("rejected channel must be discarded")
	}
}

func TestUnknownChannelIsProtocolViolation(t *testing.T) {
	m, _ := newTestMux(t, MuxConfig{})
	err := m.Receive(&sshwire.ChannelData{Recipient: 99, Payload: []byte("x")})
	if err == nil || !IsProtocolViolation(err) {
		t.Errorf("message for unknown channel: got %v, want protocol violation", err)
	}
}

func TestWindowAdjustOverflowClosesChannel(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	h := &recordingHandler{}
	ch := openLocalChannel(t, m, d, h, 1<<24, 1<<24)

	if err := m.Receive(&sshwire.ChannelWindowAdjust{
		Recipient:       ch.LocalID(),
		AdditionalBytes: 0xffffffff,
	}); err != nil {
		t.Fatalf("per-channel violations must not surface from Receive: %v", err)
	}
	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("expected one channelClose, got %d messages", len(w))
	}
	if _, ok := w[0].(*sshwire.ChannelClose); !ok {
		t.Fatalf("expected channelClose, got %T", w[0])
	}
	var sawViolation bool
	for _, ev := range h.events {
		if ev.kind == evError && IsProtocolViolation(ev.err) {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Errorf("pipeline must see the protocol violation; events %v", h.kinds())
	}
	if m.NumChannels() != 0 {
		t.Errorf("errored channel must leave the live map")
	}
}

func TestGraceWindowAbsorbsStaleTraffic(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	h := &recordingHandler{}
	ch := openLocalChannel(t, m, d, h, 1<<24, 1<<24)
	id := ch.LocalID()

	// Force an error teardown; the id enters the grace window.
	if err := m.Receive(&sshwire.ChannelWindowAdjust{Recipient: id, AdditionalBytes: 0xffffffff}); err != nil {
		t.Fatal(err)
	}
	d.takeWritten()

	// A stale in-flight burst for the torn-down id is absorbed silently.
	if err := m.Receive(&sshwire.ChannelData{Recipient: id, Payload: []byte("stale")}); err != nil {
		t.Errorf("grace-window data must be dropped silently: %v", err)
	}
	if err := m.Receive(&sshwire.ChannelEOF{Recipient: id}); err != nil {
		t.Errorf("grace-window EOF must be dropped silently: %v", err)
	}
	// The peer's close completes teardown and releases the reservation.
	if err := m.Receive(&sshwire.ChannelClose{Recipient: id}); err != nil {
		t.Errorf("grace-window close must be absorbed: %v", err)
	}
	// After release, traffic for the id is a protocol violation again.
	if err := m.Receive(&sshwire.ChannelData{Recipient: id, Payload: []byte("late")}); err == nil || !IsProtocolViolation(err) {
		t.Errorf("post-grace data: got %v, want protocol violation", err)
	}
}

func TestDuplicatePeerCloseAbsorbedInGraceWindow(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	ch := openLocalChannel(t, m, d, &recordingHandler{}, 1<<24, 1<<24)
	id := ch.LocalID()

	closed := 0
	var closeErr error
	ch.Close(func(err error) { closed++; closeErr = err })
	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("expected exactly one channelClose, got %d", len(w))
	}
	if _, ok := w[0].(*sshwire.ChannelClose); !ok {
		t.Fatalf("expected channelClose, got %T", w[0])
	}
	if err := m.Receive(&sshwire.ChannelClose{Recipient: id}); err != nil {
		t.Fatal(err)
	}
	if closed != 1 || closeErr != nil {
		t.Fatalf("close completion fired %d times with %v", closed, closeErr)
	}
	// Duplicate close within the grace window is silently absorbed.
	if err := m.Receive(&sshwire.ChannelClose{Recipient: id}); err != nil {
		t.Errorf("duplicate peer close must be absorbed: %v", err)
	}
	if len(d.takeWritten()) != 0 {
		t.Errorf("no further messages may be emitted for the dead channel")
	}
}

func TestSecondUserCloseResolvesAlreadyClosed(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	ch := openLocalChannel(t, m, d, &recordingHandler{}, 1<<24, 1<<24)

	ch.Close(nil)
	var second error
	ch.Close(func(err error) { second = err })
	if !errors.Is(second, ErrAlreadyClosed) {
		t.Errorf("second close: got %v, want ErrAlreadyClosed", second)
	}
	w := d.takeWritten()
	closes := 0
	for _, msg := range w {
		if _, ok := msg.(*sshwire.ChannelClose); ok {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("closing a child must emit exactly one channelClose, got %d", closes)
	}
}

func TestParentInactiveDuringOpen(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	var openErr error
	var ch *ChildChannel
	m.CreateChildChannel(SessionChannel{}, func(c *ChildChannel) error {
		ch = c
		return nil
	}, func(err error) { openErr = err })
	if len(d.takeWritten()) != 1 {
		t.Fatalf("channelOpen must be emitted before the parent goes away")
	}

	var closeErr error
	ch.Close(func(err error) { closeErr = err })

	m.ParentInactive()
	if !errors.Is(openErr, ErrTCPShutdown) {
		t.Errorf("open completion: got %v, want ErrTCPShutdown", openErr)
	}
	if !errors.Is(closeErr, ErrTCPShutdown) {
		t.Errorf("close completion: got %v, want ErrTCPShutdown", closeErr)
	}
	if m.NumChannels() != 0 {
		t.Errorf("all channels must be terminal after parent inactivity")
	}
}

func TestParentInactiveFansOutToAllChildren(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	openLocalChannel(t, m, d, h1, 1<<24, 1<<24)
	openLocalChannel(t, m, d, h2, 1<<24, 1<<24)

	m.ParentInactive()
	for i, h := range []*recordingHandler{h1, h2} {
		var sawShutdown, sawClosed bool
		for _, ev := range h.events {
			if ev.kind == evError && errors.Is(ev.err, ErrTCPShutdown) {
				sawShutdown = true
			}
			if ev.kind == evClosed {
				sawClosed = true
			}
		}
		if !sawShutdown || !sawClosed {
			t.Errorf("child %d: events %v, want TCPShutdown error and closed", i, h.kinds())
		}
	}
}

func TestParentHandlerRemoved(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	ch := openLocalChannel(t, m, d, &recordingHandler{}, 1<<24, 1<<24)

	m.ParentHandlerRemoved()

	var writeErr error
	ch.Write([]byte("x"), func(err error) { writeErr = err })
	if !errors.Is(writeErr, ErrIOOnClosedChannel) {
		t.Errorf("write after handler removal: got %v, want ErrIOOnClosedChannel", writeErr)
	}

	var createErr error
	m.CreateChildChannel(SessionChannel{}, nil, func(err error) { createErr = err })
	if createErr == nil || !IsProtocolViolation(createErr) {
		t.Errorf("create after handler removal: got %v, want protocol violation", createErr)
	}
}

func TestLocalIDAllocationSkipsLiveAndGrace(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	ch0 := openLocalChannel(t, m, d, &recordingHandler{}, 1<<24, 1<<24)
	ch1 := openLocalChannel(t, m, d, &recordingHandler{}, 1<<24, 1<<24)
	if ch0.LocalID() == ch1.LocalID() {
		t.Fatalf("ids must be distinct")
	}

	// Error-teardown ch0; its id is reserved in the grace window.
	if err := m.Receive(&sshwire.ChannelWindowAdjust{Recipient: ch0.LocalID(), AdditionalBytes: 0xffffffff}); err != nil {
		t.Fatal(err)
	}
	d.takeWritten()

	// Wrap the allocator all the way around; neither the live id nor the
	// grace-reserved id may be handed out again.
	m.nextID = ch0.LocalID()
	m.CreateChildChannel(SessionChannel{}, nil, nil)
	open := d.takeWritten()[0].(*sshwire.ChannelOpen)
	if open.SenderID == ch0.LocalID() {
		t.Errorf("allocator reused a grace-reserved id")
	}
	if open.SenderID == ch1.LocalID() {
		t.Errorf("allocator reused a live id")
	}
}

func TestCloseDuringOpenDeferredUntilConfirmation(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	var ch *ChildChannel
	m.CreateChildChannel(SessionChannel{}, func(c *ChildChannel) error {
		ch = c
		return nil
	}, nil)
	open := d.takeWritten()[0].(*sshwire.ChannelOpen)

	var closeErr error
	fired := false
	ch.Close(func(err error) { fired = true; closeErr = err })
	if len(d.takeWritten()) != 0 {
		t.Fatalf("close before confirmation must emit nothing")
	}
	if fired {
		t.Fatalf("close completion must be held until the handshake resolves")
	}

	if err := m.Receive(&sshwire.ChannelOpenConfirmation{
		Recipient:     open.SenderID,
		SenderID:      55,
		InitialWindow: 1 << 24,
		MaxPacket:     1 << 24,
	}); err != nil {
		t.Fatal(err)
	}
	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("confirmation must release the deferred close, got %d messages", len(w))
	}
	if _, ok := w[0].(*sshwire.ChannelClose); !ok {
		t.Fatalf("expected channelClose, got %T", w[0])
	}
	if err := m.Receive(&sshwire.ChannelClose{Recipient: open.SenderID}); err != nil {
		t.Fatal(err)
	}
	if !fired || closeErr != nil {
		t.Errorf("close completion fired=%v err=%v", fired, closeErr)
	}
}

func TestCloseDuringOpenFailsWithSetupRejection(t *testing.T) {
	m, d := newTestMux(t, MuxConfig{})
	var ch *ChildChannel
	var openErr error
	m.CreateChildChannel(SessionChannel{}, func(c *ChildChannel) error {
		ch = c
		return nil
	}, func(err error) { openErr = err })
	open := d.takeWritten()[0].(*sshwire.ChannelOpen)

	var closeErr error
	ch.Close(func(err error) { closeErr = err })

	if err := m.Receive(&sshwire.ChannelOpenFailure{
		Recipient: open.SenderID,
		Reason:    sshwire.OpenFailureResourceShortage,
	}); err != nil {
		t.Fatal(err)
	}
	var rej *ChannelSetupRejectedError
	if !errors.As(openErr, &rej) {
		t.Errorf("open completion %v, want ChannelSetupRejected", openErr)
	}
	if !errors.As(closeErr, &rej) {
		t.Errorf("queued close completion %v, want ChannelSetupRejected", closeErr)
	}
}
