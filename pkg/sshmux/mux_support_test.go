package sshmux

import (
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// inlineExecutor runs every task immediately on the calling goroutine. Unit
// tests invoke the multiplexer directly, so the calling goroutine *is* the
// loop.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task func())                       { task() }
func (inlineExecutor) SubmitAfter(d time.Duration, task func()) { task() }

// recordingDelegate captures every message the multiplexer emits and fires
// write completions inline.
type recordingDelegate struct {
	t        *testing.T
	written  []sshwire.Message
	flushes  int
	writeErr error
}

func (d *recordingDelegate) WriteFromParent(msg sshwire.Message, done Completion) {
	d.written = append(d.written, msg)
	if done != nil {
		done(d.writeErr)
	}
}

func (d *recordingDelegate) FlushFromParent() { d.flushes++ }

func (d *recordingDelegate) Executor() Executor { return inlineExecutor{} }

// takeWritten returns and clears the captured outbound messages.
func (d *recordingDelegate) takeWritten() []sshwire.Message {
	w := d.written
	d.written = nil
	return w
}

func newTestMux(t *testing.T, cfg MuxConfig) (*Multiplexer, *recordingDelegate) {
	t.Helper()
	d := &recordingDelegate{t: t}
	m := NewMultiplexer(logger.NilLogger, d, cfg)
	return m, d
}

// eventKind labels entries in recordingHandler's event trace.
type eventKind string

const (
	evActive       eventKind = "active"
	evData         eventKind = "data"
	evReadComplete eventKind = "read-complete"
	evEOF          eventKind = "eof"
	evRequest      eventKind = "request"
	evReply        eventKind = "reply"
	evWritability  eventKind = "writability"
	evError        eventKind = "error"
	evClosed       eventKind = "closed"
)

type handlerEvent struct {
	kind     eventKind
	dataType uint32
	payload  []byte
	err      error
	success  bool
	reqType  string
}

// recordingHandler records the ordered event trace a channel delivers to its
// user pipeline.
type recordingHandler struct {
	BaseChannelHandler
	events []handlerEvent
}

func (h *recordingHandler) OnActive(c *ChildChannel) {
	h.events = append(h.events, handlerEvent{kind: evActive})
}

func (h *recordingHandler) OnData(c *ChildChannel, dataType uint32, payload []byte) {
	h.events = append(h.events, handlerEvent{kind: evData, dataType: dataType, payload: payload})
}

func (h *recordingHandler) OnReadComplete(c *ChildChannel) {
	h.events = append(h.events, handlerEvent{kind: evReadComplete})
}

func (h *recordingHandler) OnEOF(c *ChildChannel) {
	h.events = append(h.events, handlerEvent{kind: evEOF})
}

func (h *recordingHandler) OnRequest(c *ChildChannel, reqType string, wantReply bool, p []byte) {
	h.events = append(h.events, handlerEvent{kind: evRequest, reqType: reqType, payload: p})
}

func (h *recordingHandler) OnRequestReply(c *ChildChannel, success bool) {
	h.events = append(h.events, handlerEvent{kind: evReply, success: success})
}

func (h *recordingHandler) OnWritabilityChanged(c *ChildChannel) {
	h.events = append(h.events, handlerEvent{kind: evWritability})
}

func (h *recordingHandler) OnError(c *ChildChannel, err error) {
	h.events = append(h.events, handlerEvent{kind: evError, err: err})
}

func (h *recordingHandler) OnClosed(c *ChildChannel) {
	h.events = append(h.events, handlerEvent{kind: evClosed})
}

// kinds returns the bare event-kind sequence of the trace.
func (h *recordingHandler) kinds() []eventKind {
	ks := make([]eventKind, len(h.events))
	for i, e := range h.events {
		ks[i] = e.kind
	}
	return ks
}

func kindsEqual(a, b []eventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// openLocalChannel drives a locally-initiated open through confirmation and
// returns the active channel.
func openLocalChannel(t *testing.T, m *Multiplexer, d *recordingDelegate, h ChannelHandler, peerWindow, peerMaxPacket uint32) *ChildChannel {
	t.Helper()
	var ch *ChildChannel
	var openErr error
	opened := false
	m.CreateChildChannel(SessionChannel{}, func(c *ChildChannel) error {
		ch = c
		if h != nil {
			c.SetHandler(h)
		}
		return nil
	}, func(err error) {
		opened = true
		openErr = err
	})
	if ch == nil {
		t.Fatalf("initializer was not invoked")
	}
	w := d.takeWritten()
	if len(w) != 1 {
		t.Fatalf("expected exactly one channelOpen, got %d messages", len(w))
	}
	open, ok := w[0].(*sshwire.ChannelOpen)
	if !ok {
		t.Fatalf("expected channelOpen, got %T", w[0])
	}
	if err := m.Receive(&sshwire.ChannelOpenConfirmation{
		Recipient:     open.SenderID,
		SenderID:      100 + open.SenderID,
		InitialWindow: peerWindow,
		MaxPacket:     peerMaxPacket,
	}); err != nil {
		t.Fatalf("open confirmation: %v", err)
	}
	if !opened || openErr != nil {
		t.Fatalf("open completion: fired=%v err=%v", opened, openErr)
	}
	return ch
}
