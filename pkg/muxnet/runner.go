package muxnet

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshmux/pkg/sshmux"
	"github.com/sammck-go/sshmux/pkg/sshwire"
)

// Runner drives one sshmux.Multiplexer over a byte-stream carrier. It is the
// multiplexer's Delegate: outbound messages are framed and buffered, pushed
// to the carrier on flush. A background goroutine reads inbound frames,
// decodes them, and dispatches each read burst onto the run loop followed by
// a single read-complete signal.
//
// The Runner owns the carrier and closes it on shutdown. Carrier failure in
// either direction starts shutdown: the multiplexer sees ParentInactive, so
// every child terminates with sshmux.ErrTCPShutdown, and WaitShutdown
// reports the carrier error.
type Runner struct {
	*asyncobj.Helper

	carrier io.ReadWriteCloser
	loop    *sshmux.RunLoop
	mux     *sshmux.Multiplexer

	// bw is written only from the run loop, via the Delegate methods.
	bw *bufio.Writer
}

// NewRunner creates a Runner on carrier and starts its read loop. The zero
// MuxConfig selects the multiplexer defaults.
func NewRunner(lg logger.Logger, carrier io.ReadWriteCloser, cfg sshmux.MuxConfig) *Runner {
	r := &Runner{
		carrier: carrier,
		bw:      bufio.NewWriter(carrier),
	}
	r.Helper = asyncobj.NewHelper(lg.ForkLogStr("<Runner>"), r)
	r.loop = sshmux.NewRunLoop(lg)
	r.mux = sshmux.NewMultiplexer(lg, r, cfg)
	r.SetIsActivated()
	go r.readLoop()
	return r
}

// Multiplexer returns the multiplexer this Runner drives. Use Loop to hop
// onto its executor before calling it.
func (r *Runner) Multiplexer() *sshmux.Multiplexer { return r.mux }

// Loop returns the run loop the multiplexer is confined to.
func (r *Runner) Loop() *sshmux.RunLoop { return r.loop }

// WriteFromParent implements sshmux.Delegate: it frames and buffers one
// outbound message. Called on the run loop only.
func (r *Runner) WriteFromParent(msg sshwire.Message, done sshmux.Completion) {
	body := sshwire.Encode(msg)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	_, err := r.bw.Write(hdr[:])
	if err == nil {
		_, err = r.bw.Write(body)
	}
	if err != nil {
		r.DLogf("carrier write failed: %s", err)
		r.StartShutdown(err)
	}
	if done != nil {
		done(err)
	}
}

// FlushFromParent implements sshmux.Delegate: it pushes buffered frames to
// the carrier. Called on the run loop only.
func (r *Runner) FlushFromParent() {
	if err := r.bw.Flush(); err != nil {
		r.DLogf("carrier flush failed: %s", err)
		r.StartShutdown(err)
	}
}

// Executor implements sshmux.Delegate.
func (r *Runner) Executor() sshmux.Executor { return r.loop }

func (r *Runner) readLoop() {
	br := bufio.NewReaderSize(r.carrier, 64*1024)
	for {
		msg, err := readFrame(br)
		if err != nil {
			if err != io.EOF {
				r.DLogf("carrier read failed: %s", err)
			}
			r.StartShutdown(err)
			return
		}
		// Drain whatever else is already buffered into the same burst;
		// never block mid-burst on a partial frame.
		batch := []sshwire.Message{msg}
		for {
			more, ok, err := readBufferedFrame(br)
			if err != nil {
				r.StartShutdown(err)
				return
			}
			if !ok {
				break
			}
			batch = append(batch, more)
		}
		r.loop.Submit(func() {
			for _, m := range batch {
				if err := r.mux.Receive(m); err != nil {
					// A violation outside any channel is fatal to the
					// transport.
					r.DLogf("receive failed: %s", err)
					r.StartShutdown(err)
					return
				}
			}
			r.mux.ReadComplete()
		})
	}
}

// readFrame blocks until one full frame is available and decodes it.
func readFrame(br *bufio.Reader) (sshwire.Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	return readFrameBody(br, binary.BigEndian.Uint32(hdr[:]))
}

// readBufferedFrame decodes one frame only if it is already fully buffered;
// ok is false when the next frame is absent or incomplete.
func readBufferedFrame(br *bufio.Reader) (msg sshwire.Message, ok bool, err error) {
	if br.Buffered() < 4 {
		return nil, false, nil
	}
	hdr, err := br.Peek(4)
	if err != nil {
		return nil, false, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxFrameSize {
		return nil, false, fmt.Errorf("muxnet: inbound frame of %d bytes exceeds limit", n)
	}
	if br.Buffered() < 4+int(n) {
		return nil, false, nil
	}
	if _, err := br.Discard(4); err != nil {
		return nil, false, err
	}
	m, err := readFrameBody(br, n)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func readFrameBody(br *bufio.Reader, n uint32) (sshwire.Message, error) {
	if n == 0 {
		return nil, fmt.Errorf("muxnet: empty inbound frame")
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("muxnet: inbound frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return sshwire.Decode(body)
}

// HandleOnceShutdown closes the carrier, lets the multiplexer fan the loss
// out to its children, and stops the run loop.
func (r *Runner) HandleOnceShutdown(completionErr error) error {
	err := r.carrier.Close()
	r.loop.SubmitAndWait(func() {
		r.mux.ParentInactive()
	})
	r.loop.StartShutdown(nil)
	_ = r.loop.WaitShutdown()
	if completionErr == nil || completionErr == io.EOF {
		completionErr = err
	}
	return completionErr
}
