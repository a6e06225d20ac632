package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Oblong/waypositor/util/multiplexer"
)

// DisplayState is the lifecycle position of a Display.
//
//	Uninitialized → Armed → Scanning ⇄ FlipPending, terminal Closed
type DisplayState int32

const (
	// StateUninitialized: constructed, no mode set yet.
	StateUninitialized DisplayState = iota
	// StateArmed: first frame drawn and locked, CRTC set.
	StateArmed
	// StateScanning: a flip completed; the current buffer is on glass.
	StateScanning
	// StateFlipPending: a page flip was accepted and has not latched yet.
	StateFlipPending
	// StateClosed: released. Terminal.
	StateClosed
)

func (s DisplayState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateArmed:
		return "armed"
	case StateScanning:
		return "scanning"
	case StateFlipPending:
		return "flip-pending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type displayCmd struct {
	draw   DrawFunc
	detach bool
	reply  chan error
}

// Display drives one monitor: it owns a GBM surface, the rendering context
// over it, the assigned CRTC, and the two buffer-ownership slots (current
// scanout, pending flip).
//
// Every Display runs a dedicated worker goroutine locked to its own OS
// thread. The worker is the only place the display context is current and
// the only place the slots are touched; the coordinator talks to it purely
// through messages. EGL current-context state is thread-local, so this
// pinning is what keeps rendering legal at all.
type Display struct {
	log    *logrus.Entry
	dev    Device
	bufdev BufferDevice
	master MasterContext

	conn   ConnectorID
	crtc   CrtcID
	mode   Mode
	cookie uint64
	events *multiplexer.ManyToOne[Event]

	cmds  chan displayCmd
	ticks chan FlipEvent
	ready chan error
	done  chan struct{}
	state atomic.Int32

	// Worker-owned. Nothing below is touched off the worker goroutine.
	surf         Surface
	dc           DisplayContext
	fbs          *FramebufferCache
	current      Buffer
	pending      Buffer
	flipInFlight bool
	lastLatch    time.Time
}

func newDisplay(
	dev Device, bufdev BufferDevice, master MasterContext,
	conn ConnectorID, crtc CrtcID, mode Mode,
	cookie uint64, events *multiplexer.ManyToOne[Event],
) *Display {
	return &Display{
		log: logrus.WithFields(logrus.Fields{
			"connector": conn,
			"crtc":      crtc,
			"mode":      fmt.Sprintf("%dx%d@%d", mode.Width, mode.Height, mode.Refresh),
		}),
		dev:    dev,
		bufdev: bufdev,
		master: master,
		conn:   conn,
		crtc:   crtc,
		mode:   mode,
		cookie: cookie,
		events: events,
		cmds:   make(chan displayCmd),
		ticks:  make(chan FlipEvent, 1),
		ready:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (d *Display) Connector() ConnectorID { return d.conn }
func (d *Display) Crtc() CrtcID           { return d.crtc }
func (d *Display) Mode() Mode             { return d.mode }

// State is safe to read from any goroutine.
func (d *Display) State() DisplayState {
	return DisplayState(d.state.Load())
}

func (d *Display) setState(s DisplayState) {
	d.state.Store(int32(s))
}

// SubmitFrame runs draw on the display's worker thread with the context
// current, swaps, and submits the result as a page flip. It returns once
// the flip was accepted (or refused). ErrFlipBusy means a flip is still
// outstanding; retry after the next frame latches.
func (d *Display) SubmitFrame(draw DrawFunc) error {
	return d.send(displayCmd{draw: draw})
}

// detach asks the worker to tear down and waits for it to finish.
func (d *Display) detach() {
	_ = d.send(displayCmd{detach: true})
	<-d.done
}

func (d *Display) send(cmd displayCmd) error {
	cmd.reply = make(chan error, 1)
	select {
	case d.cmds <- cmd:
	case <-d.done:
		return ErrDisplayClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-d.done:
		return ErrDisplayClosed
	}
}

// deliverFlip hands a routed page-flip completion to the worker. Called by
// the coordinator; never blocks it.
func (d *Display) deliverFlip(ev FlipEvent) {
	select {
	case d.ticks <- ev:
	case <-d.done:
	default:
		// At most one flip is ever in flight, so a full tick channel
		// means this event cannot belong to an outstanding flip.
		d.log.WithField("sequence", ev.Sequence).Warnln("Dropping unexpected flip event")
	}
}

// run is the worker. It owns the display context's thread for the whole
// display lifetime.
func (d *Display) run() {
	runtime.LockOSThread()
	defer close(d.done)

	if err := d.attach(); err != nil {
		d.teardown()
		d.setState(StateClosed)
		d.ready <- err
		_ = d.events.Send(Event{Kind: EventFailed, Connector: d.conn, Crtc: d.crtc, Err: err})
		return
	}
	d.setState(StateArmed)
	d.ready <- nil
	_ = d.events.Send(Event{Kind: EventAttached, Connector: d.conn, Crtc: d.crtc})

	for {
		select {
		case cmd := <-d.cmds:
			if cmd.detach {
				d.release()
				cmd.reply <- nil
				return
			}
			cmd.reply <- d.beginFlip(cmd.draw)
		case ev := <-d.ticks:
			d.onFlipComplete(ev)
		}
	}
}

// attach builds the render surface and context, then performs the initial
// mode-set.
func (d *Display) attach() error {
	surf, err := d.bufdev.CreateSurface(uint32(d.mode.Width), uint32(d.mode.Height))
	if err != nil {
		d.log.WithError(err).Errorln("Failed to create render surface")
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	d.surf = surf

	dc, err := d.master.NewDisplayContext(surf)
	if err != nil {
		d.log.WithError(err).Errorln("Failed to create display context")
		return fmt.Errorf("%w: %v", ErrContextCreateFailed, err)
	}
	d.dc = dc
	d.fbs = NewFramebufferCache(d.dev)

	return d.modeSet()
}

// modeSet produces the first frame (a neutral grey clear), locks it and
// binds (crtc, framebuffer, connector, mode). On success the locked buffer
// becomes the current scanout slot.
func (d *Display) modeSet() error {
	d.dc.Clear(0.5, 0.5, 0.5)
	if err := d.dc.SwapBuffers(); err != nil {
		d.log.WithError(err).Errorln("Swap failed during mode set")
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	front, err := d.surf.LockFront()
	if err != nil {
		d.log.WithError(err).Errorln("Failed to lock front buffer")
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	fb, err := d.fbs.Ensure(front)
	if err != nil {
		front.Release()
		d.log.WithError(err).Errorln("Failed to attach framebuffer")
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	if err := d.dev.SetCrtc(d.crtc, fb, d.conn, d.mode); err != nil {
		front.Release()
		d.log.WithError(err).Errorln("Kernel rejected mode set")
		return fmt.Errorf("%w: %v", ErrModeSetFailed, err)
	}
	d.current = front
	return nil
}

// beginFlip renders one frame and submits it as a page flip.
func (d *Display) beginFlip(draw DrawFunc) error {
	if d.flipInFlight {
		return ErrFlipBusy
	}
	if d.current == nil {
		return ErrDisplayClosed
	}

	if draw != nil {
		draw(&Frame{dc: d.dc, width: uint32(d.mode.Width), height: uint32(d.mode.Height)})
	}
	if err := d.dc.SwapBuffers(); err != nil {
		d.log.WithError(err).Errorln("Swap failed")
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	front, err := d.surf.LockFront()
	if err != nil {
		d.log.WithError(err).Errorln("Failed to lock front buffer")
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	fb, err := d.fbs.Ensure(front)
	if err != nil {
		front.Release()
		d.log.WithError(err).Errorln("Failed to attach framebuffer")
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	if err := d.dev.PageFlip(d.crtc, fb, d.cookie); err != nil {
		// The locked buffer must not leak into the pending slot on a
		// refused flip.
		front.Release()
		if errors.Is(err, ErrFlipBusy) {
			d.log.Debugln("Page flip busy, caller may retry")
			return ErrFlipBusy
		}
		d.log.WithError(err).Errorln("Page flip failed")
		return fmt.Errorf("%w: %v", ErrFlipFailed, err)
	}
	d.pending = front
	d.flipInFlight = true
	d.setState(StateFlipPending)
	return nil
}

// onFlipComplete promotes the pending slot to current. The old current
// buffer stopped being scanned out at the vblank that latched this flip,
// so it can finally go back to the surface's pool. No GL here.
func (d *Display) onFlipComplete(ev FlipEvent) {
	if !d.flipInFlight {
		d.log.WithField("sequence", ev.Sequence).Warnln("Flip event without a flip in flight")
		return
	}
	old := d.current
	d.current = d.pending
	d.pending = nil
	d.flipInFlight = false
	if old != nil {
		old.Release()
	}
	d.lastLatch = ev.When
	d.setState(StateScanning)
	_ = d.events.Send(Event{
		Kind:      EventFrameLatched,
		Connector: d.conn,
		Crtc:      d.crtc,
		Sequence:  ev.Sequence,
		When:      ev.When,
	})
}

// release finishes the outstanding flip (or cancels it by disabling the
// CRTC), returns both slots, and destroys the rendering state.
func (d *Display) release() {
	if d.flipInFlight {
		// Give the kernel one refresh interval plus grace to deliver the
		// completion, then force the issue.
		timer := time.NewTimer(d.mode.Interval() + 50*time.Millisecond)
		select {
		case ev := <-d.ticks:
			timer.Stop()
			d.onFlipComplete(ev)
		case <-timer.C:
			d.log.Warnln("Flip completion timed out, cancelling")
			d.flipInFlight = false
			if d.pending != nil {
				d.pending.Release()
				d.pending = nil
			}
		}
	}
	if err := d.dev.DisableCrtc(d.crtc); err != nil {
		d.log.WithError(err).Warnln("Failed to disable CRTC")
	}
	d.teardown()
	d.setState(StateClosed)
	_ = d.events.Send(Event{Kind: EventStopped, Connector: d.conn, Crtc: d.crtc})
}

// teardown returns buffers, drops framebuffers and destroys context and
// surface. Safe on partially-constructed displays.
func (d *Display) teardown() {
	if d.pending != nil {
		d.pending.Release()
		d.pending = nil
	}
	if d.current != nil {
		d.current.Release()
		d.current = nil
	}
	if d.fbs != nil {
		d.fbs.DropAll()
	}
	if d.dc != nil {
		d.dc.Release()
		d.dc = nil
	}
	if d.surf != nil {
		d.surf.Destroy()
		d.surf = nil
	}
}
