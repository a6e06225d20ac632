package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Oblong/waypositor/util/multiplexer"
)

// DeviceManager coordinates one GPU: it owns the mode-setting device, the
// buffer device, the render display with its master context, and a Display
// per connected monitor. Hotplug reconciliation and page-flip event
// routing both live here.
//
// Mutation belongs to the coordinator goroutine. Read-side accessors
// (ForEachDisplay, DisplayCount) take a read lock so observers like the
// repl may inspect live state. Displays run their own workers and are
// driven through messages.
type DeviceManager struct {
	log      *logrus.Entry
	dev      Device
	bufdev   BufferDevice
	renderer Renderer
	master   MasterContext

	mu        sync.RWMutex
	displays  map[ConnectorID]*Display
	crtcs     []CrtcID // device order, fixed at open
	freeCrtcs map[CrtcID]struct{}

	cookies    map[uint64]*Display
	nextCookie uint64

	workerEvents chan Event
	fromWorkers  *multiplexer.ManyToOne[Event]
	observers    *multiplexer.OneToMany[Event]
}

// Open brings up the device stack: mode resources are snapshotted once to
// learn the CRTC set, and the master context is created and made current
// on the calling goroutine's thread. Fatal per spec: any failure here
// leaves nothing usable behind.
func Open(dev Device, bufdev BufferDevice, renderer Renderer) (*DeviceManager, error) {
	snap, err := dev.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResources, err)
	}

	master, err := renderer.NewMasterContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMasterContext, err)
	}

	m := &DeviceManager{
		log:          logrus.WithField("component", "device-manager"),
		dev:          dev,
		bufdev:       bufdev,
		renderer:     renderer,
		master:       master,
		displays:     make(map[ConnectorID]*Display),
		crtcs:        snap.Crtcs(),
		freeCrtcs:    make(map[CrtcID]struct{}, len(snap.Crtcs())),
		cookies:      make(map[uint64]*Display),
		nextCookie:   1,
		workerEvents: make(chan Event),
	}
	for _, crtc := range m.crtcs {
		m.freeCrtcs[crtc] = struct{}{}
	}
	m.fromWorkers = multiplexer.NewManyToOne(m.workerEvents)
	m.observers = multiplexer.NewOneToMany[Event]()
	go m.observers.StartPlexer()
	go m.forwardEvents()

	m.log.WithField("crtcs", len(m.crtcs)).Infoln("Device manager ready")
	return m, nil
}

func (m *DeviceManager) forwardEvents() {
	sender := m.observers.GetSender()
	for ev := range m.workerEvents {
		sender <- ev
	}
	close(sender)
}

// Reconcile matches Displays against the connectors that are actually
// connected right now. Unplugged connectors lose their Display (the CRTC
// returns to the free set); newly connected ones get a mode, a compatible
// CRTC and a fresh Display. Per-display failures are logged and skipped,
// never fatal.
func (m *DeviceManager) Reconcile() error {
	snap, err := m.dev.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoResources, err)
	}

	for _, conn := range snap.Connectors() {
		m.mu.RLock()
		d, exists := m.displays[conn.ID]
		m.mu.RUnlock()
		switch {
		case exists && !conn.Connected:
			// Someone unplugged it.
			m.log.WithField("connector", conn.ID).Infoln("Connector gone, releasing display")
			m.releaseDisplay(d)

		case !exists && conn.Connected:
			// Someone plugged it in.
			m.attachConnector(snap, conn)
		}
	}
	return nil
}

func (m *DeviceManager) attachConnector(snap *Snapshot, conn ConnectorInfo) {
	mode, ok := FindBestMode(conn)
	if !ok {
		m.log.WithField("connector", conn.ID).Warnln("Connector reports no modes")
		return
	}
	crtc, ok := m.findCrtcForConnector(snap, conn)
	if !ok {
		m.log.WithField("connector", conn.ID).Warnln("No compatible CRTC for connector")
		return
	}

	cookie := m.nextCookie
	m.nextCookie++

	d := newDisplay(m.dev, m.bufdev, m.master, conn.ID, crtc, mode, cookie, m.fromWorkers)
	delete(m.freeCrtcs, crtc)
	m.cookies[cookie] = d
	go d.run()

	// The worker reports the outcome of its first mode-set before we move
	// on; a failed connector must not hold a CRTC hostage.
	if err := <-d.ready; err != nil {
		delete(m.cookies, cookie)
		m.freeCrtcs[crtc] = struct{}{}
		m.log.WithError(err).WithField("connector", conn.ID).Errorln("Display attach failed")
		return
	}

	m.mu.Lock()
	m.displays[conn.ID] = d
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{
		"connector": conn.ID,
		"crtc":      crtc,
		"mode":      fmt.Sprintf("%dx%d@%d", mode.Width, mode.Height, mode.Refresh),
	}).Infoln("Display attached")
}

// findCrtcForConnector walks the connector's candidate encoders and picks
// the first free CRTC the encoder can drive. The possible-CRTCs mask is
// indexed by position within the device's CRTC array, so the positional
// snapshot order is authoritative here.
func (m *DeviceManager) findCrtcForConnector(snap *Snapshot, conn ConnectorInfo) (CrtcID, bool) {
	for _, encID := range conn.Encoders {
		enc, ok := snap.Encoder(encID)
		if !ok {
			continue
		}
		for i, crtcID := range snap.Crtcs() {
			if enc.PossibleCrtcs&(1<<uint(i)) == 0 {
				continue
			}
			if _, free := m.freeCrtcs[crtcID]; free {
				return crtcID, true
			}
		}
	}
	return 0, false
}

func (m *DeviceManager) releaseDisplay(d *Display) {
	d.detach()
	m.mu.Lock()
	delete(m.displays, d.Connector())
	m.mu.Unlock()
	delete(m.cookies, d.cookie)
	m.freeCrtcs[d.Crtc()] = struct{}{}
}

// PollEvents drives the event loop for one iteration: it waits up to
// timeout for the device to become readable and routes every page-flip
// completion to the Display its cookie names. Events whose cookie is no
// longer registered are dropped with a warning; that is the normal fate
// of a completion that raced a release.
func (m *DeviceManager) PollEvents(timeout time.Duration) error {
	events, err := m.dev.ReadEvents(timeout)
	if err != nil {
		return err
	}
	for _, ev := range events {
		d, ok := m.cookies[ev.Cookie]
		if !ok {
			m.log.WithField("cookie", ev.Cookie).Warnln("Dropping flip event with unknown cookie")
			continue
		}
		d.deliverFlip(ev)
	}
	return nil
}

// ForEachDisplay exposes the live displays to the scene renderer.
func (m *DeviceManager) ForEachDisplay(fn func(*Display)) {
	m.mu.RLock()
	displays := make([]*Display, 0, len(m.displays))
	for _, d := range m.displays {
		displays = append(displays, d)
	}
	m.mu.RUnlock()
	for _, d := range displays {
		fn(d)
	}
}

// DisplayCount reports how many displays are currently attached.
func (m *DeviceManager) DisplayCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.displays)
}

// Subscribe registers a named observer for display events. The main loop
// holds one; the repl reads display state through ForEachDisplay instead.
func (m *DeviceManager) Subscribe(name string) chan Event {
	return m.observers.MakeReceiver(name)
}

// Unsubscribe drops a named observer again.
func (m *DeviceManager) Unsubscribe(name string) {
	m.observers.CloseReceiver(name)
}

// Shutdown releases every display (joining their workers), then tears the
// shared rendering state down in reverse construction order: children
// before master context, master before the render display, buffers before
// the session.
func (m *DeviceManager) Shutdown() {
	m.ForEachDisplay(m.releaseDisplay)
	m.fromWorkers.Close()
	m.master.Release()
	m.renderer.Close()
	m.bufdev.Close()
	if err := m.dev.Close(); err != nil {
		m.log.WithError(err).Warnln("Error closing device")
	}
	m.log.Infoln("Device manager shut down")
}
