package engine

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// goid extracts the current goroutine id from the stack header. The fakes
// use it to check that context-bound calls stay on the thread-pinned
// worker goroutine that made the context current.
func goid() int {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := strings.Fields(string(buf[:n]))
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		panic("cannot parse goroutine id: " + err.Error())
	}
	return id
}

type fakeConnector struct {
	id        ConnectorID
	connected bool
	encoders  []EncoderID
	modes     []Mode
}

type flipRecord struct {
	crtc   CrtcID
	fb     FramebufferID
	cookie uint64
}

// fakeDevice implements Device with scriptable failures and full call
// accounting.
type fakeDevice struct {
	mu sync.Mutex

	connectors []fakeConnector
	crtcs      []CrtcID
	encoders   map[EncoderID]uint32 // possible-CRTCs masks

	failSetCrtc  int     // reject this many SetCrtc calls
	flipErrs     []error // queued PageFlip responses, consumed first
	autoComplete bool    // queue a completion for every accepted flip

	nextFB     FramebufferID
	fbOwners   map[FramebufferID]uint64 // fb id -> buffer handle
	fbRemovals map[FramebufferID]int
	fbAdds     int

	setCrtcCalls []flipRecord
	flips        []flipRecord
	outstanding  int // accepted flips minus delivered completions
	seq          uint32
	disabled     map[CrtcID]bool

	pending []FlipEvent

	violations []string
}

func newFakeDevice(crtcs []CrtcID) *fakeDevice {
	return &fakeDevice{
		crtcs:        crtcs,
		encoders:     make(map[EncoderID]uint32),
		autoComplete: true,
		nextFB:       100,
		fbOwners:     make(map[FramebufferID]uint64),
		fbRemovals:   make(map[FramebufferID]int),
		disabled:     make(map[CrtcID]bool),
	}
}

func (d *fakeDevice) violate(format string, args ...any) {
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

func (d *fakeDevice) Snapshot() (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	connectors := make([]ConnectorInfo, 0, len(d.connectors))
	for _, c := range d.connectors {
		connectors = append(connectors, ConnectorInfo{
			ID:        c.id,
			Connected: c.connected,
			Encoders:  append([]EncoderID(nil), c.encoders...),
			Modes:     append([]Mode(nil), c.modes...),
		})
	}
	encoders := make([]EncoderInfo, 0, len(d.encoders))
	for id, mask := range d.encoders {
		encoders = append(encoders, EncoderInfo{ID: id, PossibleCrtcs: mask})
	}
	return NewSnapshot(connectors, append([]CrtcID(nil), d.crtcs...), encoders), nil
}

func (d *fakeDevice) SetCrtc(crtc CrtcID, fb FramebufferID, conn ConnectorID, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSetCrtc > 0 {
		d.failSetCrtc--
		return errors.New("set_crtc rejected")
	}
	d.setCrtcCalls = append(d.setCrtcCalls, flipRecord{crtc: crtc, fb: fb})
	d.disabled[crtc] = false
	return nil
}

func (d *fakeDevice) DisableCrtc(crtc CrtcID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disabled[crtc] = true
	return nil
}

func (d *fakeDevice) PageFlip(crtc CrtcID, fb FramebufferID, cookie uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.flipErrs) > 0 {
		err := d.flipErrs[0]
		d.flipErrs = d.flipErrs[1:]
		if err != nil {
			return err
		}
	}
	if d.outstanding != 0 {
		d.violate("page flip submitted while %d flips outstanding on crtc %d", d.outstanding, crtc)
	}
	d.outstanding++
	d.flips = append(d.flips, flipRecord{crtc: crtc, fb: fb, cookie: cookie})
	if d.autoComplete {
		d.seq++
		d.pending = append(d.pending, FlipEvent{
			Cookie:   cookie,
			Sequence: d.seq,
			When:     time.Unix(int64(d.seq), 0),
		})
	}
	return nil
}

func (d *fakeDevice) AddFramebuffer(buf Buffer) (FramebufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFB++
	d.fbAdds++
	d.fbOwners[d.nextFB] = buf.Handle()
	return d.nextFB, nil
}

func (d *fakeDevice) RemoveFramebuffer(id FramebufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fbOwners[id]; !ok {
		d.violate("removing unknown framebuffer %d", id)
	}
	d.fbRemovals[id]++
	if d.fbRemovals[id] > 1 {
		d.violate("framebuffer %d removed %d times", id, d.fbRemovals[id])
	}
	delete(d.fbOwners, id)
	return nil
}

func (d *fakeDevice) ReadEvents(time.Duration) ([]FlipEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := d.pending
	d.pending = nil
	d.outstanding -= len(events)
	return events, nil
}

func (d *fakeDevice) Close() error { return nil }

// injectEvent queues a hand-made completion, for cookie-routing tests.
func (d *fakeDevice) injectEvent(ev FlipEvent) {
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	d.mu.Unlock()
}

func (d *fakeDevice) setConnected(id ConnectorID, connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.connectors {
		if d.connectors[i].id == id {
			d.connectors[i].connected = connected
		}
	}
}

// fakeBuffer is one buffer object in a surface's pool.
type fakeBuffer struct {
	mu     sync.Mutex
	handle uint64
	locked bool
	dev    *fakeDevice

	locks    int
	releases int
}

func (b *fakeBuffer) Handle() uint64       { return b.handle }
func (b *fakeBuffer) KernelHandle() uint32 { return uint32(b.handle) }
func (b *fakeBuffer) Width() uint32        { return 1920 }
func (b *fakeBuffer) Height() uint32       { return 1080 }
func (b *fakeBuffer) Stride() uint32       { return 1920 * 4 }

func (b *fakeBuffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.locked {
		b.dev.violate("buffer %d released while not locked", b.handle)
	}
	b.locked = false
	b.releases++
}

// fakeSurface cycles through a bounded pool like a real GBM surface.
type fakeSurface struct {
	mu        sync.Mutex
	dev       *fakeDevice
	pool      []*fakeBuffer
	next      int
	swapped   int // swaps not yet consumed by a lock
	destroyed bool
	lockGids  []int
}

func (s *fakeSurface) LockFront() (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.swapped == 0 {
		s.dev.violate("front buffer locked without a preceding swap")
	}
	s.swapped--
	s.lockGids = append(s.lockGids, goid())

	buf := s.pool[s.next%len(s.pool)]
	s.next++
	buf.mu.Lock()
	if buf.locked {
		s.dev.violate("buffer %d locked twice", buf.handle)
	}
	buf.locked = true
	buf.locks++
	buf.mu.Unlock()
	return buf, nil
}

func (s *fakeSurface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		s.dev.violate("surface destroyed twice")
	}
	s.destroyed = true
	for _, buf := range s.pool {
		buf.mu.Lock()
		if buf.locked {
			s.dev.violate("surface destroyed with buffer %d still locked", buf.handle)
		}
		buf.mu.Unlock()
	}
}

// fakeBufferDevice hands out surfaces with a three-deep buffer pool.
type fakeBufferDevice struct {
	mu         sync.Mutex
	dev        *fakeDevice
	nextHandle uint64
	surfaces   []*fakeSurface
	failCreate bool
	closed     bool
}

func newFakeBufferDevice(dev *fakeDevice) *fakeBufferDevice {
	return &fakeBufferDevice{dev: dev, nextHandle: 1}
}

func (d *fakeBufferDevice) CreateSurface(width, height uint32) (Surface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreate {
		return nil, errors.New("surface allocation refused")
	}
	surf := &fakeSurface{dev: d.dev}
	for i := 0; i < 3; i++ {
		surf.pool = append(surf.pool, &fakeBuffer{handle: d.nextHandle, dev: d.dev})
		d.nextHandle++
	}
	d.surfaces = append(d.surfaces, surf)
	return surf, nil
}

func (d *fakeBufferDevice) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// lockBalance sums locks and releases over every buffer ever handed out.
func (d *fakeBufferDevice) lockBalance() (locks, releases int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, surf := range d.surfaces {
		for _, buf := range surf.pool {
			buf.mu.Lock()
			locks += buf.locks
			releases += buf.releases
			buf.mu.Unlock()
		}
	}
	return locks, releases
}

// fakeRenderer emulates EGL's thread-local current-context discipline with
// a goroutine-id map.
type fakeRenderer struct {
	mu       sync.Mutex
	dev      *fakeDevice
	current  map[int]any // goroutine id -> bound context
	failNext bool        // refuse the next display context
	closed   bool
}

func newFakeRenderer(dev *fakeDevice) *fakeRenderer {
	return &fakeRenderer{dev: dev, current: make(map[int]any)}
}

func (r *fakeRenderer) NewMasterContext() (MasterContext, error) {
	master := &fakeMaster{renderer: r}
	r.mu.Lock()
	r.current[goid()] = master
	r.mu.Unlock()
	return master, nil
}

func (r *fakeRenderer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type fakeMaster struct {
	renderer *fakeRenderer
	released bool
}

func (m *fakeMaster) NewDisplayContext(surf Surface) (DisplayContext, error) {
	r := m.renderer
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return nil, errors.New("context creation refused")
	}
	gid := goid()
	if _, bound := r.current[gid]; bound {
		r.dev.violate("display context created on a thread that already has a current context")
	}
	fs, ok := surf.(*fakeSurface)
	if !ok {
		return nil, errors.New("foreign surface")
	}
	dc := &fakeDisplayContext{renderer: r, surf: fs, owner: gid}
	r.current[gid] = dc
	return dc, nil
}

func (m *fakeMaster) Release() { m.released = true }

type fakeDisplayContext struct {
	renderer *fakeRenderer
	surf     *fakeSurface
	owner    int
	released bool
}

func (d *fakeDisplayContext) checkThread(op string) {
	if gid := goid(); gid != d.owner {
		d.renderer.dev.violate("%s on goroutine %d, context owned by %d", op, gid, d.owner)
	}
}

func (d *fakeDisplayContext) Clear(r, g, b float32) {
	d.checkThread("clear")
}

func (d *fakeDisplayContext) SwapBuffers() error {
	d.checkThread("swap")
	d.surf.mu.Lock()
	d.surf.swapped++
	d.surf.mu.Unlock()
	return nil
}

func (d *fakeDisplayContext) Release() {
	d.checkThread("release")
	d.released = true
	r := d.renderer
	r.mu.Lock()
	delete(r.current, d.owner)
	r.mu.Unlock()
}
