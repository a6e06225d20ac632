package engine

import "time"

// Kernel mode-setting object ids. Opaque 32-bit values handed out by the
// kernel; stable for the lifetime of a session.
type (
	ConnectorID   uint32
	EncoderID     uint32
	CrtcID        uint32
	FramebufferID uint32
)

// Mode is one timing a connector supports: active resolution plus refresh
// rate. Index is the position within the connector's reported mode list so
// a backend can recover the full kernel timing when the mode is set.
type Mode struct {
	Width     uint16
	Height    uint16
	Refresh   uint32 // Hz
	Preferred bool
	Name      string
	Index     int
}

// Interval returns the duration of one refresh cycle. Used to bound how
// long a worker waits on an outstanding flip during shutdown.
func (m Mode) Interval() time.Duration {
	if m.Refresh == 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(m.Refresh)
}

// ConnectorInfo describes one physical output port at snapshot time.
type ConnectorInfo struct {
	ID             ConnectorID
	Connected      bool
	CurrentEncoder EncoderID // 0 if none is bound
	Encoders       []EncoderID
	Modes          []Mode
}

// EncoderInfo describes the signal block between a CRTC and a connector.
// PossibleCrtcs is a bitmask over the device's CRTC array: bit i set means
// the CRTC at index i of Snapshot.Crtcs can drive this encoder.
type EncoderInfo struct {
	ID            EncoderID
	PossibleCrtcs uint32
}

// Snapshot is a single-shot query of the device's mode resources. It
// reflects the moment it was taken; hotplug means callers re-query.
type Snapshot struct {
	connectors []ConnectorInfo
	crtcs      []CrtcID
	encoders   map[EncoderID]EncoderInfo
}

// NewSnapshot assembles a snapshot from backend query results. The CRTC
// slice keeps the device order, which matters: encoder compatibility masks
// are indexed by position in exactly this slice.
func NewSnapshot(connectors []ConnectorInfo, crtcs []CrtcID, encoders []EncoderInfo) *Snapshot {
	byID := make(map[EncoderID]EncoderInfo, len(encoders))
	for _, enc := range encoders {
		byID[enc.ID] = enc
	}
	return &Snapshot{connectors: connectors, crtcs: crtcs, encoders: byID}
}

func (s *Snapshot) Connectors() []ConnectorInfo { return s.connectors }

// Crtcs is positional: the index of a CRTC here is the bit an encoder's
// PossibleCrtcs mask refers to.
func (s *Snapshot) Crtcs() []CrtcID { return s.crtcs }

func (s *Snapshot) Connector(id ConnectorID) (ConnectorInfo, bool) {
	for _, conn := range s.connectors {
		if conn.ID == id {
			return conn, true
		}
	}
	return ConnectorInfo{}, false
}

func (s *Snapshot) Encoder(id EncoderID) (EncoderInfo, bool) {
	enc, ok := s.encoders[id]
	return enc, ok
}

// FlipEvent is a page-flip completion delivered by the kernel. Cookie is
// the per-Display token passed at submission time.
type FlipEvent struct {
	Cookie   uint64
	Sequence uint32
	When     time.Time
}

// Device is the mode-setting face of the GPU: discovery, CRTC programming,
// framebuffer registration and page-flip events. The production
// implementation lives in the kms package; tests supply fakes.
type Device interface {
	// Snapshot queries connectors, encoders, CRTCs and modes.
	Snapshot() (*Snapshot, error)
	// SetCrtc binds (crtc, framebuffer, connector, mode) and starts
	// scanning out the framebuffer.
	SetCrtc(crtc CrtcID, fb FramebufferID, conn ConnectorID, mode Mode) error
	// DisableCrtc detaches the CRTC from any framebuffer and connector.
	DisableCrtc(crtc CrtcID) error
	// PageFlip schedules fb to replace the scanout buffer of crtc at the
	// next vblank and requests a completion event carrying cookie.
	// Returns ErrFlipBusy while a flip is already latched in the kernel.
	PageFlip(crtc CrtcID, fb FramebufferID, cookie uint64) error
	// AddFramebuffer registers a buffer as a scannable framebuffer.
	AddFramebuffer(buf Buffer) (FramebufferID, error)
	// RemoveFramebuffer drops a framebuffer id. The underlying buffer is
	// untouched.
	RemoveFramebuffer(id FramebufferID) error
	// ReadEvents blocks up to timeout for readability on the device and
	// drains any pending page-flip completions.
	ReadEvents(timeout time.Duration) ([]FlipEvent, error)
	Close() error
}

// BufferDevice allocates scanout-capable buffers; the production
// implementation wraps a GBM device bound to the GPU session.
type BufferDevice interface {
	// CreateSurface builds a swap chain of XRGB8888 buffers usable both
	// as render targets and for scanout.
	CreateSurface(width, height uint32) (Surface, error)
	Close()
}

// Surface is a GPU-side swap chain. Frames are produced by drawing with
// the owning DisplayContext current, swapping, then locking the front
// buffer that the swap produced.
type Surface interface {
	// LockFront takes ownership of the most recently swapped buffer. The
	// buffer must be released exactly once, and only after it is no
	// longer scanned out.
	LockFront() (Buffer, error)
	Destroy()
}

// Buffer is one buffer object from a Surface's pool.
type Buffer interface {
	// Handle identifies the buffer object. Stable across repeated locks
	// of the same object, unique within the device.
	Handle() uint64
	// KernelHandle is the GEM handle used to register a framebuffer.
	KernelHandle() uint32
	Width() uint32
	Height() uint32
	Stride() uint32
	// Release returns the buffer to its surface's pool.
	Release()
}

// Renderer is the accelerated-rendering face of the GPU (EGL in
// production). It is initialized once against the buffer device.
type Renderer interface {
	// NewMasterContext creates the surfaceless share-root context and
	// makes it current on the calling thread. It must be called from the
	// coordinator and outlive every display context.
	NewMasterContext() (MasterContext, error)
	Close()
}

// MasterContext owns the shared namespace for textures and buffers.
type MasterContext interface {
	// NewDisplayContext creates a context + window surface over surf,
	// sharing with the master, and makes it current on the calling
	// thread. Call it from the worker that will own the display; no
	// other context may be current on that thread.
	NewDisplayContext(surf Surface) (DisplayContext, error)
	Release()
}

// DisplayContext is a per-display rendering context pinned to the worker
// thread that created it.
type DisplayContext interface {
	// Clear fills the back buffer with a solid color.
	Clear(r, g, b float32)
	// SwapBuffers queues the back buffer for the surface's swap chain.
	SwapBuffers() error
	// Release un-makes the context current, then destroys context and
	// surface in that order. Worker thread only.
	Release()
}

// Frame is the capability handed to a draw callback. Its existence
// guarantees the display's context is current on the calling goroutine's
// thread, so GL calls are legal for the duration of the callback.
type Frame struct {
	dc     DisplayContext
	width  uint32
	height uint32
}

func (f *Frame) Size() (width, height uint32) { return f.width, f.height }

// Clear fills the frame with a solid color.
func (f *Frame) Clear(r, g, b float32) { f.dc.Clear(r, g, b) }

// DrawFunc renders one frame. It runs on the display's worker thread and
// must issue GL calls only.
type DrawFunc func(*Frame)
