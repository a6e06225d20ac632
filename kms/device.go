package kms

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	"github.com/NeowayLabs/drm/mode"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Oblong/waypositor/engine"
)

const (
	// DRM_MODE_TYPE_PREFERRED in a mode's type flags.
	modeTypePreferred = 1 << 3

	// DRM_MODE_PAGE_FLIP_EVENT: ask the kernel to deliver a completion
	// event when the flip latches.
	pageFlipEvent = 0x01

	// drm_event types.
	eventVBlank       = 0x01
	eventFlipComplete = 0x02

	// XRGB8888 scanout: colour depth and bits per pixel for AddFB.
	fbDepth = 24
	fbBPP   = 32
)

// struct drm_mode_crtc_page_flip
type sysPageFlip struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	reserved uint32
	userData uint64
}

// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
var ioctlModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysPageFlip{})), drm.IOCTLBase, 0xB0)

// Kernel event records are native-endian; every platform this runs on is
// little-endian.
var nativeEndian = binary.LittleEndian

// Device implements engine.Device over a Session.
type Device struct {
	log     *logrus.Entry
	session *Session

	// Raw kernel mode timings per connector from the most recent
	// snapshot, in the connector's reported order. SetCrtc recovers the
	// full timing from engine.Mode.Index through this.
	modes map[engine.ConnectorID][]mode.Info
}

// NewDevice wraps a session in the engine's mode-setting interface.
func NewDevice(session *Session) *Device {
	return &Device{
		log:     session.log.WithField("component", "kms"),
		session: session,
		modes:   make(map[engine.ConnectorID][]mode.Info),
	}
}

// Snapshot queries connectors, encoders, CRTCs and modes in one pass.
func (d *Device) Snapshot() (*engine.Snapshot, error) {
	snap, modes, err := readSnapshot(d.session.file)
	if err != nil {
		return nil, err
	}
	d.modes = modes
	return snap, nil
}

// readSnapshot is shared with tool mode, which inspects a device without
// taking the master lease.
func readSnapshot(file *os.File) (*engine.Snapshot, map[engine.ConnectorID][]mode.Info, error) {
	res, err := mode.GetResources(file)
	if err != nil {
		return nil, nil, fmt.Errorf("mode resources: %w", err)
	}

	rawModes := make(map[engine.ConnectorID][]mode.Info, len(res.Connectors))
	connectors := make([]engine.ConnectorInfo, 0, len(res.Connectors))
	for _, id := range res.Connectors {
		conn, err := mode.GetConnector(file, id)
		if err != nil {
			return nil, nil, fmt.Errorf("connector %d: %w", id, err)
		}
		info := engine.ConnectorInfo{
			ID:             engine.ConnectorID(conn.ID),
			Connected:      conn.Connection == mode.Connected,
			CurrentEncoder: engine.EncoderID(conn.EncoderID),
		}
		for _, enc := range conn.Encoders {
			info.Encoders = append(info.Encoders, engine.EncoderID(enc))
		}
		for i, raw := range conn.Modes {
			info.Modes = append(info.Modes, engine.Mode{
				Width:     raw.Hdisplay,
				Height:    raw.Vdisplay,
				Refresh:   raw.Vrefresh,
				Preferred: raw.Type&modeTypePreferred != 0,
				Name:      modeName(raw),
				Index:     i,
			})
		}
		rawModes[info.ID] = conn.Modes
		connectors = append(connectors, info)
	}

	encoders := make([]engine.EncoderInfo, 0, len(res.Encoders))
	for _, id := range res.Encoders {
		enc, err := mode.GetEncoder(file, id)
		if err != nil {
			return nil, nil, fmt.Errorf("encoder %d: %w", id, err)
		}
		encoders = append(encoders, engine.EncoderInfo{
			ID:            engine.EncoderID(enc.ID),
			PossibleCrtcs: enc.PossibleCrtcs,
		})
	}

	crtcs := make([]engine.CrtcID, 0, len(res.Crtcs))
	for _, id := range res.Crtcs {
		crtcs = append(crtcs, engine.CrtcID(id))
	}

	return engine.NewSnapshot(connectors, crtcs, encoders), rawModes, nil
}

func modeName(raw mode.Info) string {
	return string(bytes.TrimRight(raw.Name[:], "\x00"))
}

func (d *Device) rawMode(conn engine.ConnectorID, m engine.Mode) (*mode.Info, error) {
	list := d.modes[conn]
	if m.Index < 0 || m.Index >= len(list) {
		return nil, fmt.Errorf("connector %d has no mode at index %d", conn, m.Index)
	}
	return &list[m.Index], nil
}

// SetCrtc binds the framebuffer to the CRTC and drives the connector with
// the given mode.
func (d *Device) SetCrtc(crtc engine.CrtcID, fb engine.FramebufferID, conn engine.ConnectorID, m engine.Mode) error {
	raw, err := d.rawMode(conn, m)
	if err != nil {
		return err
	}
	connID := uint32(conn)
	return mode.SetCrtc(d.session.file, uint32(crtc), uint32(fb), 0, 0, &connID, 1, raw)
}

// DisableCrtc detaches the CRTC from framebuffer and connectors. A null
// mode-set is how the legacy interface spells "off".
func (d *Device) DisableCrtc(crtc engine.CrtcID) error {
	return mode.SetCrtc(d.session.file, uint32(crtc), 0, 0, 0, nil, 0, nil)
}

// PageFlip schedules the framebuffer to replace the CRTC's scanout at the
// next vblank, with a completion event carrying cookie.
func (d *Device) PageFlip(crtc engine.CrtcID, fb engine.FramebufferID, cookie uint64) error {
	req := sysPageFlip{
		crtcID:   uint32(crtc),
		fbID:     uint32(fb),
		flags:    pageFlipEvent,
		userData: cookie,
	}
	err := ioctl.Do(d.session.Fd(), uintptr(ioctlModePageFlip), uintptr(unsafe.Pointer(&req)))
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return engine.ErrFlipBusy
		}
		return err
	}
	return nil
}

// AddFramebuffer registers the buffer as an XRGB8888 framebuffer.
func (d *Device) AddFramebuffer(buf engine.Buffer) (engine.FramebufferID, error) {
	id, err := mode.AddFB(d.session.file,
		uint16(buf.Width()), uint16(buf.Height()),
		fbDepth, fbBPP, buf.Stride(), buf.KernelHandle())
	if err != nil {
		return 0, fmt.Errorf("add framebuffer: %w", err)
	}
	return engine.FramebufferID(id), nil
}

// RemoveFramebuffer drops a framebuffer id.
func (d *Device) RemoveFramebuffer(id engine.FramebufferID) error {
	return mode.RmFB(d.session.file, uint32(id))
}

// ReadEvents waits up to timeout for the descriptor to become readable and
// parses every queued page-flip completion. A negative timeout blocks.
func (d *Device) ReadEvents(timeout time.Duration) ([]engine.FlipEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(d.session.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, 1024)
	count, err := unix.Read(int(d.session.Fd()), buf)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return parseEvents(buf[:count], d.log), nil
}

// parseEvents walks the kernel's packed event records: an 8-byte header
// (type, length) per event, length covering the header itself.
func parseEvents(buf []byte, log *logrus.Entry) []engine.FlipEvent {
	var events []engine.FlipEvent
	for len(buf) >= 8 {
		typ := nativeEndian.Uint32(buf[0:4])
		length := nativeEndian.Uint32(buf[4:8])
		if length < 8 || int(length) > len(buf) {
			log.WithFields(logrus.Fields{
				"type":   typ,
				"length": length,
			}).Warnln("Truncated DRM event, discarding rest of buffer")
			break
		}
		if typ == eventFlipComplete && length >= 32 {
			// struct drm_event_vblank after the header:
			// user_data u64, tv_sec u32, tv_usec u32, sequence u32
			userData := nativeEndian.Uint64(buf[8:16])
			sec := nativeEndian.Uint32(buf[16:20])
			usec := nativeEndian.Uint32(buf[20:24])
			seq := nativeEndian.Uint32(buf[24:28])
			events = append(events, engine.FlipEvent{
				Cookie:   userData,
				Sequence: seq,
				When:     time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)),
			})
		}
		buf = buf[length:]
	}
	return events
}

// Close releases the underlying session (drops master, closes the node).
func (d *Device) Close() error {
	return d.session.Close()
}
