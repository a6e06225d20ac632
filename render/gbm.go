// Package render is the production GBM + EGL backend of the display
// engine: scanout-capable buffer allocation and OpenGL ES 3 contexts over
// the GPU the kms session opened.
package render

/*
#cgo LDFLAGS: -lgbm
#include <gbm.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/Oblong/waypositor/engine"
	"github.com/Oblong/waypositor/kms"
)

// BufferDevice implements engine.BufferDevice over a GBM device bound to
// the session's descriptor. It produces buffers the CRTC can scan out and
// the GL stack can render into.
type BufferDevice struct {
	log *logrus.Entry
	dev *C.struct_gbm_device
}

// NewBufferDevice binds a GBM allocator to the GPU session. The device
// borrows the session descriptor; it must not outlive the session.
func NewBufferDevice(session *kms.Session) (*BufferDevice, error) {
	dev := C.gbm_create_device(C.int(session.Fd()))
	if dev == nil {
		return nil, engine.ErrNoBufferDevice
	}
	return &BufferDevice{
		log: logrus.WithField("component", "gbm"),
		dev: dev,
	}, nil
}

// Native exposes the gbm_device pointer for EGL platform binding.
func (d *BufferDevice) Native() unsafe.Pointer { return unsafe.Pointer(d.dev) }

// CreateSurface builds a swap chain of XRGB8888 buffers usable for both
// rendering and scanout.
func (d *BufferDevice) CreateSurface(width, height uint32) (engine.Surface, error) {
	surf := C.gbm_surface_create(d.dev,
		C.uint32_t(width), C.uint32_t(height),
		// No transparency - 8-bit red, green, blue; presented to the
		// screen and rendered into.
		C.GBM_FORMAT_XRGB8888,
		C.GBM_BO_USE_SCANOUT|C.GBM_BO_USE_RENDERING)
	if surf == nil {
		return nil, fmt.Errorf("gbm_surface_create failed for %dx%d", width, height)
	}
	return &Surface{surf: surf}, nil
}

func (d *BufferDevice) Close() {
	C.gbm_device_destroy(d.dev)
	d.dev = nil
}

// Surface is one GBM swap chain.
type Surface struct {
	surf *C.struct_gbm_surface
}

// LockFront takes ownership of the buffer produced by the last swap. GBM
// owns the buffer object; the lock must be paired with exactly one
// Release, after the buffer left scanout.
func (s *Surface) LockFront() (engine.Buffer, error) {
	bo := C.gbm_surface_lock_front_buffer(s.surf)
	if bo == nil {
		return nil, errors.New("failed to lock front buffer")
	}
	return &Buffer{surf: s.surf, bo: bo}, nil
}

func (s *Surface) Destroy() {
	C.gbm_surface_destroy(s.surf)
	s.surf = nil
}

// Buffer is a locked front buffer from a Surface's pool.
type Buffer struct {
	surf *C.struct_gbm_surface
	bo   *C.struct_gbm_bo
}

// Handle identifies the underlying buffer object. GBM cycles through a
// bounded pool, so the same object (and handle) comes back around; the
// framebuffer cache keys on this.
func (b *Buffer) Handle() uint64 {
	return uint64(uintptr(unsafe.Pointer(b.bo)))
}

// KernelHandle is the GEM handle for framebuffer registration.
func (b *Buffer) KernelHandle() uint32 {
	handle := C.gbm_bo_get_handle(b.bo)
	return *(*uint32)(unsafe.Pointer(&handle))
}

func (b *Buffer) Width() uint32  { return uint32(C.gbm_bo_get_width(b.bo)) }
func (b *Buffer) Height() uint32 { return uint32(C.gbm_bo_get_height(b.bo)) }
func (b *Buffer) Stride() uint32 { return uint32(C.gbm_bo_get_stride(b.bo)) }

// Release returns the buffer to its surface's pool.
func (b *Buffer) Release() {
	C.gbm_surface_release_buffer(b.surf, b.bo)
	b.bo = nil
}
