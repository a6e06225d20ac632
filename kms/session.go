// Package kms is the production DRM backend of the display engine: the
// master lease, mode resources, framebuffer registration, legacy CRTC
// programming and page-flip events, all over raw ioctls on a DRM primary
// node.
package kms

import (
	"errors"
	"fmt"
	"os"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Oblong/waypositor/engine"
)

// DRM_IO(0x1e) / DRM_IO(0x1f): become / drop the device master. The
// library stops at resource queries, so these are encoded here with its
// ioctl package, same codes libdrm uses.
var (
	ioctlSetMaster  = ioctl.NewCode(ioctl.None, 0, drm.IOCTLBase, 0x1e)
	ioctlDropMaster = ioctl.NewCode(ioctl.None, 0, drm.IOCTLBase, 0x1f)
)

// Session is scoped exclusive access to a DRM primary node: an open
// descriptor plus the master lease. Everything else in the engine borrows
// the descriptor and must not close it.
type Session struct {
	log  *logrus.Entry
	file *os.File
}

// OpenSession opens the device read-write and requests DRM master.
func OpenSession(path string) (*Session, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, path)
		case os.IsPermission(err):
			return nil, fmt.Errorf("%w: %s", engine.ErrPermissionDenied, path)
		default:
			return nil, fmt.Errorf("%w: %v", engine.ErrDeviceOpenFailed, err)
		}
	}

	err = ioctl.Do(file.Fd(), uintptr(ioctlSetMaster), 0)
	if err != nil {
		file.Close()
		switch {
		case errors.Is(err, unix.EBUSY):
			return nil, fmt.Errorf("%w: %s", engine.ErrDeviceBusy, path)
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return nil, fmt.Errorf("%w: %s", engine.ErrPermissionDenied, path)
		default:
			return nil, fmt.Errorf("%w: %v", engine.ErrMasterAcquireFailed, err)
		}
	}

	log := logrus.WithField("device", path)
	log.Infoln("Acquired DRM master")
	return &Session{log: log, file: file}, nil
}

// File exposes the descriptor for components that need to bind to it (the
// GBM device, the event loop). Callers must not close it.
func (s *Session) File() *os.File { return s.file }

// Fd is the raw descriptor number.
func (s *Session) Fd() uintptr { return s.file.Fd() }

// Close drops the master lease, then closes the descriptor. Errors are
// log-only; there is nothing useful a caller could do with them.
func (s *Session) Close() error {
	if err := ioctl.Do(s.file.Fd(), uintptr(ioctlDropMaster), 0); err != nil {
		s.log.WithError(err).Warnln("Error dropping DRM master")
	}
	if err := s.file.Close(); err != nil {
		s.log.WithError(err).Warnln("Error closing DRM device")
	}
	return nil
}
