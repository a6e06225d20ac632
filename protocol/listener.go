// Package protocol carries the Wayland-style socket front end: a
// UNIX-domain acceptor plus request-header framing. Dispatch, object
// tables and the rest of the protocol machinery belong to the surrounding
// compositor, which plugs in through the Handler hook.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/sirupsen/logrus"
)

// Wire framing: every request starts with a 64-bit header. First word is
// the target object id; the second packs the total message size (upper 16
// bits, header included) over the request opcode (lower 16), all
// little-endian.
const (
	headerSize = 8
	// maxRequestSize bounds a single message, matching the reference
	// protocol's limit. Anything larger is a broken or hostile client.
	maxRequestSize = 4096
)

// Request is one decoded client request.
type Request struct {
	ObjectID uint32
	Opcode   uint16
	Payload  []byte
}

// Handler consumes decoded requests for one client connection. Returning
// an error drops the client.
type Handler func(req Request) error

// Listener accepts compositor clients on a socket under XDG_RUNTIME_DIR.
type Listener struct {
	log     *logrus.Entry
	ln      *net.UnixListener
	path    string
	handler Handler
}

// NewListener binds $XDG_RUNTIME_DIR/<socketName>, removing a stale socket
// from a previous run first.
func NewListener(socketName string, handler Handler) (*Listener, error) {
	if xdg.RuntimeDir == "" {
		return nil, errors.New("XDG_RUNTIME_DIR must be set")
	}
	path := filepath.Join(xdg.RuntimeDir, socketName)

	if _, err := os.Stat(path); err == nil {
		// A previous compositor died without cleaning up.
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("couldn't remove existing socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	log := logrus.WithField("socket", path)
	log.Infoln("Listening for protocol clients")
	return &Listener{log: log, ln: ln, path: path, handler: handler}, nil
}

// Path is the filesystem location of the socket, suitable for
// WAYLAND_DISPLAY-style handoff to clients.
func (l *Listener) Path() string { return l.path }

// Serve accepts clients until the listener is closed. Run it as a
// goroutine; each client gets its own reader.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.WithError(err).Errorln("Accept failed")
			}
			return
		}
		l.log.Debugln("Client connected")
		go l.serveClient(conn)
	}
}

func (l *Listener) serveClient(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.WithError(err).Debugln("Client read failed")
			}
			return
		}
		objectID := binary.LittleEndian.Uint32(header[0:4])
		sizeOpcode := binary.LittleEndian.Uint32(header[4:8])
		size := sizeOpcode >> 16
		opcode := uint16(sizeOpcode & 0xffff)

		if size < headerSize || size > maxRequestSize {
			l.log.WithFields(logrus.Fields{
				"object": objectID,
				"opcode": opcode,
				"size":   size,
			}).Warnln("Client sent malformed request header")
			return
		}

		payload := make([]byte, size-headerSize)
		if _, err := io.ReadFull(conn, payload); err != nil {
			l.log.WithError(err).Debugln("Client body read failed")
			return
		}

		if l.handler == nil {
			continue
		}
		if err := l.handler(Request{ObjectID: objectID, Opcode: opcode, Payload: payload}); err != nil {
			l.log.WithError(err).Warnln("Dropping client")
			return
		}
	}
}

// Close stops accepting and removes the socket.
func (l *Listener) Close() {
	l.ln.Close()
	os.Remove(l.path)
}
