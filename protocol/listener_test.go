package protocol

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/adrg/xdg"
)

func newTestListener(t *testing.T, handler Handler) *Listener {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	xdg.Reload()

	l, err := NewListener("wayland-test", handler)
	if err != nil {
		t.Fatalf("NewListener failed: %s", err)
	}
	t.Cleanup(l.Close)
	go l.Serve()
	return l
}

func writeRequest(t *testing.T, conn net.Conn, objectID uint32, opcode uint16, payload []byte) {
	t.Helper()
	size := uint32(headerSize + len(payload))
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], objectID)
	binary.LittleEndian.PutUint32(header[4:8], size<<16|uint32(opcode))
	if _, err := conn.Write(append(header, payload...)); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
}

func TestListenerDecodesRequests(t *testing.T) {
	got := make(chan Request, 1)
	l := newTestListener(t, func(req Request) error {
		got <- req
		return nil
	})

	conn, err := net.Dial("unix", l.Path())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}
	defer conn.Close()

	payload := []byte{1, 2, 3, 4}
	writeRequest(t, conn, 3, 7, payload)

	select {
	case req := <-got:
		if req.ObjectID != 3 {
			t.Errorf("Object id is %d, want 3", req.ObjectID)
		}
		if req.Opcode != 7 {
			t.Errorf("Opcode is %d, want 7", req.Opcode)
		}
		if string(req.Payload) != string(payload) {
			t.Errorf("Payload is %v, want %v", req.Payload, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Handler never saw the request")
	}
}

func TestListenerDropsMalformedHeader(t *testing.T) {
	got := make(chan Request, 1)
	l := newTestListener(t, func(req Request) error {
		got <- req
		return nil
	})

	conn, err := net.Dial("unix", l.Path())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}
	defer conn.Close()

	// Size below the header length is nonsense; the client must be cut.
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], 1)
	binary.LittleEndian.PutUint32(header[4:8], uint32(4)<<16|0)
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Errorf("Connection stayed open after malformed header")
	}
	select {
	case req := <-got:
		t.Errorf("Handler saw a malformed request: %+v", req)
	default:
	}
}

func TestListenerRemovesStaleSocket(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	xdg.Reload()

	first, err := NewListener("wayland-test", nil)
	if err != nil {
		t.Fatalf("First NewListener failed: %s", err)
	}
	// Simulate a crash: the socket file stays behind.
	first.ln.SetUnlinkOnClose(false)
	first.ln.Close()

	second, err := NewListener("wayland-test", nil)
	if err != nil {
		t.Fatalf("NewListener over a stale socket failed: %s", err)
	}
	second.Close()
}
