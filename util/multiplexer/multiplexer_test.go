package multiplexer

import (
	"testing"
	"time"
)

func TestManyToOneRejectsAfterClose(t *testing.T) {
	sink := make(chan int, 4)
	plexer := NewManyToOne(sink)

	if err := plexer.Send(1); err != nil {
		t.Fatalf("Send failed: %s", err)
	}
	plexer.Close()
	if err := plexer.Send(2); err != ErrClosed {
		t.Errorf("Send after close returned %v, want ErrClosed", err)
	}
	if got := <-sink; got != 1 {
		t.Errorf("Received %d, want 1", got)
	}
	if _, open := <-sink; open {
		t.Errorf("Sink channel still open after close")
	}
}

func TestOneToManyFansOut(t *testing.T) {
	plexer := NewOneToMany[string]()
	go plexer.StartPlexer()

	a := plexer.MakeReceiver("a")
	b := plexer.MakeReceiver("b")

	plexer.GetSender() <- "hello"

	for name, ch := range map[string]chan string{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got != "hello" {
				t.Errorf("Receiver %s got %q", name, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Receiver %s never got the message", name)
		}
	}

	plexer.CloseReceiver("a")
	if _, open := <-a; open {
		t.Errorf("Receiver a still open after CloseReceiver")
	}

	close(plexer.GetSender())
	if _, open := <-b; open {
		t.Errorf("Receiver b still open after sender close")
	}
}
