package relay

import (
	"bytes"
	"testing"
)

func TestHubForwarding(t *testing.T) {
	hub := NewHub()
	var keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2

	a := hub.Attach(keyA)
	b := hub.Attach(keyB)

	var got [][]byte
	b.OnPacket(func(data []byte) { got = append(got, data) })

	ch, err := a.NewChannel(keyB)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := a.Send(ch, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("delivered before flush")
	}
	if hub.Flush() != 1 {
		t.Fatalf("flush did not deliver")
	}
	if len(got) != 1 || !bytes.Equal(got[0], []byte("hello")) {
		t.Fatalf("payload mismatch: %v", got)
	}

	a.Kill(ch)
	if err := a.Send(ch, []byte("x")); err != ErrNoChannel {
		t.Fatalf("send on dead channel: %v", err)
	}
}

func TestHubOOB(t *testing.T) {
	hub := NewHub()
	var keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2

	a := hub.Attach(keyA)
	b := hub.Attach(keyB)

	var from [32]byte
	var payload []byte
	b.OnOOB(func(sender [32]byte, data []byte) {
		from = sender
		payload = data
	})

	if err := a.SendOOB(hub.Node().PublicKey, keyB, []byte("oob")); err != nil {
		t.Fatalf("send oob: %v", err)
	}
	hub.Flush()
	if from != keyA || !bytes.Equal(payload, []byte("oob")) {
		t.Fatalf("oob delivery wrong: from %v payload %q", from, payload)
	}
}

func TestHubDropsDetached(t *testing.T) {
	hub := NewHub()
	var keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2

	a := hub.Attach(keyA)
	b := hub.Attach(keyB)
	ch, _ := a.NewChannel(keyB)
	b.Close()

	if err := a.Send(ch, []byte("gone")); err != nil {
		t.Fatalf("send: %v", err)
	}
	hub.Flush()
	if hub.Dropped() != 1 {
		t.Fatalf("dropped count %d, want 1", hub.Dropped())
	}

	a.Close()
	if _, err := a.NewChannel(keyB); err != ErrClosed {
		t.Fatalf("channel on closed mux: %v", err)
	}
}
