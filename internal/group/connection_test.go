package group

import (
	"bytes"
	"testing"
)

func newTestConn(t *testing.T) *Connection {
	t.Helper()
	var key [32]byte
	key[0] = 1
	conn, err := newConnection(key, 1700000000)
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	return conn
}

func TestRecvWindowInOrder(t *testing.T) {
	conn := newTestConn(t)
	for id := uint64(1); id <= 5; id++ {
		if got := conn.handleRecv(id, 0xf0, nil); got != recvDeliver {
			t.Fatalf("id %d: got %d, want deliver", id, got)
		}
	}
	if conn.recvMessageID != 5 {
		t.Fatalf("recv id %d, want 5", conn.recvMessageID)
	}
}

func TestRecvWindowOutOfOrder(t *testing.T) {
	conn := newTestConn(t)
	if got := conn.handleRecv(1, 0xf0, []byte("a")); got != recvDeliver {
		t.Fatalf("id 1: got %d", got)
	}
	// 3 and 4 arrive before 2.
	if got := conn.handleRecv(3, 0xf0, []byte("c")); got != recvBuffered {
		t.Fatalf("id 3: got %d, want buffered", got)
	}
	if got := conn.handleRecv(4, 0xf0, []byte("d")); got != recvBuffered {
		t.Fatalf("id 4: got %d, want buffered", got)
	}
	// A duplicate of a buffered id is a drop.
	if got := conn.handleRecv(3, 0xf0, []byte("c")); got != recvDrop {
		t.Fatalf("dup id 3: got %d, want drop", got)
	}
	if got := conn.handleRecv(2, 0xf0, []byte("b")); got != recvDeliver {
		t.Fatalf("id 2: got %d, want deliver", got)
	}

	var order []string
	for {
		e := conn.popBuffered()
		if e == nil {
			break
		}
		order = append(order, string(e.payload))
	}
	if len(order) != 2 || order[0] != "c" || order[1] != "d" {
		t.Fatalf("buffered drain order %v", order)
	}
	if conn.recvMessageID != 4 {
		t.Fatalf("recv id %d, want 4", conn.recvMessageID)
	}

	// Everything at or below the delivered id is a duplicate now.
	if got := conn.handleRecv(4, 0xf0, nil); got != recvDrop {
		t.Fatalf("old id: got %d, want drop", got)
	}
}

func TestRecvWindowBounds(t *testing.T) {
	conn := newTestConn(t)
	if got := conn.handleRecv(ringSize+1, 0xf0, nil); got != recvDrop {
		t.Fatalf("id beyond window accepted: %d", got)
	}
}

func TestSendWindowAcks(t *testing.T) {
	conn := newTestConn(t)
	conn.Handshaked = true
	now := int64(1700000000)

	var ids []uint64
	for i := 0; i < 4; i++ {
		id, ok := conn.addSend([]byte{byte(i)}, 0xf0, now)
		if !ok {
			t.Fatalf("add send %d failed", i)
		}
		ids = append(ids, id)
	}
	if ids[0] != 1 || ids[3] != 4 {
		t.Fatalf("ids not sequential from 1: %v", ids)
	}

	// A read receipt is cumulative.
	conn.handleReadAck(3)
	if conn.pendingFrame(1) != nil || conn.pendingFrame(3) != nil {
		t.Fatalf("acked frames still held")
	}
	e := conn.pendingFrame(4)
	if e == nil || !bytes.Equal(e.data, []byte{3}) {
		t.Fatalf("unacked frame lost")
	}
}

func TestStaleFramesSkipCurrentSecond(t *testing.T) {
	conn := newTestConn(t)
	now := int64(1700000000)
	if _, ok := conn.addSend([]byte("x"), 0xf0, now); !ok {
		t.Fatalf("add send failed")
	}

	// Added this second: not retransmitted yet.
	frames, _ := conn.staleFrames(now)
	if len(frames) != 0 {
		t.Fatalf("frame from current second retransmitted")
	}

	frames, oldest := conn.staleFrames(now + 2)
	if len(frames) != 1 {
		t.Fatalf("stale frame not offered")
	}
	if oldest != now {
		t.Fatalf("oldest %d, want %d", oldest, now)
	}

	// Marked sent this second: skipped until the next.
	frames[0].lastSendTry = now + 2
	if again, _ := conn.staleFrames(now + 2); len(again) != 0 {
		t.Fatalf("frame resent twice in one second")
	}
	if again, _ := conn.staleFrames(now + 3); len(again) != 1 {
		t.Fatalf("frame not offered next second")
	}
}
