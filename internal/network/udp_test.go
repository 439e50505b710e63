package network

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestMemorySenderQueuesUntilFlush(t *testing.T) {
	mem := NewMemorySender()
	addrA := netip.MustParseAddrPort("10.0.0.1:1000")
	addrB := netip.MustParseAddrPort("10.0.0.2:2000")

	var gotFrom netip.AddrPort
	var gotData []byte
	mem.Register(addrB, func(from netip.AddrPort, data []byte) {
		gotFrom = from
		gotData = data
	})
	a := mem.Register(addrA, func(netip.AddrPort, []byte) {})

	if err := a.SendTo(addrB, []byte("dgram")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotData != nil {
		t.Fatalf("delivered before flush")
	}
	if mem.Flush() != 1 {
		t.Fatalf("flush delivered nothing")
	}
	if gotFrom != addrA || !bytes.Equal(gotData, []byte("dgram")) {
		t.Fatalf("delivery wrong: from %v data %q", gotFrom, gotData)
	}

	if err := a.SendTo(netip.MustParseAddrPort("10.9.9.9:10"), nil); err == nil {
		t.Fatalf("send to unregistered addr succeeded")
	}
}

func TestMemorySenderPartition(t *testing.T) {
	mem := NewMemorySender()
	addrA := netip.MustParseAddrPort("10.0.0.1:1000")
	addrB := netip.MustParseAddrPort("10.0.0.2:2000")

	delivered := 0
	mem.Register(addrB, func(netip.AddrPort, []byte) { delivered++ })
	a := mem.Register(addrA, func(netip.AddrPort, []byte) {})

	mem.SetDropAll(true)
	if err := a.SendTo(addrB, []byte("lost")); err != nil {
		t.Fatalf("send during partition: %v", err)
	}
	mem.Flush()
	if delivered != 0 {
		t.Fatalf("partitioned datagram delivered")
	}

	mem.SetDropAll(false)
	_ = a.SendTo(addrB, []byte("found"))
	mem.Flush()
	if delivered != 1 {
		t.Fatalf("datagram not delivered after heal")
	}
}

func TestUDPLoopback(t *testing.T) {
	recv := make(chan []byte, 1)
	u, err := NewUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer u.Close()
	u.SetHandler(func(from netip.AddrPort, data []byte) {
		select {
		case recv <- data:
		default:
		}
	})

	if err := u.SendTo(u.LocalAddr(), []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := <-recv; !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("payload mismatch: %q", got)
	}
}
