// Package network provides the direct UDP datagram path for group packets.
package network

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

var ErrClosed = errors.New("network: closed")

// Sender is the outbound half the group core consumes: fire one datagram at
// a peer's last known direct address.
type Sender interface {
	SendTo(addr netip.AddrPort, data []byte) error
}

// Handler receives one inbound datagram and the address it arrived from.
type Handler func(from netip.AddrPort, data []byte)

// UDP is a datagram socket feeding inbound packets to a handler.
type UDP struct {
	conn *net.UDPConn

	mu      sync.Mutex
	handler Handler
	closed  bool
}

func NewUDP(listen string) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	u := &UDP{conn: conn}
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, proto.MaxPacketSize)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if !closed {
				debuglog.Debugf("udp read error: %v", err)
			}
			return
		}
		u.mu.Lock()
		h := u.handler
		u.mu.Unlock()
		if h == nil || n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h(from, data)
	}
}

// SetHandler installs the inbound packet handler.
func (u *UDP) SetHandler(h Handler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

func (u *UDP) SendTo(addr netip.AddrPort, data []byte) error {
	if !addr.IsValid() || addr.Port() == 0 {
		return errors.New("network: no address")
	}
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := u.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}

// MemorySender is an in-process Sender for tests. Datagrams queue until
// Flush, so a handler is never re-entered while its sender still runs.
type MemorySender struct {
	mu       sync.Mutex
	handlers map[netip.AddrPort]Handler
	queue    []memDatagram
	dropAll  bool
}

type memDatagram struct {
	src, dst netip.AddrPort
	data     []byte
}

func NewMemorySender() *MemorySender {
	return &MemorySender{handlers: make(map[netip.AddrPort]Handler)}
}

// Register binds a handler to addr and returns a Sender whose datagrams
// carry addr as their source.
func (m *MemorySender) Register(addr netip.AddrPort, h Handler) Sender {
	m.mu.Lock()
	m.handlers[addr] = h
	m.mu.Unlock()
	return &memoryPort{net: m, src: addr}
}

// SetDropAll makes every subsequent send vanish, simulating a partition.
func (m *MemorySender) SetDropAll(drop bool) {
	m.mu.Lock()
	m.dropAll = drop
	m.mu.Unlock()
}

// Flush delivers everything queued so far and returns how many datagrams
// were handed to a handler. Packets enqueued during delivery stay queued for
// the next call.
func (m *MemorySender) Flush() int {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	n := 0
	for _, d := range pending {
		m.mu.Lock()
		h := m.handlers[d.dst]
		m.mu.Unlock()
		if h == nil {
			continue
		}
		h(d.src, d.data)
		n++
	}
	return n
}

type memoryPort struct {
	net *MemorySender
	src netip.AddrPort
}

func (p *memoryPort) SendTo(addr netip.AddrPort, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.net.dropAll {
		return nil
	}
	if _, ok := p.net.handlers[addr]; !ok {
		return errors.New("network: no route")
	}
	p.net.queue = append(p.net.queue, memDatagram{src: p.src, dst: addr, data: buf})
	return nil
}
