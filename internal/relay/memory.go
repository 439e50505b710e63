package relay

import (
	"sync"

	"meshchat/internal/crypto"
	"meshchat/internal/proto"
)

// Hub is an in-process relay for tests. Multiplexes attach under their
// owner's static encryption key; packets queue until Flush so a receiver's
// handler never runs while the sender's still does.
type Hub struct {
	mu      sync.Mutex
	peers   map[[crypto.EncPublicKeySize]byte]*Memory
	queue   []hubFrame
	node    proto.RelayNode
	dropped int
}

type hubFrame struct {
	from, to [crypto.EncPublicKeySize]byte
	data     []byte
	oob      bool
}

func NewHub() *Hub {
	h := &Hub{peers: make(map[[crypto.EncPublicKeySize]byte]*Memory)}
	h.node.PublicKey[0] = 0x7f
	return h
}

// Node returns the advertisable identity of this hub.
func (h *Hub) Node() proto.RelayNode { return h.node }

// Dropped reports packets that had no attached receiver.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Attach creates a multiplex for owner connected to this hub.
func (h *Hub) Attach(owner [crypto.EncPublicKeySize]byte) *Memory {
	m := &Memory{
		hub:      h,
		owner:    owner,
		channels: make(map[int]*memChannel),
	}
	h.mu.Lock()
	h.peers[owner] = m
	h.mu.Unlock()
	return m
}

// Flush delivers everything queued so far and returns how many frames
// reached a handler. Frames enqueued during delivery wait for the next call.
func (h *Hub) Flush() int {
	h.mu.Lock()
	pending := h.queue
	h.queue = nil
	h.mu.Unlock()

	n := 0
	for _, f := range pending {
		h.mu.Lock()
		m := h.peers[f.to]
		if m == nil {
			h.dropped++
		}
		h.mu.Unlock()
		if m == nil {
			continue
		}
		m.mu.Lock()
		onPacket, onOOB := m.onPacket, m.onOOB
		m.mu.Unlock()
		if f.oob {
			if onOOB != nil {
				onOOB(f.from, f.data)
				n++
			}
			continue
		}
		if onPacket != nil {
			onPacket(f.data)
			n++
		}
	}
	return n
}

func (h *Hub) enqueue(f hubFrame) {
	h.mu.Lock()
	h.queue = append(h.queue, f)
	h.mu.Unlock()
}

func (h *Hub) detach(owner [crypto.EncPublicKeySize]byte) {
	h.mu.Lock()
	delete(h.peers, owner)
	h.mu.Unlock()
}

type memChannel struct {
	peer [crypto.EncPublicKeySize]byte
	use  bool
}

// Memory implements Multiplex against an in-process Hub.
type Memory struct {
	hub   *Hub
	owner [crypto.EncPublicKeySize]byte

	mu       sync.Mutex
	nextID   int
	channels map[int]*memChannel
	onPacket PacketFunc
	onOOB    OOBFunc
	closed   bool
}

func (m *Memory) NewChannel(peerKey [crypto.EncPublicKeySize]byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.nextID++
	id := m.nextID
	m.channels[id] = &memChannel{peer: peerKey}
	return id, nil
}

func (m *Memory) Send(channel int, data []byte) error {
	m.mu.Lock()
	ch, ok := m.channels[channel]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNoChannel
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.hub.enqueue(hubFrame{from: m.owner, to: ch.peer, data: buf})
	return nil
}

func (m *Memory) SendOOB(relayKey, peerKey [crypto.EncPublicKeySize]byte, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.hub.enqueue(hubFrame{from: m.owner, to: peerKey, data: buf, oob: true})
	return nil
}

func (m *Memory) SetStatus(channel int, useRelay bool) {
	m.mu.Lock()
	if ch, ok := m.channels[channel]; ok {
		ch.use = useRelay
	}
	m.mu.Unlock()
}

func (m *Memory) Kill(channel int) {
	m.mu.Lock()
	delete(m.channels, channel)
	m.mu.Unlock()
}

func (m *Memory) AddChannelRelay(channel int, node proto.RelayNode) {}

func (m *Memory) ConnectedRelays(max int) []proto.RelayNode {
	if max <= 0 {
		return nil
	}
	return []proto.RelayNode{m.hub.Node()}
}

func (m *Memory) OnPacket(fn PacketFunc) {
	m.mu.Lock()
	m.onPacket = fn
	m.mu.Unlock()
}

func (m *Memory) OnOOB(fn OOBFunc) {
	m.mu.Lock()
	m.onOOB = fn
	m.mu.Unlock()
}

func (m *Memory) Do() {}

func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.detach(m.owner)
}
