package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/proto"
)

// ringSize bounds the per-direction reliability window. Slots are addressed
// by message id modulo the size, so at most ringSize frames can be in flight
// or buffered out of order per peer.
const ringSize = 8192

const maxConnRelays = 4

type aryEntry struct {
	messageID   uint64
	data        []byte
	packetType  byte
	payload     []byte
	timeAdded   int64
	lastSendTry int64
}

// Connection is the transport state for one peer: session keys, reliability
// windows, pending handshake bookkeeping, and path information.
type Connection struct {
	PublicKey     crypto.ExtPublicKey
	PublicKeyHash uint32

	Addr proto.IPPort

	SessionPK [crypto.EncPublicKeySize]byte
	sessionSK [crypto.EncSecretKeySize]byte
	SharedKey [32]byte

	TCPChannel int

	relays    [maxConnRelays]proto.RelayNode
	relaysIdx int

	OOBRelayKey    [crypto.EncPublicKeySize]byte
	IsOOBHandshake bool

	// Outgoing ids start at 1 and increase strictly; sendAry holds frames
	// not yet covered by a read receipt.
	sendMessageID uint64
	sendAry       [ringSize]*aryEntry

	// recvMessageID is the last id delivered in order; recvAry buffers ids
	// that arrived early.
	recvMessageID uint64
	recvAry       [ringSize]*aryEntry

	Handshaked bool
	Confirmed  bool

	PendingHandshake     int64 // deadline in unix seconds; 0 = none
	PendingHandshakeType byte
	IsPendingHsResponse  bool

	PendingSyncRequest bool
	PendingStateSync   bool

	SelfSentStateVersion uint32
	FriendStateVersion   uint32

	LastRecvPing     int64
	LastRecvDirect   int64
	LastRelaysShared int64
	LastIPPortShared int64
	TimeAdded        int64
}

func newConnection(publicKey [crypto.EncPublicKeySize]byte, now int64) (*Connection, error) {
	sessPK, sessSK, err := crypto.SessionKeypair()
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		PublicKeyHash:        crypto.Jenkins(publicKey[:]),
		SessionPK:            sessPK,
		sessionSK:            sessSK,
		TCPChannel:           -1,
		sendMessageID:        1,
		SelfSentStateVersion: proto.NoneSentVersion,
		FriendStateVersion:   proto.NoneSentVersion,
		LastRecvPing:         now,
		TimeAdded:            now,
	}
	copy(conn.PublicKey[:crypto.EncPublicKeySize], publicKey[:])
	return conn, nil
}

// MakeSession derives the shared key from the peer's session public key.
func (c *Connection) MakeSession(peerSessionPK [crypto.EncPublicKeySize]byte) {
	c.SharedKey = crypto.Precompute(peerSessionPK, c.sessionSK)
}

// SetSigKey installs the peer's signature key learned from its handshake.
func (c *Connection) SetSigKey(sig [crypto.SigPublicKeySize]byte) {
	c.PublicKey.SetSig(sig)
}

// SaveRelay records a relay the peer is reachable through in the bounded ring.
func (c *Connection) SaveRelay(node proto.RelayNode) {
	if !node.IsSet() {
		return
	}
	c.relays[c.relaysIdx] = node
	c.relaysIdx = (c.relaysIdx + 1) % maxConnRelays
}

// LastRelay returns the most recently saved relay for the peer.
func (c *Connection) LastRelay() proto.RelayNode {
	idx := (c.relaysIdx - 1 + maxConnRelays) % maxConnRelays
	return c.relays[idx]
}

// directReachable reports whether the direct UDP path is considered alive.
func (c *Connection) directReachable(now int64) bool {
	return c.Addr.IsSet() && now-c.LastRecvDirect < unconfirmedPeerTimeout
}

// addSend reserves the next message id slot for a wrapped frame. The raw
// frame is kept for retransmission until a read receipt covers its id.
func (c *Connection) addSend(frame []byte, packetType byte, now int64) (uint64, bool) {
	id := c.sendMessageID
	idx := id % ringSize
	if c.sendAry[idx] != nil {
		return 0, false
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	c.sendAry[idx] = &aryEntry{
		messageID:  id,
		data:       buf,
		packetType: packetType,
		timeAdded:  now,
	}
	c.sendMessageID++
	return id, true
}

// handleReadAck removes every ring entry whose id the receipt covers.
// Receipts are cumulative: read id N acknowledges all ids <= N.
func (c *Connection) handleReadAck(readID uint64) {
	for i := range c.sendAry {
		e := c.sendAry[i]
		if e != nil && e.messageID <= readID {
			c.sendAry[i] = nil
		}
	}
}

// pendingFrame returns the stored frame for a requested id, if still held.
func (c *Connection) pendingFrame(requestID uint64) *aryEntry {
	e := c.sendAry[requestID%ringSize]
	if e == nil || e.messageID != requestID {
		return nil
	}
	return e
}

// Receive-window outcomes.
const (
	recvDrop     = iota // duplicate or unusable: ack, do not deliver
	recvBuffered        // stored out of order: request the missing id
	recvDeliver         // exactly next expected: deliver and advance
)

// handleRecv classifies an incoming lossless message id.
func (c *Connection) handleRecv(messageID uint64, packetType byte, payload []byte) int {
	next := c.recvMessageID + 1
	switch {
	case messageID == next:
		c.recvMessageID = next
		return recvDeliver
	case messageID > next:
		idx := messageID % ringSize
		if messageID-next >= ringSize || c.recvAry[idx] != nil {
			return recvDrop
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		c.recvAry[idx] = &aryEntry{messageID: messageID, packetType: packetType, payload: buf}
		return recvBuffered
	default:
		return recvDrop
	}
}

// popBuffered hands back the next in-order buffered message, if any,
// advancing the window.
func (c *Connection) popBuffered() *aryEntry {
	next := c.recvMessageID + 1
	idx := next % ringSize
	e := c.recvAry[idx]
	if e == nil || e.messageID != next {
		return nil
	}
	c.recvAry[idx] = nil
	c.recvMessageID = next
	return e
}

// staleFrames returns the unacked frames due for retransmission. Frames
// added in the current second are skipped so a fresh send is not repeated
// immediately; the oldest entry's time added is also reported for timeout
// checks.
func (c *Connection) staleFrames(now int64) (frames []*aryEntry, oldest int64) {
	for i := range c.sendAry {
		e := c.sendAry[i]
		if e == nil {
			continue
		}
		if oldest == 0 || e.timeAdded < oldest {
			oldest = e.timeAdded
		}
		if e.timeAdded == now || e.lastSendTry == now {
			continue
		}
		frames = append(frames, e)
	}
	return frames, oldest
}

// clearWindows drops both reliability rings, releasing their frames.
func (c *Connection) clearWindows() {
	for i := range c.sendAry {
		c.sendAry[i] = nil
	}
	for i := range c.recvAry {
		c.recvAry[i] = nil
	}
}
