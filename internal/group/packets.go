package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// sendWrapped pushes a finished frame down the selected path: direct UDP when
// the peer's address is known and recently proven, the relay channel
// otherwise.
func (c *Chat) sendWrapped(conn *Connection, frame []byte) error {
	if c.s.udp != nil && conn.directReachable(c.s.now()) {
		if err := c.s.udp.SendTo(conn.Addr.AddrPort(), frame); err == nil {
			return nil
		}
	}
	if conn.TCPChannel < 0 {
		return ErrSendFailed
	}
	if err := c.mux.Send(conn.TCPChannel, frame); err != nil {
		return ErrSendFailed
	}
	return nil
}

// payloadWriter starts an inner payload with the mandatory sender hash.
func (c *Chat) payloadWriter(capacity int) *proto.Writer {
	w := proto.NewWriter(proto.HashIDSize + capacity)
	w.U32(c.selfHash)
	return w
}

func (c *Chat) sendLossy(conn *Connection, innerType byte, payload []byte) error {
	if !conn.Handshaked {
		return ErrSendFailed
	}
	frame, err := proto.WrapPacket(proto.PacketLossy, c.chatIDHash, c.selfPK.Enc(),
		conn.SharedKey, innerType, 0, payload)
	if err != nil {
		return ErrSendFailed
	}
	c.s.metrics.IncPacketOut("lossy")
	return c.sendWrapped(conn, frame)
}

func (c *Chat) sendLossless(conn *Connection, innerType byte, payload []byte) error {
	if !conn.Handshaked {
		return ErrSendFailed
	}
	frame, err := proto.WrapPacket(proto.PacketLossless, c.chatIDHash, c.selfPK.Enc(),
		conn.SharedKey, innerType, conn.sendMessageID, payload)
	if err != nil {
		return ErrSendFailed
	}
	if _, ok := conn.addSend(frame, innerType, c.s.now()); !ok {
		return ErrSendFailed
	}
	c.s.metrics.IncPacketOut("lossless")
	return c.sendWrapped(conn, frame)
}

func (c *Chat) sendLosslessAll(innerType byte, payload []byte) {
	for _, m := range c.members[1:] {
		if m.conn.Confirmed {
			_ = c.sendLossless(m.conn, innerType, payload)
		}
	}
}

func (c *Chat) sendLossyAll(innerType byte, payload []byte) {
	for _, m := range c.members[1:] {
		if m.conn.Confirmed {
			_ = c.sendLossy(m.conn, innerType, payload)
		}
	}
}

// sendMessageAck reports a read receipt (readID) or requests a missing id
// (requestID); exactly one must be nonzero.
func (c *Chat) sendMessageAck(conn *Connection, readID, requestID uint64) error {
	if readID > 0 && requestID > 0 {
		return ErrBadArgument
	}
	w := c.payloadWriter(2 * proto.MessageIDSize)
	w.U64(readID)
	w.U64(requestID)
	return c.sendLossy(conn, proto.TypeMessageAck, w.Data())
}

// handleLossless authenticates and orders one lossless frame, then hands the
// interior to the packet-type handler.
func (c *Chat) handleLossless(packet []byte, direct bool) {
	sender, ok := proto.SenderKey(packet)
	if !ok {
		return
	}
	idx := c.memberByEncKey(sender)
	if idx <= 0 {
		c.s.metrics.IncPacketDrop("unknown_sender")
		return
	}
	conn := c.members[idx].conn

	plain, err := proto.UnwrapPacket(proto.PacketLossless, conn.SharedKey, packet)
	if err != nil {
		c.s.metrics.IncPacketDrop("decrypt")
		return
	}
	if plain.Type != proto.TypeHsResponseAck && !conn.Handshaked {
		c.s.metrics.IncPacketDrop("not_handshaked")
		return
	}

	r := proto.NewReader(plain.Payload)
	senderHash := r.U32()
	if r.Err() != nil || senderHash != conn.PublicKeyHash {
		c.s.metrics.IncPacketDrop("sender_hash")
		return
	}
	payload := r.Rest()

	switch conn.handleRecv(plain.MessageID, plain.Type, payload) {
	case recvDrop:
		debuglog.Debugf("group %d: duplicate lossless id %d (type %#x)", c.groupNumber, plain.MessageID, plain.Type)
		_ = c.sendMessageAck(conn, plain.MessageID, 0)
		return
	case recvBuffered:
		c.s.metrics.IncAckRequest()
		_ = c.sendMessageAck(conn, 0, conn.recvMessageID+1)
		return
	}

	c.dispatchLossless(idx, plain.Type, payload)

	// The handler may have deleted or reseated the sender.
	idx = c.memberByEncKey(sender)
	if idx <= 0 {
		return
	}
	conn = c.members[idx].conn
	_ = c.sendMessageAck(conn, plain.MessageID, 0)
	if direct {
		conn.LastRecvDirect = c.s.now()
	}
	c.drainBuffered(sender)
}

// drainBuffered delivers consecutively buffered frames now in order.
func (c *Chat) drainBuffered(sender [crypto.EncPublicKeySize]byte) {
	for {
		idx := c.memberByEncKey(sender)
		if idx <= 0 {
			return
		}
		conn := c.members[idx].conn
		e := conn.popBuffered()
		if e == nil {
			return
		}
		c.dispatchLossless(idx, e.packetType, e.payload)
		if idx = c.memberByEncKey(sender); idx > 0 {
			_ = c.sendMessageAck(c.members[idx].conn, e.messageID, 0)
		}
	}
}

func (c *Chat) dispatchLossless(idx int, packetType byte, payload []byte) {
	switch packetType {
	case proto.TypeBroadcast:
		c.handleBroadcast(idx, payload)
	case proto.TypePeerAnnounce:
		c.handlePeerAnnounce(idx, payload)
	case proto.TypePeerInfoResponse:
		c.handlePeerInfoResponse(idx, payload)
	case proto.TypePeerInfoRequest:
		c.handlePeerInfoRequest(idx)
	case proto.TypeSyncRequest:
		c.handleSyncRequest(idx, payload)
	case proto.TypeSyncResponse:
		c.handleSyncResponse(idx, payload)
	case proto.TypeInviteRequest:
		c.handleInviteRequest(idx, payload)
	case proto.TypeInviteResponse:
		c.handleInviteResponse(idx)
	case proto.TypeTopic:
		c.handleTopic(idx, payload)
	case proto.TypeSharedState:
		c.handleSharedState(idx, payload)
	case proto.TypeModList:
		c.handleModList(idx, payload)
	case proto.TypeSanctionsList:
		c.handleSanctionsList(idx, payload)
	case proto.TypeHsResponseAck:
		c.handleHsResponseAck(idx)
	case proto.TypeCustomPacket:
		c.handleCustomPacket(idx, payload)
	default:
		debuglog.Debugf("group %d: unknown lossless packet type %#x", c.groupNumber, packetType)
	}
}

// handleLossy authenticates one lossy frame and dispatches it.
func (c *Chat) handleLossy(packet []byte, direct bool) {
	sender, ok := proto.SenderKey(packet)
	if !ok {
		return
	}
	idx := c.memberByEncKey(sender)
	if idx <= 0 {
		c.s.metrics.IncPacketDrop("unknown_sender")
		return
	}
	conn := c.members[idx].conn
	if !conn.Handshaked {
		c.s.metrics.IncPacketDrop("not_handshaked")
		return
	}

	plain, err := proto.UnwrapPacket(proto.PacketLossy, conn.SharedKey, packet)
	if err != nil {
		c.s.metrics.IncPacketDrop("decrypt")
		return
	}
	r := proto.NewReader(plain.Payload)
	senderHash := r.U32()
	if r.Err() != nil || senderHash != conn.PublicKeyHash {
		c.s.metrics.IncPacketDrop("sender_hash")
		return
	}
	payload := r.Rest()

	handled := true
	switch plain.Type {
	case proto.TypeMessageAck:
		c.handleMessageAck(conn, payload)
	case proto.TypePing:
		c.handlePing(idx, payload)
	case proto.TypeInviteResponseReject:
		c.handleInviteReject(payload)
	case proto.TypeTCPRelays:
		c.handleTCPRelays(idx, payload)
	case proto.TypeIPPort:
		c.handleIPPort(idx, payload)
	case proto.TypeCustomPacket:
		c.handleCustomPacket(idx, payload)
	default:
		handled = false
		debuglog.Debugf("group %d: unknown lossy packet type %#x", c.groupNumber, plain.Type)
	}
	if handled && direct {
		conn.LastRecvDirect = c.s.now()
	}
}

// handleMessageAck resends a requested frame or clears receipted ones.
func (c *Chat) handleMessageAck(conn *Connection, payload []byte) {
	r := proto.NewReader(payload)
	readID := r.U64()
	requestID := r.U64()
	if r.Err() != nil || (readID > 0) == (requestID > 0) {
		return
	}
	if readID > 0 {
		conn.handleReadAck(readID)
		return
	}

	now := c.s.now()
	e := conn.pendingFrame(requestID)
	if e == nil {
		return
	}
	if e.lastSendTry == now && e.timeAdded != now {
		return
	}
	e.lastSendTry = now
	c.s.metrics.IncRetransmit()
	_ = c.sendWrapped(conn, e.data)
}
