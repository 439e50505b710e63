package group

import (
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// broadcastPayload builds (sender hash, subtype, timestamp, data), the
// interior of every Broadcast frame.
func (c *Chat) broadcastPayload(bcType byte, data []byte) []byte {
	w := c.payloadWriter(1 + proto.TimestampSize + len(data))
	w.U8(bcType)
	w.U64(uint64(c.s.now()))
	w.Bytes(data)
	return w.Data()
}

// sendBroadcast fans a broadcast out to every confirmed peer.
func (c *Chat) sendBroadcast(bcType byte, data []byte) error {
	if 1+proto.TimestampSize+len(data) > proto.MaxPacketSize {
		return ErrBadArgument
	}
	c.sendLosslessAll(proto.TypeBroadcast, c.broadcastPayload(bcType, data))
	return nil
}

// handleBroadcast splits the broadcast header off and dispatches on subtype.
func (c *Chat) handleBroadcast(index int, payload []byte) {
	if c.connectionState != csConnected {
		return
	}
	conn := c.members[index].conn
	if !conn.Confirmed {
		return
	}

	r := proto.NewReader(payload)
	bcType := r.U8()
	r.U64() // sender wall clock, informational only
	if r.Err() != nil {
		return
	}
	data := r.Rest()

	switch bcType {
	case proto.BcStatus:
		c.handleStatus(index, data)
	case proto.BcNick:
		c.handleNick(index, data)
	case proto.BcPlainMessage, proto.BcActionMessage:
		c.handleMessage(index, data, bcType == proto.BcActionMessage)
	case proto.BcPrivateMessage:
		c.handlePrivateMessage(index, data)
	case proto.BcPeerExit:
		c.handlePeerExit(index, data)
	case proto.BcRemovePeer:
		c.handleRemovePeer(index, data)
	case proto.BcRemoveBan:
		c.handleRemoveBan(index, data)
	case proto.BcSetMod:
		c.handleSetMod(index, data)
	case proto.BcSetObserver:
		c.handleSetObserver(index, data)
	default:
		debuglog.Debugf("group %d: unknown broadcast type %#x", c.groupNumber, bcType)
	}
}

// Status.

func (c *Chat) setSelfStatus(status byte) error {
	if status >= proto.StatusInvalid {
		return ErrBadArgument
	}
	if c.s.cb.OnStatusChange != nil {
		c.s.cb.OnStatusChange(c.groupNumber, c.members[0].peer.ID, status)
	}
	c.members[0].peer.Status = status
	return c.sendBroadcast(proto.BcStatus, []byte{status})
}

func (c *Chat) handleStatus(index int, data []byte) {
	if len(data) != 1 || data[0] >= proto.StatusInvalid {
		return
	}
	if c.s.cb.OnStatusChange != nil {
		c.s.cb.OnStatusChange(c.groupNumber, c.members[index].peer.ID, data[0])
	}
	c.members[index].peer.Status = data[0]
}

// Nick.

func (c *Chat) setSelfNick(nick []byte) error {
	if len(nick) > proto.MaxNickSize {
		return ErrBadArgument
	}
	if len(nick) == 0 {
		return ErrBadArgument
	}
	if c.memberByNick(nick) != -1 {
		return ErrNickTaken
	}
	if c.s.cb.OnNickChange != nil {
		c.s.cb.OnNickChange(c.groupNumber, c.members[0].peer.ID, nick)
	}
	c.members[0].peer.Nick = append([]byte(nil), nick...)
	return c.sendBroadcast(proto.BcNick, nick)
}

// handleNick treats an empty, oversized or colliding nick as an attack and
// deletes the sender, preserving nick uniqueness among confirmed peers.
func (c *Chat) handleNick(index int, nick []byte) {
	if len(nick) == 0 || len(nick) > proto.MaxNickSize || c.memberByNick(nick) != -1 {
		c.peerDelete(index, []byte("bad nick"))
		return
	}
	if c.s.cb.OnNickChange != nil {
		c.s.cb.OnNickChange(c.groupNumber, c.members[index].peer.ID, nick)
	}
	c.members[index].peer.Nick = append([]byte(nil), nick...)
}

// Messages.

func (c *Chat) sendMessage(message []byte, action bool) error {
	if len(message) > proto.MaxMessageSize {
		return ErrBadArgument
	}
	if len(message) == 0 {
		return ErrBadArgument
	}
	if c.members[0].peer.Role >= proto.RoleObserver {
		return ErrPermissionDenied
	}
	bcType := proto.BcPlainMessage
	if action {
		bcType = proto.BcActionMessage
	}
	return c.sendBroadcast(bcType, message)
}

func (c *Chat) handleMessage(index int, data []byte, action bool) {
	if len(data) == 0 || len(data) > proto.MaxMessageSize {
		return
	}
	m := c.members[index]
	if m.peer.Ignore || m.peer.Role >= proto.RoleObserver {
		return
	}
	if c.s.cb.OnMessage != nil {
		c.s.cb.OnMessage(c.groupNumber, m.peer.ID, action, data)
	}
}

// sendPrivateMessage is a broadcast frame directed at one connection.
func (c *Chat) sendPrivateMessage(index int, message []byte) error {
	if len(message) > proto.MaxMessageSize {
		return ErrBadArgument
	}
	if len(message) == 0 {
		return ErrBadArgument
	}
	if c.members[0].peer.Role >= proto.RoleObserver {
		return ErrPermissionDenied
	}
	payload := c.broadcastPayload(proto.BcPrivateMessage, message)
	return c.sendLossless(c.members[index].conn, proto.TypeBroadcast, payload)
}

func (c *Chat) handlePrivateMessage(index int, data []byte) {
	if len(data) == 0 || len(data) > proto.MaxMessageSize {
		return
	}
	m := c.members[index]
	if m.peer.Ignore || m.peer.Role >= proto.RoleObserver {
		return
	}
	if c.s.cb.OnPrivateMessage != nil {
		c.s.cb.OnPrivateMessage(c.groupNumber, m.peer.ID, data)
	}
}

// Peer exit.

func (c *Chat) sendSelfExit(partMessage []byte) error {
	if len(partMessage) > proto.MaxPartMessageSize {
		return ErrBadArgument
	}
	return c.sendBroadcast(proto.BcPeerExit, partMessage)
}

func (c *Chat) handlePeerExit(index int, data []byte) {
	if len(data) > proto.MaxPartMessageSize {
		data = data[:proto.MaxPartMessageSize]
	}
	c.peerDelete(index, data)
}

// Custom packets.

func (c *Chat) sendCustomPacket(lossless bool, data []byte) error {
	if len(data) > proto.MaxMessageSize {
		return ErrBadArgument
	}
	if len(data) == 0 {
		return ErrBadArgument
	}
	if c.members[0].peer.Role >= proto.RoleObserver {
		return ErrPermissionDenied
	}
	w := c.payloadWriter(len(data))
	w.Bytes(data)
	if lossless {
		c.sendLosslessAll(proto.TypeCustomPacket, w.Data())
	} else {
		c.sendLossyAll(proto.TypeCustomPacket, w.Data())
	}
	return nil
}

func (c *Chat) handleCustomPacket(index int, data []byte) {
	if len(data) == 0 || len(data) > proto.MaxPacketSize {
		return
	}
	m := c.members[index]
	if m.peer.Ignore || m.peer.Role >= proto.RoleObserver {
		return
	}
	if c.s.cb.OnCustomPacket != nil {
		c.s.cb.OnCustomPacket(c.groupNumber, m.peer.ID, data)
	}
}
