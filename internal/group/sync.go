package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// sendInviteRequest asks the peer to admit us: our nick plus the password we
// believe the group uses.
func (c *Chat) sendInviteRequest(conn *Connection) error {
	nick := c.members[0].peer.Nick
	w := c.payloadWriter(2 + len(nick) + proto.MaxPasswordSize)
	w.U16(uint16(len(nick)))
	w.Bytes(nick)
	w.Bytes(c.paddedPassword())
	return c.sendLossless(conn, proto.TypeInviteRequest, w.Data())
}

// handleInviteRequest admits or rejects a joiner. Rejections carry a typed
// reason; any rejection also drops the peer.
func (c *Chat) handleInviteRequest(index int, payload []byte) {
	conn := c.members[index].conn
	if c.connectionState != csConnected || c.sharedState.Version == 0 {
		return
	}

	reason := proto.RejectInviteFailed
	r := proto.NewReader(payload)
	nickLen := int(r.U16())

	switch {
	case uint32(c.confirmedCount()) >= c.sharedState.MaxPeers:
		reason = proto.RejectGroupFull
	case nickLen == 0 || nickLen > proto.MaxNickSize || r.Err() != nil:
		// malformed nick, reject as generic failure
	default:
		nick := r.Bytes(nickLen)
		password := r.Bytes(proto.MaxPasswordSize)
		if r.Err() != nil {
			break
		}
		if byNick := c.memberByNick(nick); byNick != -1 && byNick != index {
			reason = proto.RejectNickTaken
			break
		}
		if !c.passwordMatches(password) {
			reason = proto.RejectInvalidPassword
			break
		}
		_ = c.sendInviteResponse(conn)
		return
	}

	_ = c.sendInviteReject(conn, reason)
	c.peerDelete(index, nil)
}

func (c *Chat) sendInviteResponse(conn *Connection) error {
	w := c.payloadWriter(0)
	return c.sendLossless(conn, proto.TypeInviteResponse, w.Data())
}

// handleInviteResponse moves the join forward: we are admitted, ask for the
// full group state.
func (c *Chat) handleInviteResponse(index int) {
	_ = c.sendSyncRequest(c.members[index].conn)
}

func (c *Chat) sendInviteReject(conn *Connection, reason byte) error {
	w := c.payloadWriter(1)
	w.U8(reason)
	return c.sendLossy(conn, proto.TypeInviteResponseReject, w.Data())
}

func (c *Chat) handleInviteReject(payload []byte) {
	r := proto.NewReader(payload)
	reason := r.U8()
	if r.Err() != nil {
		return
	}
	if c.connectionState == csConnected || c.connectionState == csFailed {
		return
	}
	if reason >= proto.RejectInvalid {
		reason = proto.RejectInviteFailed
	}
	c.connectionState = csFailed
	if c.s.cb.OnRejected != nil {
		c.s.cb.OnRejected(c.groupNumber, reason)
	}
}

// sendSyncRequest asks a peer for the replicated group state and peer list.
// Only one request per connection may be outstanding.
func (c *Chat) sendSyncRequest(conn *Connection) error {
	if conn.PendingSyncRequest {
		return nil
	}
	conn.PendingSyncRequest = true

	w := c.payloadWriter(4 + proto.MaxPasswordSize)
	w.U32(uint32(c.confirmedCount()))
	w.Bytes(c.paddedPassword())
	return c.sendLossless(conn, proto.TypeSyncRequest, w.Data())
}

// handleSyncRequest replies with, strictly in order: shared state, moderator
// list, sanctions list, topic, then the peer list. Confirmed peers are
// simultaneously told about the joiner so they connect proactively.
func (c *Chat) handleSyncRequest(index int, payload []byte) {
	conn := c.members[index].conn
	if c.connectionState != csConnected || c.sharedState.Version == 0 {
		return
	}

	r := proto.NewReader(payload)
	r.U32() // requester's peer count, unused
	password := r.Bytes(proto.MaxPasswordSize)
	if r.Err() != nil {
		return
	}
	if !c.passwordMatches(password) {
		return
	}

	// Delivery order is what lets the joiner verify each piece against the
	// previous one; do not reorder these sends.
	if err := c.sendSharedState(conn); err != nil {
		return
	}
	if err := c.sendModList(conn); err != nil {
		return
	}
	if err := c.sendSanctionsList(conn); err != nil {
		return
	}
	if err := c.sendTopic(conn); err != nil {
		return
	}

	// Announce the joiner to everyone else, with the joiner's relay so they
	// can reach it before it is in their tables.
	announce := c.payloadWriter(crypto.EncPublicKeySize + proto.PackedNodeSize)
	announce.Bytes(conn.PublicKey[:crypto.EncPublicKeySize])
	conn.LastRelay().Pack(announce)

	type peerEntry struct {
		relay proto.RelayNode
		key   [crypto.EncPublicKeySize]byte
	}
	var entries []peerEntry
	for i, m := range c.members[1:] {
		if i+1 == index || !m.conn.Confirmed {
			continue
		}
		entries = append(entries, peerEntry{relay: m.conn.LastRelay(), key: m.conn.PublicKey.Enc()})
		_ = c.sendLossless(m.conn, proto.TypePeerAnnounce, announce.Data())
	}

	resp := c.payloadWriter(4 + len(entries)*(proto.PackedNodeSize+crypto.EncPublicKeySize))
	resp.U32(uint32(len(entries)))
	for _, e := range entries {
		e.relay.Pack(resp)
	}
	for _, e := range entries {
		resp.Bytes(e.key[:])
	}
	_ = c.sendLossless(conn, proto.TypeSyncResponse, resp.Data())
}

// handleSyncResponse installs the advertised peers and arms handshakes to
// each. This is the moment the join is considered complete.
func (c *Chat) handleSyncResponse(index int, payload []byte) {
	conn := c.members[index].conn
	if !conn.PendingSyncRequest {
		return
	}
	conn.PendingSyncRequest = false

	r := proto.NewReader(payload)
	num := int(r.U32())
	if r.Err() != nil || num > proto.MaxGroupPeers {
		return
	}
	relays := proto.UnpackNodes(r, num)
	if len(relays) != num {
		return
	}

	now := c.s.now()
	for i := 0; i < num; i++ {
		key := r.Array32()
		if r.Err() != nil {
			return
		}
		if key == c.selfPK.Enc() {
			continue
		}
		newIdx, err := c.peerAdd(key, nil)
		if err != nil {
			continue
		}
		peerConn := c.members[newIdx].conn
		peerConn.SaveRelay(relays[i])
		if peerConn.TCPChannel >= 0 && relays[i].IsSet() {
			c.mux.AddChannelRelay(peerConn.TCPChannel, relays[i])
		}
		peerConn.PendingHandshakeType = proto.HsPeerInfoExchange
		peerConn.IsPendingHsResponse = false
		peerConn.IsOOBHandshake = false
		peerConn.PendingHandshake = now + handshakeSendDelay
		debuglog.Debugf("group %d: sync response added peer %x", c.groupNumber, key[:8])
	}

	wasConnected := c.connectionState == csConnected
	c.selfConnected()
	if !wasConnected && c.isPublic() {
		c.s.announce(c)
	}
	_ = c.sendPeerExchange(conn)
	if c.s.cb.OnSelfJoin != nil {
		c.s.cb.OnSelfJoin(c.groupNumber)
	}
}

// handlePeerAnnounce learns about a joiner from a confirmed peer and arms a
// proactive handshake to it through the announced relay.
func (c *Chat) handlePeerAnnounce(index int, payload []byte) {
	r := proto.NewReader(payload)
	key := r.Array32()
	node := proto.UnpackRelayNode(r)
	if r.Err() != nil {
		return
	}
	if key == c.selfPK.Enc() {
		return
	}
	newIdx, err := c.peerAdd(key, nil)
	if err != nil {
		return // already known
	}
	peerConn := c.members[newIdx].conn
	peerConn.SaveRelay(node)
	if peerConn.TCPChannel >= 0 && node.IsSet() {
		c.mux.AddChannelRelay(peerConn.TCPChannel, node)
	}
	peerConn.PendingHandshakeType = proto.HsPeerInfoExchange
	peerConn.IsPendingHsResponse = false
	peerConn.IsOOBHandshake = false
	peerConn.PendingHandshake = c.s.now() + handshakeSendDelay
}

// sendSelfPeerInfo transmits our own record, prefixed with the password as
// the responder's admission check.
func (c *Chat) sendSelfPeerInfo(conn *Connection) error {
	self := c.members[0].peer
	info := proto.PeerInfo{Nick: self.Nick, Status: self.Status, Role: self.Role}

	w := c.payloadWriter(proto.MaxPasswordSize + proto.PackedPeerInfoSize)
	w.Bytes(c.paddedPassword())
	info.Pack(w)
	return c.sendLossless(conn, proto.TypePeerInfoResponse, w.Data())
}

func (c *Chat) sendPeerInfoRequest(conn *Connection) error {
	w := c.payloadWriter(0)
	return c.sendLossless(conn, proto.TypePeerInfoRequest, w.Data())
}

func (c *Chat) handlePeerInfoRequest(index int) {
	conn := c.members[index].conn
	if !conn.Confirmed && uint32(c.confirmedCount()) >= c.sharedState.MaxPeers {
		return
	}
	_ = c.sendSelfPeerInfo(conn)
}

// handlePeerInfoResponse seats the peer: password check, record install,
// role validation, then confirmation.
func (c *Chat) handlePeerInfoResponse(index int, payload []byte) {
	conn := c.members[index].conn
	if c.connectionState != csConnected {
		return
	}
	if !conn.Confirmed && uint32(c.confirmedCount()) >= c.sharedState.MaxPeers {
		return
	}

	r := proto.NewReader(payload)
	password := r.Bytes(proto.MaxPasswordSize)
	if r.Err() != nil {
		return
	}
	if !c.passwordMatches(password) {
		return
	}
	info := proto.UnpackPeerInfo(r)
	if r.Err() != nil {
		return
	}

	if err := c.peerUpdate(index, info); err != nil {
		return
	}
	if !c.validateRole(index) {
		c.peerDelete(index, nil)
		return
	}

	m := c.members[index]
	wasConfirmed := m.conn.Confirmed
	m.conn.Confirmed = true
	if !wasConfirmed && c.s.cb.OnPeerJoin != nil {
		c.s.cb.OnPeerJoin(c.groupNumber, m.peer.ID)
	}
}
