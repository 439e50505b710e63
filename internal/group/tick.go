package group

import (
	"meshchat/internal/proto"
)

// doTick runs one driver pass for this group. Connected groups ping, resend
// and reap; connecting and disconnected groups drive the join attempt.
func (c *Chat) doTick() {
	c.doRelay()

	switch c.connectionState {
	case csConnected:
		c.doPing()
		c.doPeerConnections()
		c.coolDownConnMeter()
	case csConnecting:
		if c.s.now()-c.lastJoinAttempt > joinAttemptInterval {
			c.connectionState = csDisconnected
		}
	case csDisconnected:
		c.doReconnect()
	case csClosing:
		c.s.deleteGroup(c)
	}
}

// doRelay maintains the relay multiplex, keeps each channel's path status in
// step with direct reachability, and fires due pending handshakes.
func (c *Chat) doRelay() {
	c.mux.Do()
	now := c.s.now()
	for i := 1; i < len(c.members); i++ {
		conn := c.members[i].conn
		if conn.TCPChannel >= 0 {
			c.mux.SetStatus(conn.TCPChannel, !conn.directReachable(now))
		}
		c.sendPendingHandshake(i)
		if i >= len(c.members) {
			return
		}
	}
}

// sendPendingHandshake fires a deferred handshake once its deadline passes.
// A successful send consumes an outgoing message id; a handshake that keeps
// failing past its window is abandoned.
func (c *Chat) sendPendingHandshake(index int) {
	conn := c.members[index].conn
	now := c.s.now()
	if conn.PendingHandshake == 0 || now < conn.PendingHandshake {
		return
	}
	if conn.Handshaked {
		conn.PendingHandshake = 0
		return
	}

	var err error
	switch {
	case conn.IsPendingHsResponse:
		err = c.sendHandshake(index, proto.HsResponse, conn.PendingHandshakeType, 0)
	case conn.IsOOBHandshake:
		err = c.sendOOBHandshake(index, conn.PendingHandshakeType, c.joinType)
	default:
		err = c.sendHandshake(index, proto.HsRequest, conn.PendingHandshakeType, c.joinType)
	}

	if err == nil || now > conn.PendingHandshake+pendingHandshakeMax {
		conn.PendingHandshake = 0
	}
	if err == nil {
		conn.sendMessageID++
	}
}

// doPeerConnections walks every peer: relay and endpoint gossip, timeout
// reaping, and retransmission of unacked frames.
func (c *Chat) doPeerConnections() {
	now := c.s.now()
	for i := 1; i < len(c.members); i++ {
		conn := c.members[i].conn
		if conn.Confirmed {
			if now-conn.LastRelaysShared > relaysShareInterval {
				c.sendOwnRelays(conn)
			}
			if c.s.udp != nil && now-conn.LastIPPortShared > ipPortShareInterval {
				c.sendOwnIPPort(conn)
			}
		}

		timeout := int64(unconfirmedPeerTimeout)
		if conn.Confirmed {
			timeout = confirmedPeerTimeout
		}
		if now-conn.LastRecvPing > timeout {
			c.s.metrics.IncPeerTimeout()
			c.peerDelete(i, []byte("Timed out"))
			if i >= len(c.members) {
				return
			}
			continue
		}

		c.resendStale(conn)
		if i >= len(c.members) {
			return
		}
	}
}

// resendStale retransmits unacked frames, skipping anything sent or added
// this second. A window whose oldest frame outlives the peer timeout means
// the stream is dead; the peer goes with it.
func (c *Chat) resendStale(conn *Connection) {
	now := c.s.now()
	frames, oldest := conn.staleFrames(now)
	if oldest != 0 && now-oldest > confirmedPeerTimeout {
		idx := c.memberByEncKey(conn.PublicKey.Enc())
		if idx > 0 {
			c.peerDelete(idx, []byte("Timed out"))
		}
		return
	}
	for _, e := range frames {
		e.lastSendTry = now
		c.s.metrics.IncRetransmit()
		_ = c.sendWrapped(conn, e.data)
	}
}

// doPing advertises our sync positions to every confirmed peer.
func (c *Chat) doPing() {
	now := c.s.now()
	if now-c.lastSentPing < pingInterval {
		return
	}
	c.lastSentPing = now

	w := c.payloadWriter(proto.PingPayloadSize)
	w.U32(uint32(c.confirmedCount()))
	w.U32(c.sharedState.Version)
	w.U32(c.sanctionsCreds.Version)
	w.U32(c.topic.Version)
	payload := w.Data()

	for _, m := range c.members[1:] {
		if m.conn.Confirmed {
			_ = c.sendLossy(m.conn, proto.TypePing, payload)
		}
	}
}

// handlePing refreshes the peer's liveness and runs the state sync check.
func (c *Chat) handlePing(index int, payload []byte) {
	conn := c.members[index].conn
	if !conn.Confirmed {
		return
	}
	c.peerStateSync(conn, payload)
	conn.LastRecvPing = c.s.now()
}

// peerStateSync compares the sync positions a ping advertises with our own.
// The first more-advanced ping only arms a flag; the second one sends the
// sync request. One round trip of patience keeps transient races from
// storming the network with syncs.
func (c *Chat) peerStateSync(conn *Connection, payload []byte) {
	r := proto.NewReader(payload)
	peerCount := r.U32()
	stateVersion := r.U32()
	credsVersion := r.U32()
	topicVersion := r.U32()
	if r.Err() != nil {
		return
	}

	ahead := peerCount > uint32(c.confirmedCount()) ||
		stateVersion > c.sharedState.Version ||
		credsVersion > c.sanctionsCreds.Version ||
		topicVersion > c.topic.Version
	if !ahead {
		conn.PendingStateSync = false
		return
	}
	if conn.PendingStateSync {
		_ = c.sendSyncRequest(conn)
		conn.PendingStateSync = false
		return
	}
	conn.PendingStateSync = true
}

// sendOwnRelays gossips the relays we are reachable through.
func (c *Chat) sendOwnRelays(conn *Connection) {
	relays := c.mux.ConnectedRelays(maxConnRelays)
	if len(relays) == 0 {
		return
	}
	if conn.TCPChannel >= 0 {
		for _, node := range relays {
			c.mux.AddChannelRelay(conn.TCPChannel, node)
		}
	}
	w := c.payloadWriter(len(relays) * proto.PackedNodeSize)
	proto.PackNodes(w, relays)
	if c.sendLossy(conn, proto.TypeTCPRelays, w.Data()) == nil {
		conn.LastRelaysShared = c.s.now()
	}
}

// handleTCPRelays learns relays the peer is reachable through.
func (c *Chat) handleTCPRelays(index int, payload []byte) {
	conn := c.members[index].conn
	if c.connectionState != csConnected || !conn.Confirmed || len(payload) == 0 {
		return
	}
	nodes := proto.UnpackNodes(proto.NewReader(payload), maxConnRelays)
	if len(nodes) == 0 {
		return
	}
	for _, node := range nodes {
		conn.SaveRelay(node)
		if conn.TCPChannel >= 0 {
			c.mux.AddChannelRelay(conn.TCPChannel, node)
		}
	}
}

// sendOwnIPPort gossips our direct UDP endpoint.
func (c *Chat) sendOwnIPPort(conn *Connection) {
	addr := c.s.selfAddr()
	if !addr.IsSet() {
		return
	}
	w := c.payloadWriter(proto.PackedIPPortSize)
	addr.Pack(w)
	if c.sendLossy(conn, proto.TypeIPPort, w.Data()) == nil {
		conn.LastIPPortShared = c.s.now()
	}
}

// handleIPPort installs the peer's advertised direct endpoint.
func (c *Chat) handleIPPort(index int, payload []byte) {
	conn := c.members[index].conn
	if c.connectionState != csConnected || !conn.Confirmed {
		return
	}
	r := proto.NewReader(payload)
	addr := proto.UnpackIPPort(r)
	if r.Err() != nil || !addr.IsSet() {
		return
	}
	conn.Addr = addr
}

// doReconnect arms a fresh handshake on every known peer and moves the
// group to Connecting; if nothing confirms within the join window the group
// falls back to Disconnected.
func (c *Chat) doReconnect() {
	if len(c.members) <= 1 {
		return
	}
	now := c.s.now()
	if now-c.lastJoinAttempt <= joinAttemptInterval {
		return
	}
	c.lastJoinAttempt = now
	c.connectionState = csConnecting
	for _, m := range c.members[1:] {
		conn := m.conn
		if !conn.Handshaked && conn.PendingHandshake == 0 {
			conn.PendingHandshakeType = proto.HsInviteRequest
			conn.IsPendingHsResponse = false
			conn.PendingHandshake = now + handshakeSendDelay
		}
	}
}
