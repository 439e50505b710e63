package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// advertisedRelay picks the relay node we put into handshakes so the peer can
// reach us if the direct path never materializes.
func (c *Chat) advertisedRelay() proto.RelayNode {
	relays := c.mux.ConnectedRelays(1)
	if len(relays) == 0 {
		return proto.RelayNode{}
	}
	return relays[0]
}

// makeHandshake builds and encrypts a handshake frame for the peer at index.
// Request and response share the layout.
func (c *Chat) makeHandshake(conn *Connection, hsType, requestKind, joinKind byte) ([]byte, error) {
	state := conn.SelfSentStateVersion
	if state == proto.NoneSentVersion {
		if c.connectionState == csConnected {
			state = c.sharedState.Version
		} else {
			state = 0
		}
	}
	conn.SelfSentStateVersion = state

	hs := proto.Handshake{
		Type:         hsType,
		SenderHash:   c.selfHash,
		SessionKey:   conn.SessionPK,
		SigKey:       c.selfPK.Sig(),
		RequestKind:  requestKind,
		JoinKind:     joinKind,
		StateVersion: state,
		Relay:        c.advertisedRelay(),
	}
	return proto.WrapHandshake(c.chatIDHash, c.selfPK.Enc(), conn.PublicKey.Enc(),
		c.selfSK.Enc(), hs.PackedBytes())
}

// sendHandshake transmits a handshake on both paths; one reaching the peer
// is enough. The id accounting is left to the caller: the peer counts the
// handshake as our first lossless message, so sendPendingHandshake advances
// the outgoing message id after a successful send.
func (c *Chat) sendHandshake(index int, hsType, requestKind, joinKind byte) error {
	conn := c.members[index].conn
	frame, err := c.makeHandshake(conn, hsType, requestKind, joinKind)
	if err != nil {
		return err
	}

	sentDirect := false
	if c.s.udp != nil && conn.Addr.IsSet() {
		sentDirect = c.s.udp.SendTo(conn.Addr.AddrPort(), frame) == nil
	}
	sentRelay := false
	if conn.TCPChannel >= 0 {
		sentRelay = c.mux.Send(conn.TCPChannel, frame) == nil
	}
	if !sentDirect && !sentRelay {
		c.s.metrics.IncHandshake("out", "send_failed")
		return ErrSendFailed
	}
	c.s.metrics.IncHandshake("out", "sent")
	return nil
}

// sendOOBHandshake routes a handshake request through the relay the peer was
// announced on, for peers we have no channel to yet.
func (c *Chat) sendOOBHandshake(index int, requestKind, joinKind byte) error {
	conn := c.members[index].conn
	frame, err := c.makeHandshake(conn, proto.HsRequest, requestKind, joinKind)
	if err != nil {
		return err
	}
	if err := c.mux.SendOOB(conn.OOBRelayKey, conn.PublicKey.Enc(), frame); err != nil {
		c.s.metrics.IncHandshake("out", "oob_failed")
		return ErrSendFailed
	}
	c.s.metrics.IncHandshake("out", "oob_sent")
	return nil
}

// handleHandshakePacket decrypts and verifies a handshake frame, then
// dispatches on its type. ipp carries the source address for direct arrivals.
func (c *Chat) handleHandshakePacket(packet []byte, ipp *proto.IPPort, direct bool) {
	sender, plain, err := proto.UnwrapHandshake(c.selfSK.Enc(), packet)
	if err != nil {
		c.s.metrics.IncHandshake("in", "decrypt_failed")
		return
	}
	hs, err := proto.UnpackHandshake(plain)
	if err != nil {
		c.s.metrics.IncHandshake("in", "malformed")
		return
	}
	if hs.SenderHash != crypto.Jenkins(sender[:]) {
		c.s.metrics.IncHandshake("in", "forged_hash")
		return
	}

	var index int
	switch hs.Type {
	case proto.HsRequest:
		index = c.handleHandshakeRequest(sender, ipp, &hs)
	case proto.HsResponse:
		index = c.handleHandshakeResponse(sender, &hs)
	default:
		c.s.metrics.IncHandshake("in", "bad_type")
		return
	}
	if index <= 0 {
		return
	}
	conn := c.members[index].conn
	if direct && ipp != nil {
		conn.Addr = *ipp
		conn.LastRecvDirect = c.s.now()
	}
}

// handleHandshakeRequest admits or refuses a connecting peer and arms the
// deferred response. Returns the peer index, or -1 when refused.
func (c *Chat) handleHandshakeRequest(sender [crypto.EncPublicKeySize]byte, ipp *proto.IPPort, hs *proto.Handshake) int {
	if c.connectionState == csFailed {
		return -1
	}

	// A banned address is refused unless the requester holds a moderator
	// seat; moderators cannot be locked out by an IP sanction.
	if c.sharedState.Version > 0 && ipp != nil &&
		c.isIPBanned(*ipp) && !c.isModOrFounderSig(hs.SigKey) {
		c.s.metrics.IncHandshake("in", "banned_ip")
		return -1
	}

	if c.connMeter >= newConnectionLimit {
		c.blockHandshakes = true
		c.s.metrics.IncHandshake("in", "throttled")
		return -1
	}
	if c.blockHandshakes {
		c.s.metrics.IncHandshake("in", "throttled")
		return -1
	}
	c.connMeter++

	index := c.memberByEncKey(sender)
	if index == -1 {
		// Unknown peers may connect to a public chat, or reconnect to a
		// private one if they completed a handshake here before.
		if !c.isPublic() && !c.wasConfirmed(sender) {
			c.s.metrics.IncHandshake("in", "refused")
			return -1
		}
		var err error
		index, err = c.peerAdd(sender, nil)
		if err != nil {
			return -1
		}
	} else if c.members[index].conn.Handshaked {
		// A repeated request from a handshaked peer is a reconnect: the old
		// session state is useless, start over.
		c.peerDelete(index, nil)
		var err error
		index, err = c.peerAdd(sender, nil)
		if err != nil {
			return -1
		}
	}

	conn := c.members[index].conn
	conn.SaveRelay(hs.Relay)
	if conn.TCPChannel >= 0 && hs.Relay.IsSet() {
		c.mux.AddChannelRelay(conn.TCPChannel, hs.Relay)
	}
	conn.MakeSession(hs.SessionKey)
	conn.SetSigKey(hs.SigKey)
	conn.FriendStateVersion = hs.StateVersion

	if hs.JoinKind == proto.JoinPublic && !c.isPublic() {
		c.peerDelete(index, nil)
		c.s.metrics.IncHandshake("in", "join_kind")
		return -1
	}

	// The request counts as the peer's first lossless message.
	conn.recvMessageID++

	now := c.s.now()
	conn.PendingHandshakeType = hs.RequestKind
	conn.IsOOBHandshake = false
	conn.IsPendingHsResponse = true
	conn.PendingHandshake = now + handshakeSendDelay
	conn.LastRecvPing = now + handshakeSendDelay
	c.s.metrics.IncHandshake("in", "accepted")
	return index
}

// handleHandshakeResponse completes the initiator side: derive the session,
// ack, and run the follow-up the request kind asks for.
func (c *Chat) handleHandshakeResponse(sender [crypto.EncPublicKeySize]byte, hs *proto.Handshake) int {
	index := c.memberByEncKey(sender)
	if index <= 0 {
		c.s.metrics.IncHandshake("in", "unknown_responder")
		return -1
	}
	conn := c.members[index].conn

	conn.MakeSession(hs.SessionKey)
	conn.SetSigKey(hs.SigKey)

	// The response acknowledges our request implicitly.
	conn.recvMessageID++
	conn.Handshaked = true
	conn.PendingHandshake = 0
	_ = c.sendHsResponseAck(conn)

	switch hs.RequestKind {
	case proto.HsInviteRequest:
		conn.FriendStateVersion = hs.StateVersion
		if c.behindPeerState(conn) {
			if err := c.sendInviteRequest(conn); err != nil {
				return -1
			}
		}
	case proto.HsPeerInfoExchange:
		if err := c.sendPeerExchange(conn); err != nil {
			return -1
		}
	default:
		debuglog.Debugf("group %d: invalid handshake request kind %d", c.groupNumber, hs.RequestKind)
		return -1
	}
	c.s.metrics.IncHandshake("in", "response_ok")
	return index
}

// behindPeerState decides which side of a fresh session asks the other for a
// group reset. Only the side that saw the peer advertise a strictly newer
// shared state, or the lexicographically lower key on a tie, sends the
// invite request, so two reconnecting peers never reset each other at once.
func (c *Chat) behindPeerState(conn *Connection) bool {
	if conn.FriendStateVersion == conn.SelfSentStateVersion {
		return crypto.IDCmp(c.selfPK.Enc(), conn.PublicKey.Enc()) < 0
	}
	return conn.FriendStateVersion > conn.SelfSentStateVersion
}

// aheadOfPeerState is the same rule evaluated by the responder on the ack:
// it asks for the reset when the initiator is strictly newer, or on a tie
// when its own key is the lower one, so exactly one side of the pair acts.
func (c *Chat) aheadOfPeerState(conn *Connection) bool {
	if conn.FriendStateVersion == conn.SelfSentStateVersion {
		return crypto.IDCmp(c.selfPK.Enc(), conn.PublicKey.Enc()) < 0
	}
	return conn.FriendStateVersion > conn.SelfSentStateVersion
}

func (c *Chat) sendHsResponseAck(conn *Connection) error {
	w := c.payloadWriter(0)
	return c.sendLossless(conn, proto.TypeHsResponseAck, w.Data())
}

// handleHsResponseAck finalizes the responder side of the handshake.
func (c *Chat) handleHsResponseAck(index int) {
	conn := c.members[index].conn
	conn.Handshaked = true
	conn.PendingHandshake = 0

	if c.aheadOfPeerState(conn) {
		_ = c.sendInviteRequest(conn)
	}
}

// sendPeerExchange starts a mutual peer-info exchange: our own record plus a
// request for theirs.
func (c *Chat) sendPeerExchange(conn *Connection) error {
	if err := c.sendSelfPeerInfo(conn); err != nil {
		return err
	}
	return c.sendPeerInfoRequest(conn)
}

// coolDownConnMeter decays the handshake flood gate once per second.
func (c *Chat) coolDownConnMeter() {
	if c.connMeter == 0 {
		return
	}
	now := c.s.now()
	if c.cooldownTimer < now {
		c.cooldownTimer = now
		c.connMeter--
		if c.connMeter == 0 {
			c.blockHandshakes = false
		}
	}
}
