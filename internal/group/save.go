package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/proto"
	"meshchat/internal/store"
)

// Save snapshots a group into its persisted form: identity, replicated
// state, our own seat, and the addresses to reconnect through.
func (s *Session) Save(groupNumber int) (*store.SavedGroup, error) {
	var out *store.SavedGroup
	err := s.withChat(groupNumber, func(c *Chat) error {
		g := &store.SavedGroup{
			FounderKey:     append([]byte(nil), c.sharedState.FounderKey[:]...),
			GroupName:      append([]byte(nil), c.sharedState.GroupName...),
			PrivacyState:   c.sharedState.PrivacyState,
			MaxPeers:       c.sharedState.MaxPeers,
			Password:       append([]byte(nil), c.sharedState.Password...),
			ModListHash:    append([]byte(nil), c.sharedState.ModListHash[:]...),
			StateVersion:   c.sharedState.Version,
			StateSignature: append([]byte(nil), c.sharedStateSig[:]...),

			Topic:          append([]byte(nil), c.topic.Data...),
			TopicSigner:    append([]byte(nil), c.topic.SignerKey[:]...),
			TopicVersion:   c.topic.Version,
			TopicSignature: append([]byte(nil), c.topicSig[:]...),

			ChatPublicKey: append([]byte(nil), c.chatPK[:]...),
			SelfPublicKey: append([]byte(nil), c.selfPK[:]...),
			SelfSecretKey: append([]byte(nil), c.selfSK[:]...),

			SelfNick:   append([]byte(nil), c.members[0].peer.Nick...),
			SelfRole:   c.members[0].peer.Role,
			SelfStatus: c.members[0].peer.Status,

			SavedAt: s.now(),
		}
		if c.isFounder() {
			g.ChatSecretKey = append([]byte(nil), c.chatSK[:]...)
		}
		for i := range c.mods {
			g.ModList = append(g.ModList, append([]byte(nil), c.mods[i][:]...))
		}
		for _, m := range c.members[1:] {
			if !m.conn.Confirmed && c.connectionState == csConnected {
				continue
			}
			relay := m.conn.LastRelay()
			w := proto.NewWriter(proto.PackedNodeSize)
			relay.Pack(w)
			g.Peers = append(g.Peers, store.SavedPeer{
				PublicKey: append([]byte(nil), m.conn.PublicKey[:crypto.EncPublicKeySize]...),
				Relay:     w.Data(),
			})
		}
		out = g
		return nil
	})
	return out, err
}

// LoadGroup restores a saved group and starts reconnecting to its last
// known peers through their saved relays.
func (s *Session) LoadGroup(g *store.SavedGroup) (int, error) {
	if len(g.SelfPublicKey) != crypto.ExtPublicKeySize ||
		len(g.SelfSecretKey) != crypto.ExtSecretKeySize ||
		len(g.ChatPublicKey) != crypto.ExtPublicKeySize ||
		len(g.FounderKey) != crypto.ExtPublicKeySize {
		return -1, ErrBadArgument
	}
	if len(g.SelfNick) == 0 || len(g.SelfNick) > proto.MaxNickSize {
		return -1, ErrBadArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := &Chat{
		groupNumber:     -1,
		connectionState: csConnecting,
		joinType:        proto.JoinPrivate,
		lastJoinAttempt: now,
		lastSentPing:    now,
		s:               s,
	}
	copy(c.selfPK[:], g.SelfPublicKey)
	copy(c.selfSK[:], g.SelfSecretKey)
	copy(c.chatPK[:], g.ChatPublicKey)
	if len(g.ChatSecretKey) == crypto.ExtSecretKeySize {
		copy(c.chatSK[:], g.ChatSecretKey)
	}
	c.selfHash = crypto.Jenkins(c.selfPK[:crypto.EncPublicKeySize])
	c.chatIDHash = crypto.Jenkins(c.chatPK[crypto.EncPublicKeySize:])
	if s.chatByID(c.chatID()) != nil {
		return -1, ErrGroupExists
	}

	copy(c.sharedState.FounderKey[:], g.FounderKey)
	c.sharedState.GroupName = append([]byte(nil), g.GroupName...)
	c.sharedState.PrivacyState = g.PrivacyState
	c.sharedState.MaxPeers = g.MaxPeers
	c.sharedState.Password = append([]byte(nil), g.Password...)
	copy(c.sharedState.ModListHash[:], g.ModListHash)
	c.sharedState.Version = g.StateVersion
	copy(c.sharedStateSig[:], g.StateSignature)

	c.topic.Data = append([]byte(nil), g.Topic...)
	copy(c.topic.SignerKey[:], g.TopicSigner)
	c.topic.Version = g.TopicVersion
	copy(c.topicSig[:], g.TopicSignature)

	for _, mod := range g.ModList {
		if len(mod) != crypto.SigPublicKeySize {
			return -1, ErrBadArgument
		}
		var key [crypto.SigPublicKeySize]byte
		copy(key[:], mod)
		c.mods = append(c.mods, key)
	}

	mux, err := s.newMux(c.selfPK.Enc())
	if err != nil {
		return -1, err
	}
	c.mux = mux
	mux.OnPacket(func(data []byte) { s.handleInbound(data, nil, false) })
	mux.OnOOB(func(sender [crypto.EncPublicKeySize]byte, data []byte) {
		s.handleInboundOOB(data)
	})

	if _, err := c.peerAdd(c.selfPK.Enc(), nil); err != nil {
		mux.Close()
		return -1, err
	}
	self := c.members[0]
	self.conn.PublicKey = c.selfPK
	self.conn.Confirmed = true
	self.peer.Nick = append([]byte(nil), g.SelfNick...)
	self.peer.Role = g.SelfRole
	self.peer.Status = g.SelfStatus

	if g.SelfRole == proto.RoleFounder {
		c.initSanctionCreds()
	}

	for _, sp := range g.Peers {
		if len(sp.PublicKey) != crypto.EncPublicKeySize {
			continue
		}
		var key [crypto.EncPublicKeySize]byte
		copy(key[:], sp.PublicKey)
		node := proto.UnpackRelayNode(proto.NewReader(sp.Relay))
		index, err := c.peerAdd(key, nil)
		if err != nil {
			continue
		}
		conn := c.members[index].conn
		conn.SaveRelay(node)
		if conn.TCPChannel >= 0 && node.IsSet() {
			c.mux.AddChannelRelay(conn.TCPChannel, node)
		}
		conn.OOBRelayKey = node.PublicKey
		conn.IsOOBHandshake = true
		conn.IsPendingHsResponse = false
		conn.PendingHandshakeType = proto.HsInviteRequest
		conn.PendingHandshake = now + handshakeSendDelay
		conn.LastRecvPing = conn.PendingHandshake
	}

	n := s.addChatSlot(c)
	if c.isPublic() {
		s.announce(c)
	}
	return n, nil
}

// RejoinGroup tears down every connection but keeps self state, then
// reconnects to the same peers with fresh sessions.
func (s *Session) RejoinGroup(groupNumber int) error {
	return s.withChat(groupNumber, func(c *Chat) error {
		type savedPeer struct {
			key   [crypto.EncPublicKeySize]byte
			relay proto.RelayNode
		}
		var saved []savedPeer
		for _, m := range c.members[1:] {
			saved = append(saved, savedPeer{key: m.conn.PublicKey.Enc(), relay: m.conn.LastRelay()})
		}
		for i := len(c.members) - 1; i >= 1; i-- {
			c.peerDelete(i, nil)
		}

		now := s.now()
		for _, sp := range saved {
			index, err := c.peerAdd(sp.key, nil)
			if err != nil {
				continue
			}
			conn := c.members[index].conn
			conn.SaveRelay(sp.relay)
			if conn.TCPChannel >= 0 && sp.relay.IsSet() {
				c.mux.AddChannelRelay(conn.TCPChannel, sp.relay)
			}
			conn.PendingHandshakeType = proto.HsInviteRequest
			conn.PendingHandshake = now + handshakeSendDelay
		}
		c.connectionState = csConnecting
		c.lastJoinAttempt = now
		return nil
	})
}
