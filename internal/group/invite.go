package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/proto"
)

// Friend invites travel out-of-band through the messenger's friend channel;
// the session only builds and consumes the opaque packets.

// CreateInvite builds an invite packet for a friend: the chat id plus our
// own group encryption key.
func (s *Session) CreateInvite(groupNumber int) ([]byte, error) {
	var out []byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		w := proto.NewWriter(2 + crypto.ChatIDSize + crypto.EncPublicKeySize)
		w.U8(proto.TypeFriendInvite)
		w.U8(proto.FriendInviteGroup)
		chatID := c.chatID()
		w.Bytes(chatID[:])
		selfEnc := c.selfPK.Enc()
		w.Bytes(selfEnc[:])
		c.invitesSent++
		out = w.Data()
		return nil
	})
	return out, err
}

// AcceptInvite joins the invited group and returns the accept packet the
// messenger must route back to the inviter.
func (s *Session) AcceptInvite(invite, password []byte, info SelfInfo) (int, []byte, error) {
	r := proto.NewReader(invite)
	if r.U8() != proto.TypeFriendInvite || r.U8() != proto.FriendInviteGroup {
		return -1, nil, ErrBadArgument
	}
	chatID := r.Array32()
	inviterKey := r.Array32()
	if r.Err() != nil {
		return -1, nil, ErrBadArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatByID(chatID) != nil {
		return -1, nil, ErrGroupExists
	}

	c, err := s.createChat(info, false)
	if err != nil {
		return -1, nil, err
	}
	chatPK, err := crypto.ExpandChatID(chatID)
	if err != nil {
		c.mux.Close()
		return -1, nil, ErrBadArgument
	}
	c.chatPK = chatPK
	c.chatIDHash = crypto.Jenkins(chatID[:])
	c.joinType = proto.JoinPrivate
	c.sharedState.PrivacyState = proto.PrivacyPrivate
	c.lastJoinAttempt = s.now()
	c.connectionState = csConnecting
	if err := c.setPasswordLocal(password); err != nil {
		c.mux.Close()
		return -1, nil, err
	}
	if _, err := c.peerAdd(inviterKey, nil); err != nil {
		c.mux.Close()
		return -1, nil, err
	}

	w := proto.NewWriter(2 + crypto.ChatIDSize + crypto.EncPublicKeySize)
	w.U8(proto.TypeFriendInvite)
	w.U8(proto.FriendInviteAccepted)
	w.Bytes(chatID[:])
	selfEnc := c.selfPK.Enc()
	w.Bytes(selfEnc[:])

	return s.addChatSlot(c), w.Data(), nil
}

// HandleInviteAccepted processes a friend's acceptance and returns the
// confirmation packet carrying our relays.
func (s *Session) HandleInviteAccepted(data []byte) ([]byte, error) {
	r := proto.NewReader(data)
	if r.U8() != proto.TypeFriendInvite || r.U8() != proto.FriendInviteAccepted {
		return nil, ErrBadArgument
	}
	chatID := r.Array32()
	joinerKey := r.Array32()
	if r.Err() != nil {
		return nil, ErrBadArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatByID(chatID)
	if c == nil {
		return nil, ErrBadGroupNumber
	}
	if c.invitesSent == 0 {
		return nil, ErrPermissionDenied
	}
	c.invitesSent--

	index, err := c.peerAdd(joinerKey, nil)
	if err != nil {
		return nil, ErrBadArgument
	}
	conn := c.members[index].conn

	relays := c.mux.ConnectedRelays(maxConnRelays)
	for _, node := range relays {
		conn.SaveRelay(node)
		if conn.TCPChannel >= 0 {
			c.mux.AddChannelRelay(conn.TCPChannel, node)
		}
	}

	w := proto.NewWriter(2 + crypto.ChatIDSize + crypto.EncPublicKeySize + len(relays)*proto.PackedNodeSize)
	w.U8(proto.TypeFriendInvite)
	w.U8(proto.FriendInviteConfirmed)
	w.Bytes(chatID[:])
	selfEnc := c.selfPK.Enc()
	w.Bytes(selfEnc[:])
	proto.PackNodes(w, relays)
	return w.Data(), nil
}

// HandleInviteConfirmed learns the inviter's relays and arms the joining
// handshake.
func (s *Session) HandleInviteConfirmed(data []byte) error {
	r := proto.NewReader(data)
	if r.U8() != proto.TypeFriendInvite || r.U8() != proto.FriendInviteConfirmed {
		return ErrBadArgument
	}
	chatID := r.Array32()
	inviterKey := r.Array32()
	if r.Err() != nil {
		return ErrBadArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatByID(chatID)
	if c == nil {
		return ErrBadGroupNumber
	}
	index := c.memberByEncKey(inviterKey)
	if index <= 0 {
		return ErrBadPeerID
	}
	conn := c.members[index].conn

	nodes := proto.UnpackNodes(r, maxConnRelays)
	if len(nodes) == 0 {
		return ErrBadArgument
	}
	for _, node := range nodes {
		conn.SaveRelay(node)
		if conn.TCPChannel >= 0 {
			c.mux.AddChannelRelay(conn.TCPChannel, node)
		}
	}

	conn.PendingHandshakeType = proto.HsInviteRequest
	conn.IsPendingHsResponse = false
	conn.IsOOBHandshake = false
	conn.PendingHandshake = s.now() + handshakeSendDelay
	return nil
}
