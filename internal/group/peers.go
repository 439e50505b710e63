package group

import (
	"errors"

	"meshchat/internal/crypto"
	"meshchat/internal/proto"
)

var errPeerExists = errors.New("group: peer already in table")

// peerAdd creates a peer record and its connection. The new peer starts with
// an invalid role until a peer-info exchange seats it.
func (c *Chat) peerAdd(publicKey [crypto.EncPublicKeySize]byte, addr *proto.IPPort) (int, error) {
	if c.memberByEncKey(publicKey) != -1 {
		return -1, errPeerExists
	}

	now := c.s.now()
	conn, err := newConnection(publicKey, now)
	if err != nil {
		return -1, err
	}
	if len(c.members) > 0 {
		ch, err := c.mux.NewChannel(publicKey)
		if err != nil {
			return -1, err
		}
		conn.TCPChannel = ch
	}
	if addr != nil {
		conn.Addr = *addr
	}
	// Stagger the first timeout check so peers added together do not all
	// expire in the same tick.
	conn.LastRecvPing = now + int64(crypto.RandomU32()%pingInterval)

	m := &member{
		peer: Peer{ID: c.newPeerID(), Role: proto.RoleInvalid},
		conn: conn,
	}
	c.members = append(c.members, m)
	return len(c.members) - 1, nil
}

// peerUpdate installs exchanged peer info. A nick collision with a different
// seated peer marks the sender malicious and deletes it.
func (c *Chat) peerUpdate(index int, info proto.PeerInfo) error {
	if len(info.Nick) == 0 {
		return ErrBadArgument
	}
	nickIdx := c.memberByNick(info.Nick)
	if nickIdx != -1 && nickIdx != index {
		m := c.members[index]
		if c.s.cb.OnPeerExit != nil && !m.conn.Confirmed {
			// peerDelete only reports confirmed peers; cover the rest here.
			c.s.cb.OnPeerExit(c.groupNumber, m.peer.ID, []byte("duplicate nick"))
		}
		c.peerDelete(index, []byte("duplicate nick"))
		return ErrNickTaken
	}

	m := c.members[index]
	m.peer.Nick = append([]byte(nil), info.Nick...)
	m.peer.Status = info.Status
	m.peer.Role = info.Role
	m.peer.Ignore = false
	m.peer.ID = c.newPeerID()
	return nil
}

// peerDelete removes index from the table, releasing its channel and
// reliability windows. The vector is compacted by moving the last entry in.
func (c *Chat) peerDelete(index int, partMessage []byte) {
	if index <= 0 || index >= len(c.members) {
		return
	}
	m := c.members[index]

	if m.conn.Handshaked {
		c.rememberConfirmed(m.conn.PublicKey.Enc())
	}
	if c.s.cb.OnPeerExit != nil && m.conn.Confirmed {
		c.s.cb.OnPeerExit(c.groupNumber, m.peer.ID, partMessage)
	}

	if m.conn.TCPChannel >= 0 {
		c.mux.Kill(m.conn.TCPChannel)
	}
	m.conn.clearWindows()

	last := len(c.members) - 1
	if index != last {
		c.members[index] = c.members[last]
	}
	c.members[last] = nil
	c.members = c.members[:last]
}

// validateRole checks that a peer's claimed role matches the authority data
// we hold: the founder key in the shared state, the moderator list, and the
// observer entries in the sanctions list.
func (c *Chat) validateRole(index int) bool {
	if index < 0 || index >= len(c.members) {
		return false
	}
	m := c.members[index]
	switch m.peer.Role {
	case proto.RoleFounder:
		return c.sharedState.FounderKey.Enc() == m.conn.PublicKey.Enc()
	case proto.RoleModerator:
		return c.modIndex(m.conn.PublicKey.Sig()) != -1
	case proto.RoleUser:
		return !c.isObserver(m.conn.PublicKey.Enc())
	case proto.RoleObserver:
		// Self is not validated here: on the initial sync the sanctions
		// list may not have arrived yet.
		return index == 0 || c.isObserver(m.conn.PublicKey.Enc())
	default:
		return false
	}
}
