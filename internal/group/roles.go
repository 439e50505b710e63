package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/proto"
)

// founderSetModerator grants or revokes a moderator seat and re-binds the
// moderator list into the shared state. Founder only.
func (c *Chat) founderSetModerator(index int, add bool) error {
	if !c.isFounder() {
		return ErrPermissionDenied
	}
	conn := c.members[index].conn
	sigKey := conn.PublicKey.Sig()

	if add {
		if len(c.mods) >= proto.MaxModerators {
			_ = c.pruneOfflineMod()
		}
		if err := c.modAdd(sigKey); err != nil {
			return err
		}
	} else {
		if err := c.modRemove(sigKey); err != nil {
			return err
		}
		// Authority the demoted mod exercised moves to us.
		if err := c.refreshSanctions(sigKey); err != nil {
			return err
		}
		if err := c.refreshTopic(sigKey); err != nil {
			return err
		}
	}

	oldHash := c.sharedState.ModListHash
	c.sharedState.ModListHash = c.modListHash()
	if err := c.signSharedState(); err != nil {
		c.sharedState.ModListHash = oldHash
		return err
	}
	if err := c.broadcastSharedState(); err != nil {
		c.sharedState.ModListHash = oldHash
		return err
	}

	w := proto.NewWriter(1 + crypto.SigPublicKeySize)
	if add {
		w.U8(1)
	} else {
		w.U8(0)
	}
	w.Bytes(sigKey[:])
	return c.sendBroadcast(proto.BcSetMod, w.Data())
}

// handleSetMod applies a founder's moderator change.
func (c *Chat) handleSetMod(index int, payload []byte) {
	if c.members[index].peer.Role != proto.RoleFounder {
		return
	}
	r := proto.NewReader(payload)
	add := r.U8() != 0
	sigKey := r.Array32()
	if r.Err() != nil {
		return
	}

	target := c.memberBySigKey(sigKey)
	if target == index {
		return
	}
	if add {
		if c.modAdd(sigKey) != nil {
			return
		}
	} else {
		if c.modRemove(sigKey) != nil {
			return
		}
	}
	if target < 0 || target >= len(c.members) {
		return
	}

	event := proto.ModEventUser
	if add {
		c.members[target].peer.Role = proto.RoleModerator
		event = proto.ModEventModerator
	} else {
		c.members[target].peer.Role = proto.RoleUser
	}
	if c.s.cb.OnModeration != nil {
		c.s.cb.OnModeration(c.groupNumber, c.members[index].peer.ID, c.members[target].peer.ID, event)
	}
}

// modSetObserver seats or unseats a peer as observer via the sanctions list
// and broadcasts the change with the new credentials.
func (c *Chat) modSetObserver(index int, add bool) error {
	if c.members[0].peer.Role >= proto.RoleUser {
		return ErrPermissionDenied
	}
	conn := c.members[index].conn

	w := proto.NewWriter(1 + crypto.ExtPublicKeySize + 512)
	if add {
		w.U8(1)
	} else {
		w.U8(0)
	}
	w.Bytes(conn.PublicKey[:])

	if add {
		s, err := c.makeSanctionEntry(index, proto.SanctionObserver)
		if err != nil {
			return err
		}
		proto.PackSanctionList(w, []proto.Sanction{s}, &c.sanctionsCreds)
	} else {
		if err := c.removeObserver(conn.PublicKey.Enc(), nil); err != nil {
			return err
		}
		c.sanctionsCreds.Pack(w)
	}
	return c.sendBroadcast(proto.BcSetObserver, w.Data())
}

// handleSetObserver applies a moderator's observer change.
func (c *Chat) handleSetObserver(index int, payload []byte) {
	if c.members[index].peer.Role >= proto.RoleUser {
		return
	}
	r := proto.NewReader(payload)
	add := r.U8() != 0
	extKey := crypto.ExtPublicKey(r.Array64())
	if r.Err() != nil {
		return
	}

	// Observer status cannot be forced onto an authority seat.
	if c.isModOrFounderSig(extKey.Sig()) {
		return
	}
	target := c.memberByEncKey(extKey.Enc())
	if target == index {
		return
	}

	if add {
		list, creds, ok := proto.UnpackSanctionList(r, 1)
		if !ok || len(list) != 1 {
			return
		}
		if c.addSanction(list[0], &creds) != nil {
			return
		}
	} else {
		creds := proto.UnpackSanctionCreds(r)
		if r.Err() != nil {
			return
		}
		if c.removeObserver(extKey.Enc(), &creds) != nil {
			return
		}
	}

	if target < 0 || target >= len(c.members) {
		return
	}
	event := proto.ModEventUser
	if add {
		c.members[target].peer.Role = proto.RoleObserver
		event = proto.ModEventObserver
	} else {
		c.members[target].peer.Role = proto.RoleUser
	}
	if c.s.cb.OnModeration != nil {
		c.s.cb.OnModeration(c.groupNumber, c.members[index].peer.ID, c.members[target].peer.ID, event)
	}
}

// setRole drives a peer through role transitions. The old role is removed
// before the new one is applied.
func (c *Chat) setRole(index int, role byte) error {
	if role != proto.RoleModerator && role != proto.RoleUser && role != proto.RoleObserver {
		return ErrBadArgument
	}
	if index <= 0 || index >= len(c.members) {
		return ErrBadPeerID
	}
	m := c.members[index]
	if !m.conn.Confirmed {
		return ErrBadPeerID
	}
	selfRole := c.members[0].peer.Role
	if selfRole >= proto.RoleUser {
		return ErrPermissionDenied
	}
	if m.peer.Role == proto.RoleFounder {
		return ErrPermissionDenied
	}
	// Moderator seats are granted and revoked by the founder alone.
	if selfRole != proto.RoleFounder && (role == proto.RoleModerator || m.peer.Role <= proto.RoleModerator) {
		return ErrPermissionDenied
	}
	if m.peer.Role == role {
		return ErrBadArgument
	}

	event := proto.ModEventUser
	switch m.peer.Role {
	case proto.RoleModerator:
		if err := c.founderSetModerator(index, false); err != nil {
			return err
		}
		m.peer.Role = proto.RoleUser
		if role == proto.RoleObserver {
			event = proto.ModEventObserver
			if err := c.modSetObserver(index, true); err != nil {
				return err
			}
		}
	case proto.RoleObserver:
		if err := c.modSetObserver(index, false); err != nil {
			return err
		}
		m.peer.Role = proto.RoleUser
		if role == proto.RoleModerator {
			event = proto.ModEventModerator
			if err := c.founderSetModerator(index, true); err != nil {
				return err
			}
		}
	case proto.RoleUser:
		switch role {
		case proto.RoleModerator:
			event = proto.ModEventModerator
			if err := c.founderSetModerator(index, true); err != nil {
				return err
			}
		case proto.RoleObserver:
			event = proto.ModEventObserver
			if err := c.modSetObserver(index, true); err != nil {
				return err
			}
		}
	default:
		return ErrBadArgument
	}

	if c.s.cb.OnModeration != nil {
		c.s.cb.OnModeration(c.groupNumber, c.members[0].peer.ID, m.peer.ID, event)
	}
	m.peer.Role = role
	return nil
}

// removePeer kicks, and optionally bans, the peer at index, and tells every
// peer to do the same.
func (c *Chat) removePeer(index int, setBan bool) error {
	if index <= 0 || index >= len(c.members) {
		return ErrBadPeerID
	}
	m := c.members[index]
	if !m.conn.Confirmed {
		return ErrBadPeerID
	}
	selfRole := c.members[0].peer.Role
	if selfRole >= proto.RoleUser || m.peer.Role == proto.RoleFounder {
		return ErrPermissionDenied
	}
	if selfRole != proto.RoleFounder && m.peer.Role == proto.RoleModerator {
		return ErrPermissionDenied
	}

	// Strip any list membership first so the lists broadcast clean.
	if m.peer.Role == proto.RoleModerator || m.peer.Role == proto.RoleObserver {
		if err := c.setRole(index, proto.RoleUser); err != nil {
			return err
		}
	}

	event := proto.ModEventKick
	w := proto.NewWriter(1 + crypto.EncPublicKeySize + 512)
	encKey := m.conn.PublicKey.Enc()
	if setBan {
		event = proto.ModEventBan
		s, err := c.makeSanctionEntry(index, proto.SanctionBan)
		if err != nil {
			return err
		}
		w.U8(event)
		w.Bytes(encKey[:])
		proto.PackSanctionList(w, []proto.Sanction{s}, &c.sanctionsCreds)
	} else {
		w.U8(event)
		w.Bytes(encKey[:])
	}

	if err := c.sendBroadcast(proto.BcRemovePeer, w.Data()); err != nil {
		return err
	}
	if c.s.cb.OnModeration != nil {
		c.s.cb.OnModeration(c.groupNumber, c.members[0].peer.ID, m.peer.ID, event)
	}
	c.peerDelete(index, nil)
	return nil
}

// handleRemovePeer applies a kick or ban issued by an authority peer.
func (c *Chat) handleRemovePeer(index int, payload []byte) {
	if c.members[index].peer.Role >= proto.RoleUser {
		return
	}
	r := proto.NewReader(payload)
	event := r.U8()
	targetKey := r.Array32()
	if r.Err() != nil {
		return
	}
	if event != proto.ModEventKick && event != proto.ModEventBan {
		return
	}

	target := c.memberByEncKey(targetKey)
	if target != -1 && c.members[target].peer.Role != proto.RoleUser {
		// A seated moderator or the founder cannot be removed this way.
		return
	}

	if target == 0 {
		// We are the one being removed.
		if c.s.cb.OnModeration != nil {
			c.s.cb.OnModeration(c.groupNumber, c.members[index].peer.ID, c.members[0].peer.ID, event)
		}
		c.s.deleteGroup(c)
		return
	}

	if event == proto.ModEventBan {
		list, creds, ok := proto.UnpackSanctionList(r, 1)
		if !ok || len(list) != 1 {
			return
		}
		if c.addSanction(list[0], &creds) != nil {
			return
		}
	}

	if target == -1 {
		return
	}
	if c.s.cb.OnModeration != nil {
		c.s.cb.OnModeration(c.groupNumber, c.members[index].peer.ID, c.members[target].peer.ID, event)
	}
	c.peerDelete(target, nil)
}

// removeBanOp lifts a ban and broadcasts the new credentials.
func (c *Chat) removeBanOp(banID uint32) error {
	if c.members[0].peer.Role >= proto.RoleUser {
		return ErrPermissionDenied
	}
	if err := c.removeBan(banID, nil); err != nil {
		return err
	}
	w := proto.NewWriter(4 + proto.SanctionCredsSize)
	w.U32(banID)
	c.sanctionsCreds.Pack(w)
	return c.sendBroadcast(proto.BcRemoveBan, w.Data())
}

// handleRemoveBan applies a ban removal with its credentials.
func (c *Chat) handleRemoveBan(index int, payload []byte) {
	if c.members[index].peer.Role >= proto.RoleUser {
		return
	}
	r := proto.NewReader(payload)
	banID := r.U32()
	creds := proto.UnpackSanctionCreds(r)
	if r.Err() != nil {
		return
	}
	_ = c.removeBan(banID, &creds)
}
