package group

import (
	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// signSharedState bumps the version and re-signs the packed state with the
// chat signing key. Founder only; on signing failure the version rolls back.
func (c *Chat) signSharedState() error {
	if !c.isFounder() {
		return ErrPermissionDenied
	}
	oldVersion := c.sharedState.Version
	if c.sharedState.Version != ^uint32(0) {
		c.sharedState.Version++
	}
	packed := c.sharedState.PackedBytes()
	sig := crypto.Sign(c.chatSK.SigSeed(), packed)
	if !crypto.Verify(c.chatPK.Sig(), packed, sig) {
		c.sharedState.Version = oldVersion
		return ErrSendFailed
	}
	c.sharedStateSig = sig
	return nil
}

// sharedStatePayload is (sender hash, signature, packed state).
func (c *Chat) sharedStatePayload() []byte {
	w := c.payloadWriter(crypto.SignatureSize + proto.PackedSharedStateSize)
	w.Bytes(c.sharedStateSig[:])
	c.sharedState.Pack(w)
	return w.Data()
}

func (c *Chat) sendSharedState(conn *Connection) error {
	if c.sharedState.Version == 0 {
		return ErrNotConnected
	}
	return c.sendLossless(conn, proto.TypeSharedState, c.sharedStatePayload())
}

func (c *Chat) broadcastSharedState() error {
	if c.sharedState.Version == 0 {
		return ErrNotConnected
	}
	c.sendLosslessAll(proto.TypeSharedState, c.sharedStatePayload())
	return nil
}

// stateChangeEffects fires callbacks for whatever differs between the old
// and the newly installed shared state, and keeps the DHT announce in step
// with the privacy state.
func (c *Chat) stateChangeEffects(old *proto.SharedState) {
	if c.sharedState.MaxPeers != old.MaxPeers && c.s.cb.OnPeerLimit != nil {
		c.s.cb.OnPeerLimit(c.groupNumber, c.sharedState.MaxPeers)
	}

	if c.sharedState.PrivacyState != old.PrivacyState {
		if c.s.cb.OnPrivacyState != nil {
			c.s.cb.OnPrivacyState(c.groupNumber, c.sharedState.PrivacyState)
		}
		if c.isPublic() {
			c.s.announce(c)
		} else {
			c.s.unannounce(c)
		}
	}

	if string(c.sharedState.Password) != string(old.Password) && c.s.cb.OnPassword != nil {
		c.s.cb.OnPassword(c.groupNumber, c.sharedState.Password)
	}
}

// handleSharedState verifies and installs a shared state that is not older
// than the one we hold. A frame that
// fails verification marks the sender malicious: it is deleted, and we try
// to resync from someone else if we still hold a baseline.
func (c *Chat) handleSharedState(index int, payload []byte) {
	r := proto.NewReader(payload)
	sig := r.Array64()
	packed := r.Bytes(proto.PackedSharedStateSize)
	if r.Err() != nil || r.Remaining() != 0 {
		c.sharedStateRecovery(index)
		return
	}

	if !crypto.Verify(c.chatPK.Sig(), packed, sig) {
		c.sharedStateRecovery(index)
		return
	}

	incoming := proto.UnpackSharedState(proto.NewReader(packed))
	if incoming.Version < c.sharedState.Version {
		return
	}
	if incoming.Validate() != nil {
		c.sharedStateRecovery(index)
		return
	}

	old := c.sharedState
	c.sharedState = incoming
	c.sharedStateSig = sig
	c.stateChangeEffects(&old)
}

// sharedStateRecovery handles an invalid authority frame: drop the sender,
// then resync from another peer, or disconnect if we have no baseline.
func (c *Chat) sharedStateRecovery(index int) {
	debuglog.Debugf("group %d: bad shared state from peer %d", c.groupNumber, index)
	c.peerDelete(index, []byte("bad shared state"))

	if c.sharedState.Version == 0 {
		c.connectionState = csDisconnected
		return
	}
	if len(c.members) <= 1 {
		return
	}
	_ = c.sendSyncRequest(c.members[1].conn)
}

// Topic.

// setTopic signs and broadcasts a new topic. Moderator or founder only. On
// any failure the previous topic and signature are restored.
func (c *Chat) setTopic(topic []byte) error {
	if len(topic) > proto.MaxTopicSize {
		return ErrBadArgument
	}
	if c.members[0].peer.Role > proto.RoleModerator {
		return ErrPermissionDenied
	}

	oldTopic := c.topic
	oldSig := c.topicSig

	if c.topic.Version != ^uint32(0) {
		c.topic.Version++
	}
	c.topic.Data = append([]byte(nil), topic...)
	c.topic.SignerKey = c.selfPK.Sig()
	c.topicSig = crypto.Sign(c.selfSK.SigSeed(), c.topic.PackedBytes())

	if err := c.broadcastTopic(); err != nil {
		c.topic = oldTopic
		c.topicSig = oldSig
		return err
	}
	return nil
}

// topicPayload is (sender hash, signature, packed topic).
func (c *Chat) topicPayload() []byte {
	w := c.payloadWriter(crypto.SignatureSize + len(c.topic.Data) + proto.MinPackedTopicSize)
	w.Bytes(c.topicSig[:])
	c.topic.Pack(w)
	return w.Data()
}

func (c *Chat) sendTopic(conn *Connection) error {
	return c.sendLossless(conn, proto.TypeTopic, c.topicPayload())
}

func (c *Chat) broadcastTopic() error {
	c.sendLosslessAll(proto.TypeTopic, c.topicPayload())
	return nil
}

// handleTopic verifies a topic against the current moderator set and
// installs it only if newer than what we hold. On an equal version the held
// topic wins, and an unchanged text never re-fires the callback.
func (c *Chat) handleTopic(index int, payload []byte) {
	if len(payload) < crypto.SignatureSize+proto.MinPackedTopicSize ||
		len(payload) > crypto.SignatureSize+proto.MaxTopicSize+proto.MinPackedTopicSize {
		return
	}
	r := proto.NewReader(payload)
	sig := r.Array64()
	packed := r.Rest()
	if r.Err() != nil {
		return
	}

	incoming := proto.UnpackTopic(proto.NewReader(packed))
	if !c.isModOrFounderSig(incoming.SignerKey) {
		return
	}
	if !crypto.Verify(incoming.SignerKey, packed, sig) {
		return
	}
	if incoming.Version <= c.topic.Version {
		return
	}

	unchanged := string(c.topic.Data) == string(incoming.Data)
	c.topic = incoming
	c.topicSig = sig

	if !unchanged && c.connectionState == csConnected && c.s.cb.OnTopicChange != nil {
		c.s.cb.OnTopicChange(c.groupNumber, c.members[index].peer.ID, incoming.Data)
	}
}

// refreshTopic re-signs the current topic under our own key if sigKey set
// it. Called when a moderator holding the topic is demoted.
func (c *Chat) refreshTopic(sigKey [crypto.SigPublicKeySize]byte) error {
	if c.topic.SignerKey != sigKey {
		return nil
	}
	return c.setTopic(c.topic.Data)
}

// Founder-only shared state mutations.

func (c *Chat) founderSetPassword(password []byte) error {
	if !c.isFounder() {
		return ErrPermissionDenied
	}
	old := c.sharedState.Password
	if err := c.setPasswordLocal(password); err != nil {
		return err
	}
	if err := c.signSharedState(); err != nil {
		c.sharedState.Password = old
		return err
	}
	return c.broadcastSharedState()
}

func (c *Chat) founderSetPrivacy(privacy byte) error {
	if privacy >= proto.PrivacyInvalid {
		return ErrBadArgument
	}
	if !c.isFounder() {
		return ErrPermissionDenied
	}
	old := c.sharedState.PrivacyState
	if privacy == old {
		return nil
	}
	c.sharedState.PrivacyState = privacy
	if err := c.signSharedState(); err != nil {
		c.sharedState.PrivacyState = old
		return err
	}

	// The DHT registration flips atomically with the state update.
	if privacy == proto.PrivacyPrivate {
		c.s.unannounce(c)
	} else {
		c.s.announce(c)
	}
	return c.broadcastSharedState()
}

func (c *Chat) founderSetMaxPeers(maxPeers uint32) error {
	if !c.isFounder() {
		return ErrPermissionDenied
	}
	if maxPeers > proto.MaxGroupPeers {
		maxPeers = proto.MaxGroupPeers
	}
	old := c.sharedState.MaxPeers
	if maxPeers == old {
		return nil
	}
	c.sharedState.MaxPeers = maxPeers
	if err := c.signSharedState(); err != nil {
		c.sharedState.MaxPeers = old
		return err
	}
	return c.broadcastSharedState()
}
