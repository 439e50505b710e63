package group

import (
	"net/netip"
	"strconv"
	"sync"
	"time"

	"meshchat/internal/crypto"
	"meshchat/internal/dht"
	"meshchat/internal/metrics"
	"meshchat/internal/network"
	"meshchat/internal/proto"
	"meshchat/internal/relay"
)

// MuxFactory creates the relay multiplex for a new group, attached under the
// group's self encryption key.
type MuxFactory func(owner [crypto.EncPublicKeySize]byte) (relay.Multiplex, error)

// Options wires a session to its collaborators.
type Options struct {
	Mux     MuxFactory
	DHT     dht.Service
	UDP     network.Sender
	UDPAddr netip.AddrPort
	Metrics *metrics.Metrics

	// Clock returns wall-clock seconds; defaults to time.Now().Unix.
	Clock func() int64
}

// Session owns every group this peer participates in and serializes all
// mutation under one lock.
type Session struct {
	mu    sync.Mutex
	chats []*Chat

	cb      Callbacks
	metrics *metrics.Metrics
	dhtSvc  dht.Service
	udp     network.Sender
	udpAddr proto.IPPort
	newMux  MuxFactory
	clock   func() int64
}

func NewSession(opts Options) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	s := &Session{
		metrics: opts.Metrics,
		dhtSvc:  opts.DHT,
		udp:     opts.UDP,
		newMux:  opts.Mux,
		clock:   clock,
	}
	if opts.UDPAddr.IsValid() {
		s.udpAddr = proto.IPPortFrom(opts.UDPAddr)
	}
	return s
}

// SetCallbacks installs the upward event surface.
func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *Session) now() int64 { return s.clock() }

func (s *Session) selfAddr() proto.IPPort { return s.udpAddr }

func (s *Session) announce(c *Chat) {
	if s.dhtSvc == nil {
		return
	}
	relays := c.mux.ConnectedRelays(1)
	var node proto.RelayNode
	if len(relays) > 0 {
		node = relays[0]
	}
	_ = s.dhtSvc.Announce(c.chatID(), dht.Announce{PeerKey: c.selfPK.Enc(), Relay: node})
}

func (s *Session) unannounce(c *Chat) {
	if s.dhtSvc == nil {
		return
	}
	s.dhtSvc.Unannounce(c.chatID(), c.selfPK.Enc())
}

func (s *Session) chatByHash(hash uint32) *Chat {
	for _, c := range s.chats {
		if c != nil && c.chatIDHash == hash {
			return c
		}
	}
	return nil
}

func (s *Session) chatByID(chatID [crypto.ChatIDSize]byte) *Chat {
	for _, c := range s.chats {
		if c != nil && c.chatID() == chatID {
			return c
		}
	}
	return nil
}

func (s *Session) chat(groupNumber int) *Chat {
	if groupNumber < 0 || groupNumber >= len(s.chats) {
		return nil
	}
	return s.chats[groupNumber]
}

func (s *Session) addChatSlot(c *Chat) int {
	for i := range s.chats {
		if s.chats[i] == nil {
			c.groupNumber = i
			s.chats[i] = c
			return i
		}
	}
	c.groupNumber = len(s.chats)
	s.chats = append(s.chats, c)
	return c.groupNumber
}

// deleteGroup tears a group down: relay multiplex, DHT registration, and the
// chat slot itself.
func (s *Session) deleteGroup(c *Chat) {
	if c.isPublic() {
		s.unannounce(c)
	}
	c.mux.Close()
	c.mods = nil
	c.sanctions = nil
	c.members = nil
	if s.metrics != nil {
		s.metrics.DropGroup(strconv.Itoa(c.groupNumber))
	}
	if c.groupNumber >= 0 && c.groupNumber < len(s.chats) && s.chats[c.groupNumber] == c {
		s.chats[c.groupNumber] = nil
	}
	c.connectionState = csNone
}

// createChat builds the group shell: self keys, the self member at index 0,
// and the relay attachment.
func (s *Session) createChat(info SelfInfo, founder bool) (*Chat, error) {
	if !info.valid() {
		return nil, ErrBadArgument
	}
	selfPK, selfSK, err := crypto.GenerateExtKeypair()
	if err != nil {
		return nil, err
	}

	c := &Chat{
		groupNumber:     -1,
		connectionState: csDisconnected,
		selfPK:          selfPK,
		selfSK:          selfSK,
		selfHash:        crypto.Jenkins(selfPK[:crypto.EncPublicKeySize]),
		lastSentPing:    s.now(),
		s:               s,
	}
	mux, err := s.newMux(selfPK.Enc())
	if err != nil {
		return nil, err
	}
	c.mux = mux

	if _, err := c.peerAdd(selfPK.Enc(), nil); err != nil {
		mux.Close()
		return nil, err
	}
	self := c.members[0]
	self.conn.PublicKey = selfPK
	self.conn.Confirmed = true
	self.peer.Nick = append([]byte(nil), info.Nick...)
	self.peer.Status = info.Status
	if founder {
		self.peer.Role = proto.RoleFounder
	} else {
		self.peer.Role = proto.RoleUser
	}

	mux.OnPacket(func(data []byte) { s.handleInbound(data, nil, false) })
	mux.OnOOB(func(sender [crypto.EncPublicKeySize]byte, data []byte) {
		s.handleInboundOOB(data)
	})
	return c, nil
}

// initSanctionCreds seats the creator as the initial credentials signer
// without consuming a version.
func (c *Chat) initSanctionCreds() {
	c.sanctionsCreds = proto.SanctionCreds{
		SignerKey: c.selfPK.Sig(),
		Hash:      proto.SanctionListHash(nil, 0),
	}
	c.sanctionsCreds.Signature = crypto.Sign(c.selfSK.SigSeed(), c.sanctionsCreds.Hash[:])
}

// NewGroup creates a group with us as founder and signs its first shared
// state. Returns the group number.
func (s *Session) NewGroup(privacy byte, name []byte, info SelfInfo) (int, error) {
	if len(name) == 0 || len(name) > proto.MaxGroupNameSize {
		return -1, ErrBadArgument
	}
	if privacy >= proto.PrivacyInvalid {
		return -1, ErrBadArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.createChat(info, true)
	if err != nil {
		return -1, err
	}
	chatPK, chatSK, err := crypto.GenerateExtKeypair()
	if err != nil {
		c.mux.Close()
		return -1, err
	}
	c.chatPK = chatPK
	c.chatSK = chatSK
	c.chatIDHash = crypto.Jenkins(chatPK[crypto.EncPublicKeySize:])

	c.sharedState = proto.SharedState{
		FounderKey:   c.selfPK,
		MaxPeers:     proto.MaxGroupPeers,
		GroupName:    append([]byte(nil), name...),
		PrivacyState: privacy,
	}
	c.sharedState.ModListHash = c.modListHash()
	if err := c.signSharedState(); err != nil {
		c.mux.Close()
		return -1, err
	}
	c.initSanctionCreds()
	if err := c.setTopic([]byte(" ")); err != nil {
		c.mux.Close()
		return -1, err
	}

	c.joinType = proto.JoinPrivate
	c.selfConnected()
	n := s.addChatSlot(c)
	if c.isPublic() {
		s.announce(c)
	}
	return n, nil
}

// JoinGroup joins a public group by chat id, seeding the peer table from the
// DHT's announce list. Returns the group number.
func (s *Session) JoinGroup(chatID [crypto.ChatIDSize]byte, password []byte, info SelfInfo) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chatByID(chatID) != nil {
		return -1, ErrGroupExists
	}
	c, err := s.createChat(info, false)
	if err != nil {
		return -1, err
	}
	chatPK, err := crypto.ExpandChatID(chatID)
	if err != nil {
		c.mux.Close()
		return -1, ErrBadArgument
	}
	c.chatPK = chatPK
	c.chatIDHash = crypto.Jenkins(chatID[:])
	c.joinType = proto.JoinPublic
	c.lastJoinAttempt = s.now()
	c.connectionState = csConnecting
	if err := c.setPasswordLocal(password); err != nil {
		c.mux.Close()
		return -1, err
	}

	if s.dhtSvc != nil {
		for _, a := range s.dhtSvc.Lookup(chatID) {
			if a.PeerKey == c.selfPK.Enc() {
				continue
			}
			c.addAnnouncedPeer(a.PeerKey, a.Relay)
		}
	}
	return s.addChatSlot(c), nil
}

// addAnnouncedPeer installs a peer known only by an announce hint and arms a
// pending OOB invite handshake through the announced relay.
func (c *Chat) addAnnouncedPeer(key [crypto.EncPublicKeySize]byte, node proto.RelayNode) {
	index, err := c.peerAdd(key, nil)
	if err != nil {
		return
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
	conn.PendingHandshake = c.s.now() + handshakeSendDelay
	conn.LastRecvPing = conn.PendingHandshake
}

// ExitGroup broadcasts a parting message and tears the group down.
func (s *Session) ExitGroup(groupNumber int, partMessage []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chat(groupNumber)
	if c == nil {
		return ErrBadGroupNumber
	}
	err := c.sendSelfExit(partMessage)
	c.connectionState = csClosing
	s.deleteGroup(c)
	return err
}

// Kill tears down every group without parting messages beyond the exit
// broadcast, releasing all transports.
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c == nil {
			continue
		}
		_ = c.sendSelfExit(nil)
		s.deleteGroup(c)
	}
}

// Tick runs one pass of the periodic driver over every group. The outer
// messenger calls this about once per second.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, c := range s.chats {
		if c == nil {
			continue
		}
		active++
		c.doTick()
		if s.metrics != nil && c.connectionState != csNone {
			s.metrics.SetGroupPeers(strconv.Itoa(c.groupNumber), len(c.members))
		}
	}
	if s.metrics != nil {
		s.metrics.SetGroupsActive(active)
	}
}

// HandleUDPPacket is the entry point for direct datagrams.
func (s *Session) HandleUDPPacket(from netip.AddrPort, data []byte) {
	addr := proto.IPPortFrom(from)
	s.handleInbound(data, &addr, true)
}

// handleInbound demultiplexes one frame by chat id hash and outer kind.
func (s *Session) handleInbound(data []byte, ipp *proto.IPPort, direct bool) {
	if len(data) <= 1+proto.HashIDSize {
		return
	}
	hash, ok := proto.ChatIDHash(data)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatByHash(hash)
	if c == nil || c.connectionState == csFailed {
		if s.metrics != nil {
			s.metrics.IncPacketDrop("unknown_group")
		}
		return
	}

	switch data[0] {
	case proto.PacketLossless:
		if s.metrics != nil {
			s.metrics.IncPacketIn("lossless")
		}
		c.handleLossless(data, direct)
	case proto.PacketLossy:
		if s.metrics != nil {
			s.metrics.IncPacketIn("lossy")
		}
		c.handleLossy(data, direct)
	case proto.PacketHandshake:
		if s.metrics != nil {
			s.metrics.IncPacketIn("handshake")
		}
		c.handleHandshakePacket(data, ipp, direct)
	default:
		if s.metrics != nil {
			s.metrics.IncPacketDrop("bad_kind")
		}
	}
}

// handleInboundOOB accepts relayed out-of-band packets; only handshakes may
// arrive this way.
func (s *Session) handleInboundOOB(data []byte) {
	if len(data) <= 1+proto.HashIDSize || data[0] != proto.PacketHandshake {
		return
	}
	s.handleInbound(data, nil, false)
}

// Public accessors and operations. All take the stable peer id, never the
// volatile index.

func (s *Session) withChat(groupNumber int, fn func(c *Chat) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chat(groupNumber)
	if c == nil {
		return ErrBadGroupNumber
	}
	return fn(c)
}

func (s *Session) withPeer(groupNumber int, peerID uint32, fn func(c *Chat, index int) error) error {
	return s.withChat(groupNumber, func(c *Chat) error {
		index := c.memberByPeerID(peerID)
		if index == -1 {
			return ErrBadPeerID
		}
		return fn(c, index)
	})
}

// AnnounceBlob packs what a joiner needs to find us: the chat id followed by
// our group encryption key.
func (s *Session) AnnounceBlob(groupNumber int) ([]byte, error) {
	var out []byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		chatID := c.chatID()
		selfEnc := c.selfPK.Enc()
		out = append(out, chatID[:]...)
		out = append(out, selfEnc[:]...)
		return nil
	})
	return out, err
}

// ChatID returns the group's public identity.
func (s *Session) ChatID(groupNumber int) ([crypto.ChatIDSize]byte, error) {
	var out [crypto.ChatIDSize]byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = c.chatID()
		return nil
	})
	return out, err
}

func (s *Session) GroupName(groupNumber int) ([]byte, error) {
	var out []byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = append([]byte(nil), c.sharedState.GroupName...)
		return nil
	})
	return out, err
}

func (s *Session) Topic(groupNumber int) ([]byte, error) {
	var out []byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = append([]byte(nil), c.topic.Data...)
		return nil
	})
	return out, err
}

func (s *Session) Privacy(groupNumber int) (byte, error) {
	var out byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = c.sharedState.PrivacyState
		return nil
	})
	return out, err
}

func (s *Session) Password(groupNumber int) ([]byte, error) {
	var out []byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = append([]byte(nil), c.sharedState.Password...)
		return nil
	})
	return out, err
}

// SelfPeerID returns our own stable peer id in the group.
func (s *Session) SelfPeerID(groupNumber int) (uint32, error) {
	var out uint32
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = c.members[0].peer.ID
		return nil
	})
	return out, err
}

func (s *Session) SelfRole(groupNumber int) (byte, error) {
	var out byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = c.members[0].peer.Role
		return nil
	})
	return out, err
}

// Peers snapshots every member record, self first.
func (s *Session) Peers(groupNumber int) ([]Peer, error) {
	var out []Peer
	err := s.withChat(groupNumber, func(c *Chat) error {
		for _, m := range c.members {
			p := m.peer
			p.Nick = append([]byte(nil), m.peer.Nick...)
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *Session) PeerRole(groupNumber int, peerID uint32) (byte, error) {
	var out byte
	err := s.withPeer(groupNumber, peerID, func(c *Chat, index int) error {
		out = c.members[index].peer.Role
		return nil
	})
	return out, err
}

func (s *Session) SetSelfNick(groupNumber int, nick []byte) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.setSelfNick(nick) })
}

func (s *Session) SetSelfStatus(groupNumber int, status byte) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.setSelfStatus(status) })
}

func (s *Session) SetTopic(groupNumber int, topic []byte) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.setTopic(topic) })
}

// SendMessage broadcasts a plain or action message.
func (s *Session) SendMessage(groupNumber int, message []byte, action bool) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.sendMessage(message, action) })
}

func (s *Session) SendPrivateMessage(groupNumber int, peerID uint32, message []byte) error {
	return s.withPeer(groupNumber, peerID, func(c *Chat, index int) error {
		return c.sendPrivateMessage(index, message)
	})
}

func (s *Session) SendCustomPacket(groupNumber int, lossless bool, data []byte) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.sendCustomPacket(lossless, data) })
}

func (s *Session) ToggleIgnore(groupNumber int, peerID uint32, ignore bool) error {
	return s.withPeer(groupNumber, peerID, func(c *Chat, index int) error {
		c.members[index].peer.Ignore = ignore
		return nil
	})
}

// Founder operations.

func (s *Session) SetPassword(groupNumber int, password []byte) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.founderSetPassword(password) })
}

func (s *Session) SetPrivacy(groupNumber int, privacy byte) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.founderSetPrivacy(privacy) })
}

func (s *Session) SetMaxPeers(groupNumber int, maxPeers uint32) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.founderSetMaxPeers(maxPeers) })
}

// Moderation operations.

func (s *Session) SetRole(groupNumber int, peerID uint32, role byte) error {
	return s.withPeer(groupNumber, peerID, func(c *Chat, index int) error {
		return c.setRole(index, role)
	})
}

func (s *Session) RemovePeer(groupNumber int, peerID uint32, setBan bool) error {
	return s.withPeer(groupNumber, peerID, func(c *Chat, index int) error {
		return c.removePeer(index, setBan)
	})
}

func (s *Session) RemoveBan(groupNumber int, banID uint32) error {
	return s.withChat(groupNumber, func(c *Chat) error { return c.removeBanOp(banID) })
}

// BanIDs lists the ids of every active ban.
func (s *Session) BanIDs(groupNumber int) ([]uint32, error) {
	var out []uint32
	err := s.withChat(groupNumber, func(c *Chat) error {
		for i := range c.sanctions {
			if c.sanctions[i].Type == proto.SanctionBan {
				out = append(out, c.sanctions[i].BanID)
			}
		}
		return nil
	})
	return out, err
}

// Sanctions snapshots the sanctions list.
func (s *Session) Sanctions(groupNumber int) ([]proto.Sanction, uint32, error) {
	var out []proto.Sanction
	var version uint32
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = append(out, c.sanctions...)
		version = c.sanctionsCreds.Version
		return nil
	})
	return out, version, err
}

// SharedStateVersion reports the held shared state version.
func (s *Session) SharedStateVersion(groupNumber int) (uint32, error) {
	var out uint32
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = c.sharedState.Version
		return nil
	})
	return out, err
}

// Moderators lists the held moderator signature keys.
func (s *Session) Moderators(groupNumber int) ([][crypto.SigPublicKeySize]byte, error) {
	var out [][crypto.SigPublicKeySize]byte
	err := s.withChat(groupNumber, func(c *Chat) error {
		out = append(out, c.mods...)
		return nil
	})
	return out, err
}

// Connected reports whether the group has completed its join.
func (s *Session) Connected(groupNumber int) bool {
	connected := false
	_ = s.withChat(groupNumber, func(c *Chat) error {
		connected = c.connectionState == csConnected
		return nil
	})
	return connected
}
