package group

import (
	"bytes"
	"fmt"
	"net/netip"
	"testing"

	"meshchat/internal/crypto"
	"meshchat/internal/dht"
	"meshchat/internal/network"
	"meshchat/internal/proto"
	"meshchat/internal/relay"
)

// The scenario tests run full sessions against in-memory transports with a
// hand-driven clock: advance() steps wall-clock seconds, ticks every session
// and pumps queued frames until the network is quiet.

type testWorld struct {
	t        *testing.T
	hub      *relay.Hub
	net      *network.MemorySender
	dht      *dht.Memory
	now      int64
	sessions []*Session
	nextAddr int
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	return &testWorld{
		t:   t,
		hub: relay.NewHub(),
		net: network.NewMemorySender(),
		dht: dht.NewMemory(),
		now: 1700000000,
	}
}

type recorder struct {
	selfJoined bool
	joins      []uint32
	exits      []uint32
	messages   []string
	actions    []string
	privates   []string
	customs    []string
	topics     []string
	nicks      []string
	statuses   []byte
	passwords  []string
	rejected   []byte
	modEvents  []byte
}

func (w *testWorld) newSession() (*Session, *recorder) {
	w.t.Helper()
	w.nextAddr++
	ap := netip.AddrPortFrom(netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", w.nextAddr)), uint16(40000+w.nextAddr))

	var sess *Session
	sender := w.net.Register(ap, func(from netip.AddrPort, data []byte) {
		sess.HandleUDPPacket(from, data)
	})
	sess = NewSession(Options{
		Mux: func(owner [crypto.EncPublicKeySize]byte) (relay.Multiplex, error) {
			return w.hub.Attach(owner), nil
		},
		DHT:     w.dht,
		UDP:     sender,
		UDPAddr: ap,
		Clock:   func() int64 { return w.now },
	})

	rec := &recorder{}
	sess.SetCallbacks(Callbacks{
		OnMessage: func(gn int, peerID uint32, action bool, msg []byte) {
			if action {
				rec.actions = append(rec.actions, string(msg))
				return
			}
			rec.messages = append(rec.messages, string(msg))
		},
		OnPrivateMessage: func(gn int, peerID uint32, msg []byte) {
			rec.privates = append(rec.privates, string(msg))
		},
		OnCustomPacket: func(gn int, peerID uint32, data []byte) {
			rec.customs = append(rec.customs, string(data))
		},
		OnModeration: func(gn int, src, target uint32, event byte) {
			rec.modEvents = append(rec.modEvents, event)
		},
		OnNickChange: func(gn int, peerID uint32, nick []byte) {
			rec.nicks = append(rec.nicks, string(nick))
		},
		OnStatusChange: func(gn int, peerID uint32, status byte) {
			rec.statuses = append(rec.statuses, status)
		},
		OnTopicChange: func(gn int, peerID uint32, topic []byte) {
			rec.topics = append(rec.topics, string(topic))
		},
		OnPassword: func(gn int, password []byte) {
			rec.passwords = append(rec.passwords, string(password))
		},
		OnPeerJoin: func(gn int, peerID uint32) {
			rec.joins = append(rec.joins, peerID)
		},
		OnPeerExit: func(gn int, peerID uint32, part []byte) {
			rec.exits = append(rec.exits, peerID)
		},
		OnSelfJoin: func(gn int) {
			rec.selfJoined = true
		},
		OnRejected: func(gn int, reason byte) {
			rec.rejected = append(rec.rejected, reason)
		},
	})
	w.sessions = append(w.sessions, sess)
	return sess, rec
}

func (w *testWorld) pump() {
	w.t.Helper()
	for i := 0; i < 1000; i++ {
		if w.hub.Flush()+w.net.Flush() == 0 {
			return
		}
	}
	w.t.Fatalf("network did not go quiet")
}

func (w *testWorld) advance(seconds int) {
	w.t.Helper()
	for i := 0; i < seconds; i++ {
		w.now++
		for _, s := range w.sessions {
			s.Tick()
		}
		w.pump()
	}
}

// founderAndJoiner builds the S1 seed: F founds a public group, P joins it.
func founderAndJoiner(t *testing.T, w *testWorld) (fs *Session, fr *recorder, fgn int, ps *Session, pr *recorder, pgn int) {
	t.Helper()
	fs, fr = w.newSession()
	var err error
	fgn, err = fs.NewGroup(proto.PrivacyPublic, []byte("Test"), SelfInfo{Nick: []byte("founder")})
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	chatID, err := fs.ChatID(fgn)
	if err != nil {
		t.Fatalf("chat id: %v", err)
	}

	ps, pr = w.newSession()
	pgn, err = ps.JoinGroup(chatID, nil, SelfInfo{Nick: []byte("peer")})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	w.advance(10)
	return
}

func TestJoinPublicGroup(t *testing.T) {
	w := newTestWorld(t)
	fs, fr, fgn, ps, pr, pgn := founderAndJoiner(t, w)

	if !ps.Connected(pgn) {
		t.Fatalf("joiner did not connect")
	}
	if !pr.selfJoined {
		t.Fatalf("joiner got no self join callback")
	}

	fv, _ := fs.SharedStateVersion(fgn)
	pv, _ := ps.SharedStateVersion(pgn)
	if fv != 1 || pv != 1 {
		t.Fatalf("shared state versions: founder %d, joiner %d, want 1", fv, pv)
	}
	name, _ := ps.GroupName(pgn)
	if string(name) != "Test" {
		t.Fatalf("joiner group name %q", name)
	}
	role, _ := ps.SelfRole(pgn)
	if role != proto.RoleUser {
		t.Fatalf("joiner role %d, want user", role)
	}
	mods, _ := ps.Moderators(pgn)
	if len(mods) != 0 {
		t.Fatalf("joiner has %d moderators, want 0", len(mods))
	}

	fpeers, _ := fs.Peers(fgn)
	if len(fpeers) != 2 {
		t.Fatalf("founder sees %d members, want 2", len(fpeers))
	}
	if len(fr.joins) != 1 || fr.joins[0] != fpeers[1].ID {
		t.Fatalf("founder join callbacks %v, want [%d]", fr.joins, fpeers[1].ID)
	}
	if string(fpeers[1].Nick) != "peer" {
		t.Fatalf("founder sees joiner nick %q", fpeers[1].Nick)
	}
	if len(pr.joins) != 1 {
		t.Fatalf("joiner join callbacks %v, want one (the founder)", pr.joins)
	}
}

func TestMessagesAndBroadcasts(t *testing.T) {
	w := newTestWorld(t)
	fs, fr, fgn, ps, pr, pgn := founderAndJoiner(t, w)

	for _, msg := range []string{"one", "two", "three"} {
		if err := fs.SendMessage(fgn, []byte(msg), false); err != nil {
			t.Fatalf("send %q: %v", msg, err)
		}
	}
	if err := fs.SendMessage(fgn, []byte("waves"), true); err != nil {
		t.Fatalf("send action: %v", err)
	}
	w.pump()

	if len(pr.messages) != 3 || pr.messages[0] != "one" || pr.messages[1] != "two" || pr.messages[2] != "three" {
		t.Fatalf("messages out of order: %v", pr.messages)
	}
	if len(pr.actions) != 1 || pr.actions[0] != "waves" {
		t.Fatalf("actions: %v", pr.actions)
	}

	peers, _ := ps.Peers(pgn)
	if err := ps.SendPrivateMessage(pgn, peers[1].ID, []byte("psst")); err != nil {
		t.Fatalf("private: %v", err)
	}
	if err := ps.SendCustomPacket(pgn, true, []byte("custom-l")); err != nil {
		t.Fatalf("custom lossless: %v", err)
	}
	if err := ps.SendCustomPacket(pgn, false, []byte("custom-y")); err != nil {
		t.Fatalf("custom lossy: %v", err)
	}
	w.pump()

	if len(fr.privates) != 1 || fr.privates[0] != "psst" {
		t.Fatalf("founder privates: %v", fr.privates)
	}
	if len(fr.customs) != 2 {
		t.Fatalf("founder customs: %v", fr.customs)
	}

	if err := ps.SetSelfStatus(pgn, proto.StatusAway); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := ps.SetSelfNick(pgn, []byte("peer2")); err != nil {
		t.Fatalf("nick: %v", err)
	}
	if err := ps.SetSelfNick(pgn, []byte("founder")); err != ErrNickTaken {
		t.Fatalf("taken nick accepted: %v", err)
	}
	w.pump()

	fpeers, _ := fs.Peers(fgn)
	if string(fpeers[1].Nick) != "peer2" || fpeers[1].Status != proto.StatusAway {
		t.Fatalf("founder view of peer: nick %q status %d", fpeers[1].Nick, fpeers[1].Status)
	}
}

func TestPasswordFlow(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, ps, pr, pgn := founderAndJoiner(t, w)

	if err := fs.SetPassword(fgn, []byte("hunter2")); err != nil {
		t.Fatalf("set password: %v", err)
	}
	w.pump()

	fv, _ := fs.SharedStateVersion(fgn)
	pv, _ := ps.SharedStateVersion(pgn)
	if fv != 2 || pv != 2 {
		t.Fatalf("versions after password: founder %d, joiner %d, want 2", fv, pv)
	}
	pw, _ := ps.Password(pgn)
	if string(pw) != "hunter2" {
		t.Fatalf("joiner password %q", pw)
	}
	if len(pr.passwords) != 1 || pr.passwords[0] != "hunter2" {
		t.Fatalf("password callbacks: %v", pr.passwords)
	}

	chatID, _ := fs.ChatID(fgn)
	qs, qr := w.newSession()
	qgn, err := qs.JoinGroup(chatID, []byte("wrong"), SelfInfo{Nick: []byte("q")})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	w.advance(10)

	if len(qr.rejected) != 1 || qr.rejected[0] != proto.RejectInvalidPassword {
		t.Fatalf("rejections: %v, want invalid password", qr.rejected)
	}
	if qs.Connected(qgn) {
		t.Fatalf("wrong password still connected")
	}

	_ = qs.ExitGroup(qgn, nil)
	qgn, err = qs.JoinGroup(chatID, []byte("hunter2"), SelfInfo{Nick: []byte("q")})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	w.advance(10)
	if !qs.Connected(qgn) {
		t.Fatalf("correct password did not connect")
	}
}

func TestPromoteBanAndUnban(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, ps, _, pgn := founderAndJoiner(t, w)

	// R joins as the third member.
	chatID, _ := fs.ChatID(fgn)
	rs, _ := w.newSession()
	rgn, err := rs.JoinGroup(chatID, nil, SelfInfo{Nick: []byte("r")})
	if err != nil {
		t.Fatalf("r join: %v", err)
	}
	w.advance(12)
	if !rs.Connected(rgn) {
		t.Fatalf("r did not connect")
	}

	// Founder promotes P to moderator.
	fpeers, _ := fs.Peers(fgn)
	var pID uint32
	for _, p := range fpeers[1:] {
		if string(p.Nick) == "peer" {
			pID = p.ID
		}
	}
	if err := fs.SetRole(fgn, pID, proto.RoleModerator); err != nil {
		t.Fatalf("promote: %v", err)
	}
	w.pump()

	if role, _ := ps.SelfRole(pgn); role != proto.RoleModerator {
		t.Fatalf("p role %d, want moderator", role)
	}
	fmods, _ := fs.Moderators(fgn)
	pmods, _ := ps.Moderators(pgn)
	if len(fmods) != 1 || len(pmods) != 1 {
		t.Fatalf("moderator lists: founder %d, p %d, want 1 each", len(fmods), len(pmods))
	}

	// The moderator list hash is bound into the shared state everywhere.
	fc := fs.chat(fgn)
	pc := ps.chat(pgn)
	if fc.modListHash() != fc.sharedState.ModListHash {
		t.Fatalf("founder mod hash not bound")
	}
	if pc.modListHash() != pc.sharedState.ModListHash {
		t.Fatalf("joiner mod hash not bound")
	}

	// A moderator topic is accepted by everyone.
	if err := ps.SetTopic(pgn, []byte("world")); err != nil {
		t.Fatalf("mod topic: %v", err)
	}
	w.pump()
	if topic, _ := fs.Topic(fgn); string(topic) != "world" {
		t.Fatalf("founder topic %q", topic)
	}

	// Let endpoint gossip teach P R's address, then P bans R.
	w.advance(2)
	ppeers, _ := ps.Peers(pgn)
	var rID uint32
	for _, p := range ppeers[1:] {
		if string(p.Nick) == "r" {
			rID = p.ID
		}
	}
	if rID == 0 {
		t.Fatalf("p does not see r: %v", ppeers)
	}
	if err := ps.RemovePeer(pgn, rID, true); err != nil {
		t.Fatalf("ban: %v", err)
	}
	w.pump()

	// R is gone from every table and the ban entry replicated.
	for name, check := range map[string]struct {
		s  *Session
		gn int
	}{"founder": {fs, fgn}, "moderator": {ps, pgn}} {
		peers, _ := check.s.Peers(check.gn)
		for _, p := range peers {
			if string(p.Nick) == "r" {
				t.Fatalf("%s still sees r", name)
			}
		}
		sanctions, creds, _ := check.s.Sanctions(check.gn)
		if len(sanctions) != 1 || sanctions[0].Type != proto.SanctionBan {
			t.Fatalf("%s sanctions: %+v", name, sanctions)
		}
		if creds != 1 {
			t.Fatalf("%s creds version %d, want 1", name, creds)
		}
		if !crypto.Verify(sanctions[0].SignerKey, sanctions[0].SignedBytes(), sanctions[0].Signature) {
			t.Fatalf("%s ban signature invalid", name)
		}
	}
	// R's own group was torn down by the ban.
	if rs.Connected(rgn) {
		t.Fatalf("r still connected after ban")
	}

	// Founder lifts the ban; credentials advance by one everywhere.
	banIDs, _ := fs.BanIDs(fgn)
	if len(banIDs) != 1 {
		t.Fatalf("founder ban ids: %v", banIDs)
	}
	if err := fs.RemoveBan(fgn, banIDs[0]); err != nil {
		t.Fatalf("remove ban: %v", err)
	}
	w.pump()
	sanctions, creds, _ := ps.Sanctions(pgn)
	if len(sanctions) != 0 || creds != 2 {
		t.Fatalf("after unban: %d sanctions, creds %d", len(sanctions), creds)
	}
}

func TestObserverRole(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, ps, _, pgn := founderAndJoiner(t, w)

	fpeers, _ := fs.Peers(fgn)
	pID := fpeers[1].ID

	if err := fs.SetRole(fgn, pID, proto.RoleObserver); err != nil {
		t.Fatalf("demote: %v", err)
	}
	w.pump()

	if role, _ := ps.SelfRole(pgn); role != proto.RoleObserver {
		t.Fatalf("p role %d, want observer", role)
	}
	if err := ps.SendMessage(pgn, []byte("hi"), false); err != ErrPermissionDenied {
		t.Fatalf("observer message allowed: %v", err)
	}
	if err := ps.SendCustomPacket(pgn, true, []byte("x")); err != ErrPermissionDenied {
		t.Fatalf("observer custom packet allowed: %v", err)
	}

	if err := fs.SetRole(fgn, pID, proto.RoleUser); err != nil {
		t.Fatalf("restore: %v", err)
	}
	w.pump()
	if role, _ := ps.SelfRole(pgn); role != proto.RoleUser {
		t.Fatalf("p role %d, want user", role)
	}
	if err := ps.SendMessage(pgn, []byte("hi"), false); err != nil {
		t.Fatalf("restored user cannot message: %v", err)
	}
}

func TestSignatureGating(t *testing.T) {
	w := newTestWorld(t)
	_, _, _, ps, _, pgn := founderAndJoiner(t, w)
	pc := ps.chat(pgn)

	// A forged shared state with a huge version, signed by the wrong key.
	_, attacker, err := crypto.GenerateExtKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	forged := pc.sharedState
	forged.Version = 99
	forged.GroupName = []byte("Owned")
	sig := crypto.Sign(attacker.SigSeed(), forged.PackedBytes())

	w2 := proto.NewWriter(crypto.SignatureSize + proto.PackedSharedStateSize)
	w2.Bytes(sig[:])
	forged.Pack(w2)

	ps.mu.Lock()
	pc.handleSharedState(1, w2.Data())
	ps.mu.Unlock()

	if pc.sharedState.Version != 1 || string(pc.sharedState.GroupName) != "Test" {
		t.Fatalf("forged shared state installed: v%d %q", pc.sharedState.Version, pc.sharedState.GroupName)
	}
	// The sender was treated as malicious and dropped.
	if len(pc.members) != 1 {
		t.Fatalf("forging sender kept: %d members", len(pc.members))
	}
}

func TestTopicVersionRules(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, ps, pr, pgn := founderAndJoiner(t, w)

	if err := fs.SetTopic(fgn, []byte("hello")); err != nil {
		t.Fatalf("topic: %v", err)
	}
	w.pump()
	if topic, _ := ps.Topic(pgn); string(topic) != "hello" {
		t.Fatalf("joiner topic %q", topic)
	}

	pc := ps.chat(pgn)
	fc := fs.chat(fgn)
	heldVersion := pc.topic.Version

	// An equal-version topic with different text loses to the held one.
	rival := proto.Topic{Data: []byte("stale"), SignerKey: fc.selfPK.Sig(), Version: heldVersion}
	rivalSig := crypto.Sign(fc.selfSK.SigSeed(), rival.PackedBytes())
	w2 := proto.NewWriter(crypto.SignatureSize + 64)
	w2.Bytes(rivalSig[:])
	rival.Pack(w2)

	ps.mu.Lock()
	pc.handleTopic(1, w2.Data())
	ps.mu.Unlock()
	if topic, _ := ps.Topic(pgn); string(topic) != "hello" {
		t.Fatalf("equal-version topic replaced held one: %q", topic)
	}

	// An older version is ignored outright.
	old := proto.Topic{Data: []byte("ancient"), SignerKey: fc.selfPK.Sig(), Version: heldVersion - 1}
	oldSig := crypto.Sign(fc.selfSK.SigSeed(), old.PackedBytes())
	w3 := proto.NewWriter(crypto.SignatureSize + 64)
	w3.Bytes(oldSig[:])
	old.Pack(w3)

	ps.mu.Lock()
	pc.handleTopic(1, w3.Data())
	ps.mu.Unlock()
	if topic, _ := ps.Topic(pgn); string(topic) != "hello" {
		t.Fatalf("older topic replaced held one: %q", topic)
	}

	// A topic signed by a non-moderator never verifies.
	_, mallory, err := crypto.GenerateExtKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	bad := proto.Topic{Data: []byte("evil"), SignerKey: pc.selfPK.Sig(), Version: heldVersion + 7}
	badSig := crypto.Sign(mallory.SigSeed(), bad.PackedBytes())
	w4 := proto.NewWriter(crypto.SignatureSize + 64)
	w4.Bytes(badSig[:])
	bad.Pack(w4)

	ps.mu.Lock()
	pc.handleTopic(1, w4.Data())
	ps.mu.Unlock()
	if topic, _ := ps.Topic(pgn); string(topic) != "hello" {
		t.Fatalf("unauthorized topic installed: %q", topic)
	}

	if len(pr.topics) != 1 || pr.topics[0] != "hello" {
		t.Fatalf("topic callbacks: %v", pr.topics)
	}
}

func TestForgedHandshakeHash(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, _, _, _ := founderAndJoiner(t, w)
	fc := fs.chat(fgn)
	before := len(fc.members)

	attackerPub, attackerSec, err := crypto.GenerateExtKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	sessPK, _, err := crypto.SessionKeypair()
	if err != nil {
		t.Fatalf("session keypair: %v", err)
	}
	hs := proto.Handshake{
		Type:        proto.HsRequest,
		SenderHash:  crypto.Jenkins([]byte("not the real key")),
		SessionKey:  sessPK,
		SigKey:      attackerPub.Sig(),
		RequestKind: proto.HsInviteRequest,
		JoinKind:    proto.JoinPublic,
	}
	frame, err := proto.WrapHandshake(fc.chatIDHash, attackerPub.Enc(), fc.selfPK.Enc(),
		attackerSec.Enc(), hs.PackedBytes())
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	fs.HandleUDPPacket(netip.MustParseAddrPort("10.9.9.9:999"), frame)
	if len(fc.members) != before {
		t.Fatalf("forged handshake admitted a peer")
	}
}

func TestPendingStateSyncTwoStep(t *testing.T) {
	w := newTestWorld(t)
	_, _, _, ps, _, pgn := founderAndJoiner(t, w)
	pc := ps.chat(pgn)
	conn := pc.members[1].conn

	// A ping advertising a newer topic version.
	payload := proto.NewWriter(proto.PingPayloadSize)
	payload.U32(uint32(pc.confirmedCount()))
	payload.U32(pc.sharedState.Version)
	payload.U32(pc.sanctionsCreds.Version)
	payload.U32(pc.topic.Version + 1)

	ps.mu.Lock()
	pc.peerStateSync(conn, payload.Data())
	armed := conn.PendingStateSync && !conn.PendingSyncRequest
	pc.peerStateSync(conn, payload.Data())
	fired := conn.PendingSyncRequest && !conn.PendingStateSync
	ps.mu.Unlock()

	if !armed {
		t.Fatalf("first advanced ping did not arm the flag")
	}
	if !fired {
		t.Fatalf("second advanced ping did not send the sync request")
	}
}

func TestIdempotentInviteRequest(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, _, _, _ := founderAndJoiner(t, w)
	fc := fs.chat(fgn)
	before := len(fc.members)

	// A duplicate invite request from the already-admitted peer.
	payload := proto.NewWriter(64)
	payload.U16(4)
	payload.Bytes([]byte("peer"))
	payload.Bytes(make([]byte, proto.MaxPasswordSize))

	fs.mu.Lock()
	fc.handleInviteRequest(1, payload.Data())
	fs.mu.Unlock()

	if len(fc.members) != before {
		t.Fatalf("duplicate invite changed the peer table: %d -> %d", before, len(fc.members))
	}
}

func TestDuplicateNickBroadcastDeletesSender(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, _, _, _ := founderAndJoiner(t, w)
	fc := fs.chat(fgn)

	fs.mu.Lock()
	fc.handleNick(1, []byte("founder"))
	deleted := len(fc.members) == 1
	fs.mu.Unlock()
	if !deleted {
		t.Fatalf("nick-stealing peer kept")
	}
}

func TestPeerExitAndTimeout(t *testing.T) {
	w := newTestWorld(t)
	fs, fr, fgn, ps, _, pgn := founderAndJoiner(t, w)

	if err := ps.ExitGroup(pgn, []byte("bye")); err != nil {
		t.Fatalf("exit: %v", err)
	}
	w.pump()
	fpeers, _ := fs.Peers(fgn)
	if len(fpeers) != 1 {
		t.Fatalf("founder still sees the departed peer")
	}
	if len(fr.exits) != 1 {
		t.Fatalf("founder exit callbacks: %v", fr.exits)
	}

	// A silent peer is reaped after the confirmed timeout.
	chatID, _ := fs.ChatID(fgn)
	qs, _ := w.newSession()
	if _, err := qs.JoinGroup(chatID, nil, SelfInfo{Nick: []byte("q")}); err != nil {
		t.Fatalf("q join: %v", err)
	}
	w.advance(10)
	fpeers, _ = fs.Peers(fgn)
	if len(fpeers) != 2 {
		t.Fatalf("q did not join: %d members", len(fpeers))
	}

	// Stop ticking q so it goes silent, then advance past the timeout.
	w.sessions = w.sessions[:len(w.sessions)-1]
	w.advance(confirmedPeerTimeout + pingInterval + 2)
	fpeers, _ = fs.Peers(fgn)
	if len(fpeers) != 1 {
		t.Fatalf("silent peer not reaped: %d members", len(fpeers))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, ps, _, pgn := founderAndJoiner(t, w)

	if err := fs.SetPassword(fgn, []byte("sekrit")); err != nil {
		t.Fatalf("password: %v", err)
	}
	if err := fs.SetTopic(fgn, []byte("persisted")); err != nil {
		t.Fatalf("topic: %v", err)
	}
	w.pump()

	saved, err := ps.Save(pgn)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if string(saved.GroupName) != "Test" || string(saved.Password) != "sekrit" {
		t.Fatalf("saved state wrong: name %q password %q", saved.GroupName, saved.Password)
	}
	if string(saved.Topic) != "persisted" || saved.StateVersion != 2 {
		t.Fatalf("saved topic %q version %d", saved.Topic, saved.StateVersion)
	}
	if len(saved.Peers) != 1 {
		t.Fatalf("saved %d peers, want 1", len(saved.Peers))
	}
	if len(saved.ChatSecretKey) != 0 {
		t.Fatalf("non-founder saved a chat secret key")
	}

	// Restoring into a fresh session keeps identity and state and starts
	// reconnecting.
	qs, _ := w.newSession()
	qgn, err := qs.LoadGroup(saved)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chatID, _ := fs.ChatID(fgn)
	loadedID, _ := qs.ChatID(qgn)
	if loadedID != chatID {
		t.Fatalf("restored chat id differs")
	}
	v, _ := qs.SharedStateVersion(qgn)
	if v != 2 {
		t.Fatalf("restored version %d", v)
	}
	qc := qs.chat(qgn)
	if qc.connectionState != csConnecting {
		t.Fatalf("restored group not reconnecting")
	}
	if len(qc.members) != 2 {
		t.Fatalf("restored peer table has %d members", len(qc.members))
	}
	if qc.members[1].conn.PendingHandshake == 0 || !qc.members[1].conn.IsOOBHandshake {
		t.Fatalf("restored peer has no pending handshake")
	}
}

func TestPrivacyFlipControlsAnnounce(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, _, _, _ := founderAndJoiner(t, w)
	chatID, _ := fs.ChatID(fgn)

	// Both the founder and the joiner register a public group.
	if got := len(w.dht.Lookup(chatID)); got != 2 {
		t.Fatalf("public group has %d announces, want 2", got)
	}
	if err := fs.SetPrivacy(fgn, proto.PrivacyPrivate); err != nil {
		t.Fatalf("flip private: %v", err)
	}
	w.pump()
	if got := len(w.dht.Lookup(chatID)); got != 0 {
		t.Fatalf("private group still announced")
	}
	if err := fs.SetPrivacy(fgn, proto.PrivacyPublic); err != nil {
		t.Fatalf("flip public: %v", err)
	}
	w.pump()
	if got := len(w.dht.Lookup(chatID)); got != 2 {
		t.Fatalf("re-published group not announced")
	}
	v, _ := fs.SharedStateVersion(fgn)
	if v != 3 {
		t.Fatalf("version %d after two flips, want 3", v)
	}
}

func TestHandshakeFloodThrottled(t *testing.T) {
	w := newTestWorld(t)
	fs, _, fgn, _, _, _ := founderAndJoiner(t, w)
	fc := fs.chat(fgn)
	before := len(fc.members)

	for i := 0; i < newConnectionLimit+5; i++ {
		pub, sec, err := crypto.GenerateExtKeypair()
		if err != nil {
			t.Fatalf("keypair: %v", err)
		}
		sessPK, _, err := crypto.SessionKeypair()
		if err != nil {
			t.Fatalf("session keypair: %v", err)
		}
		hs := proto.Handshake{
			Type:        proto.HsRequest,
			SenderHash:  crypto.Jenkins(pub[:crypto.EncPublicKeySize]),
			SessionKey:  sessPK,
			SigKey:      pub.Sig(),
			RequestKind: proto.HsInviteRequest,
			JoinKind:    proto.JoinPublic,
		}
		frame, err := proto.WrapHandshake(fc.chatIDHash, pub.Enc(), fc.selfPK.Enc(),
			sec.Enc(), hs.PackedBytes())
		if err != nil {
			t.Fatalf("wrap: %v", err)
		}
		fs.HandleUDPPacket(netip.MustParseAddrPort(fmt.Sprintf("10.8.8.%d:999", i+1)), frame)
	}

	admitted := len(fs.chat(fgn).members) - before
	if admitted > newConnectionLimit {
		t.Fatalf("flood admitted %d peers, limit %d", admitted, newConnectionLimit)
	}
	if !fs.chat(fgn).blockHandshakes {
		t.Fatalf("flood did not trip the handshake gate")
	}

	// The meter drains one per second; the gate reopens once empty.
	w.advance(newConnectionLimit + 2)
	if fs.chat(fgn).blockHandshakes {
		t.Fatalf("gate still closed after drain")
	}
}

func TestFriendInviteIntoPrivateGroup(t *testing.T) {
	w := newTestWorld(t)
	fs, fr := w.newSession()
	fgn, err := fs.NewGroup(proto.PrivacyPrivate, []byte("Secret"), SelfInfo{Nick: []byte("founder")})
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	chatID, _ := fs.ChatID(fgn)
	if got := len(w.dht.Lookup(chatID)); got != 0 {
		t.Fatalf("private group announced")
	}

	invite, err := fs.CreateInvite(fgn)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	js, jr := w.newSession()
	jgn, accept, err := js.AcceptInvite(invite, nil, SelfInfo{Nick: []byte("j")})
	if err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	confirmed, err := fs.HandleInviteAccepted(accept)
	if err != nil {
		t.Fatalf("handle accepted: %v", err)
	}
	// A second accept for the same invite is refused.
	if _, err := fs.HandleInviteAccepted(accept); err == nil {
		t.Fatalf("replayed accept honored")
	}
	if err := js.HandleInviteConfirmed(confirmed); err != nil {
		t.Fatalf("handle confirmed: %v", err)
	}

	w.advance(10)
	if !js.Connected(jgn) {
		t.Fatalf("invited peer did not connect")
	}
	if !jr.selfJoined {
		t.Fatalf("invited peer got no self join")
	}
	if privacy, _ := js.Privacy(jgn); privacy != proto.PrivacyPrivate {
		t.Fatalf("joiner privacy %d", privacy)
	}
	if len(fr.joins) != 1 {
		t.Fatalf("founder joins: %v", fr.joins)
	}
}

func TestSharedStateValidateBounds(t *testing.T) {
	var s proto.SharedState
	s.GroupName = bytes.Repeat([]byte("a"), proto.MaxGroupNameSize+1)
	s.MaxPeers = 1
	if s.Validate() == nil {
		t.Fatalf("oversized name accepted")
	}
	s.GroupName = []byte("ok")
	s.MaxPeers = proto.MaxGroupPeers + 1
	if s.Validate() == nil {
		t.Fatalf("oversized max peers accepted")
	}
	s.MaxPeers = 5
	if err := s.Validate(); err != nil {
		t.Fatalf("valid state rejected: %v", err)
	}
}
