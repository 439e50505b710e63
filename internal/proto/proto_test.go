package proto

import (
	"bytes"
	"net/netip"
	"testing"

	"meshchat/internal/crypto"
)

func testKeys(t *testing.T) (crypto.ExtPublicKey, crypto.ExtSecretKey) {
	t.Helper()
	pub, sec, err := crypto.GenerateExtKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return pub, sec
}

func TestSharedStateRoundTrip(t *testing.T) {
	pub, _ := testKeys(t)
	in := SharedState{
		FounderKey:   pub,
		MaxPeers:     321,
		GroupName:    []byte("Test"),
		PrivacyState: PrivacyPrivate,
		Password:     []byte("hunter2"),
		Version:      7,
	}
	in.ModListHash = crypto.ListHash([]byte("mods"))

	packed := in.PackedBytes()
	if len(packed) != PackedSharedStateSize {
		t.Fatalf("packed size %d, want %d", len(packed), PackedSharedStateSize)
	}

	out := UnpackSharedState(NewReader(packed))
	if out.FounderKey != in.FounderKey || out.MaxPeers != in.MaxPeers ||
		!bytes.Equal(out.GroupName, in.GroupName) || out.PrivacyState != in.PrivacyState ||
		!bytes.Equal(out.Password, in.Password) || out.ModListHash != in.ModListHash ||
		out.Version != in.Version {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}

	if !bytes.Equal(out.PackedBytes(), packed) {
		t.Fatalf("re-pack differs from original")
	}
}

func TestSharedStateTruncated(t *testing.T) {
	pub, _ := testKeys(t)
	in := SharedState{FounderKey: pub, MaxPeers: 10, GroupName: []byte("g"), Version: 1}
	packed := in.PackedBytes()
	for n := 0; n < len(packed); n++ {
		r := NewReader(packed[:n])
		UnpackSharedState(r)
		if r.Err() == nil {
			t.Fatalf("truncation to %d bytes not detected", n)
		}
	}
}

func TestTopicRoundTrip(t *testing.T) {
	pub, _ := testKeys(t)
	in := Topic{Data: []byte("welcome"), SignerKey: pub.Sig(), Version: 3}
	packed := in.PackedBytes()

	out := UnpackTopic(NewReader(packed))
	if !bytes.Equal(out.Data, in.Data) || out.SignerKey != in.SignerKey || out.Version != in.Version {
		t.Fatalf("round trip mismatch")
	}
	if !bytes.Equal(out.PackedBytes(), packed) {
		t.Fatalf("re-pack differs")
	}
}

func TestPeerInfoRoundTrip(t *testing.T) {
	in := PeerInfo{Nick: []byte("alice"), Status: StatusAway, Role: RoleModerator}
	w := NewWriter(PackedPeerInfoSize)
	in.Pack(w)
	if w.Len() != PackedPeerInfoSize {
		t.Fatalf("packed size %d, want %d", w.Len(), PackedPeerInfoSize)
	}
	out := UnpackPeerInfo(NewReader(w.Data()))
	if !bytes.Equal(out.Nick, in.Nick) || out.Status != in.Status || out.Role != in.Role {
		t.Fatalf("round trip mismatch")
	}
}

func TestRelayNodeRoundTrip(t *testing.T) {
	pub, _ := testKeys(t)
	in := RelayNode{
		Addr:      IPPortFrom(netip.MustParseAddrPort("192.0.2.7:33445")),
		PublicKey: pub.Enc(),
	}
	w := NewWriter(PackedNodeSize)
	in.Pack(w)
	if w.Len() != PackedNodeSize {
		t.Fatalf("packed size %d, want %d", w.Len(), PackedNodeSize)
	}
	out := UnpackRelayNode(NewReader(w.Data()))
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
	if got := out.Addr.AddrPort().String(); got != "192.0.2.7:33445" {
		t.Fatalf("addr mapped wrong: %s", got)
	}
}

func TestSanctionRoundTrip(t *testing.T) {
	pub, sec := testKeys(t)

	ban := Sanction{
		Type:      SanctionBan,
		SignerKey: pub.Sig(),
		TimeSet:   1600000000,
		BanAddr:   IPPortFrom(netip.MustParseAddrPort("198.51.100.2:1234")),
		BanNick:   []byte("mallory"),
		BanID:     2,
	}
	ban.Signature = crypto.Sign(sec.SigSeed(), ban.SignedBytes())

	obs := Sanction{
		Type:      SanctionObserver,
		SignerKey: pub.Sig(),
		TimeSet:   1600000001,
		TargetKey: pub.Enc(),
	}
	obs.Signature = crypto.Sign(sec.SigSeed(), obs.SignedBytes())

	list := []Sanction{ban, obs}
	creds := SanctionCreds{Version: 5, SignerKey: pub.Sig()}
	creds.Hash = SanctionListHash(list, creds.Version)
	creds.Signature = crypto.Sign(sec.SigSeed(), creds.Hash[:])

	w := NewWriter(1024)
	PackSanctionList(w, list, &creds)

	out, outCreds, ok := UnpackSanctionList(NewReader(w.Data()), 2)
	if !ok {
		t.Fatalf("unpack failed")
	}
	if len(out) != 2 {
		t.Fatalf("want 2 entries, got %d", len(out))
	}
	if out[0].BanID != ban.BanID || !bytes.Equal(out[0].BanNick, ban.BanNick) ||
		out[0].BanAddr != ban.BanAddr || out[0].Signature != ban.Signature {
		t.Fatalf("ban entry mismatch")
	}
	if out[1].TargetKey != obs.TargetKey || out[1].Signature != obs.Signature {
		t.Fatalf("observer entry mismatch")
	}
	if outCreds != creds {
		t.Fatalf("creds mismatch")
	}
	if SanctionListHash(out, outCreds.Version) != creds.Hash {
		t.Fatalf("recomputed hash differs")
	}
}

func TestSanctionListTruncated(t *testing.T) {
	pub, sec := testKeys(t)
	s := Sanction{Type: SanctionObserver, SignerKey: pub.Sig(), TimeSet: 1, TargetKey: pub.Enc()}
	s.Signature = crypto.Sign(sec.SigSeed(), s.SignedBytes())
	creds := SanctionCreds{Version: 1, SignerKey: pub.Sig()}

	w := NewWriter(512)
	PackSanctionList(w, []Sanction{s}, &creds)
	full := w.Data()
	for n := 0; n < len(full); n++ {
		if _, _, ok := UnpackSanctionList(NewReader(full[:n]), 1); ok {
			t.Fatalf("truncation to %d bytes accepted", n)
		}
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	pub, _ := testKeys(t)
	relayPub, _ := testKeys(t)
	in := Handshake{
		Type:         HsRequest,
		SenderHash:   crypto.Jenkins(pub[:crypto.EncPublicKeySize]),
		SessionKey:   pub.Enc(),
		SigKey:       pub.Sig(),
		RequestKind:  HsInviteRequest,
		JoinKind:     JoinPrivate,
		StateVersion: NoneSentVersion,
		Relay: RelayNode{
			Addr:      IPPortFrom(netip.MustParseAddrPort("[2001:db8::1]:443")),
			PublicKey: relayPub.Enc(),
		},
	}
	out, err := UnpackHandshake(in.PackedBytes())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch")
	}
}

func TestWrapUnwrapLossless(t *testing.T) {
	selfPK, selfSK, err := crypto.SessionKeypair()
	if err != nil {
		t.Fatalf("session keypair: %v", err)
	}
	peerPK, peerSK, err := crypto.SessionKeypair()
	if err != nil {
		t.Fatalf("session keypair: %v", err)
	}
	sendKey := crypto.Precompute(peerPK, selfSK)
	recvKey := crypto.Precompute(selfPK, peerSK)

	payload := []byte("state sync payload")
	pkt, err := WrapPacket(PacketLossless, 0xdeadbeef, selfPK, sendKey, TypeSyncRequest, 42, payload)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	if hash, ok := ChatIDHash(pkt); !ok || hash != 0xdeadbeef {
		t.Fatalf("chat id hash lost")
	}
	if sender, ok := SenderKey(pkt); !ok || sender != selfPK {
		t.Fatalf("sender key lost")
	}

	plain, err := UnwrapPacket(PacketLossless, recvKey, pkt)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if plain.Type != TypeSyncRequest || plain.MessageID != 42 || !bytes.Equal(plain.Payload, payload) {
		t.Fatalf("interior mismatch: %+v", plain)
	}

	// The frame carries exactly PaddingLen bytes of padding for its payload.
	inner := len(pkt) - packetHeaderSize - crypto.MACSize
	if PaddingLen(len(payload)) != inner-1-MessageIDSize-len(payload) {
		t.Fatalf("padding length mismatch")
	}

	// Wrong key must fail without partial output.
	if _, err := UnwrapPacket(PacketLossless, sendKey, pkt); err == nil {
		t.Fatalf("unwrap with wrong key succeeded")
	}
}

func TestWrapUnwrapLossy(t *testing.T) {
	selfPK, selfSK, err := crypto.SessionKeypair()
	if err != nil {
		t.Fatalf("session keypair: %v", err)
	}
	peerPK, peerSK, err := crypto.SessionKeypair()
	if err != nil {
		t.Fatalf("session keypair: %v", err)
	}
	sendKey := crypto.Precompute(peerPK, selfSK)
	recvKey := crypto.Precompute(selfPK, peerSK)

	pkt, err := WrapPacket(PacketLossy, 1, selfPK, sendKey, TypePing, 0, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	plain, err := UnwrapPacket(PacketLossy, recvKey, pkt)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if plain.Type != TypePing || !bytes.Equal(plain.Payload, []byte{1, 2, 3, 4}) {
		t.Fatalf("interior mismatch")
	}

	for n := 0; n < MinLossySize; n++ {
		if _, err := UnwrapPacket(PacketLossy, recvKey, pkt[:n]); err == nil {
			t.Fatalf("truncation to %d accepted", n)
		}
	}
}

func TestWrapUnwrapHandshake(t *testing.T) {
	selfPub, selfSec := testKeys(t)
	peerPub, peerSec := testKeys(t)

	hs := Handshake{Type: HsResponse, SessionKey: selfPub.Enc(), SigKey: selfPub.Sig(), StateVersion: 3}
	pkt, err := WrapHandshake(99, selfPub.Enc(), peerPub.Enc(), selfSec.Enc(), hs.PackedBytes())
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	sender, plain, err := UnwrapHandshake(peerSec.Enc(), pkt)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if sender != selfPub.Enc() {
		t.Fatalf("sender mismatch")
	}
	out, err := UnpackHandshake(plain)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if out != hs {
		t.Fatalf("payload mismatch")
	}
}
