// Package group implements the group chat runtime: handshake and session
// establishment, the reliable stream over an unreliable substrate, peer
// lifecycle, state synchronization, founder-signed state replication, the
// role model, broadcasts, and the periodic driver that keeps it all moving.
//
// All state mutation is serialized by the owning Session's mutex; handlers
// run to completion with bounded work per packet.
package group

import (
	"errors"

	"meshchat/internal/crypto"
	"meshchat/internal/proto"
	"meshchat/internal/relay"
)

// Connection states of a group.
const (
	csNone = iota
	csDisconnected
	csConnecting
	csConnected
	csClosing
	csFailed
)

// Wall-clock timers, in seconds.
const (
	pingInterval           = 12
	confirmedPeerTimeout   = pingInterval*4 + 10
	unconfirmedPeerTimeout = pingInterval * 2
	handshakeSendDelay     = 3
	pendingHandshakeMax    = 10
	joinAttemptInterval    = 20
	relaysShareInterval    = 300
	ipPortShareInterval    = 120

	// Handshake flood gate: accepted requests above this drain at one per
	// second before new ones are admitted again.
	newConnectionLimit = 10
)

const maxConfirmedRing = 30

var (
	ErrBadGroupNumber   = errors.New("group: bad group number")
	ErrBadPeerID        = errors.New("group: bad peer id")
	ErrBadArgument      = errors.New("group: bad argument")
	ErrPermissionDenied = errors.New("group: permission denied")
	ErrSendFailed       = errors.New("group: send failed")
	ErrNickTaken        = errors.New("group: nick taken")
	ErrNotConnected     = errors.New("group: not connected")
	ErrGroupExists      = errors.New("group: group already exists")
)

// SelfInfo is what a peer brings when creating or joining a group.
type SelfInfo struct {
	Nick   []byte
	Status byte
}

func (s SelfInfo) valid() bool {
	return len(s.Nick) > 0 && len(s.Nick) <= proto.MaxNickSize && s.Status < proto.StatusInvalid
}

// Peer is the application-visible record for one group member.
type Peer struct {
	ID     uint32
	Nick   []byte
	Status byte
	Role   byte
	Ignore bool
}

// member pairs a peer record with its transport connection. Index 0 of the
// member list is always self; its role there is the authoritative local role.
type member struct {
	peer Peer
	conn *Connection
}

// Chat is one group: identity, replicated state, the peer table, and the
// relay multiplex that backs it.
type Chat struct {
	groupNumber     int
	connectionState int
	joinType        byte

	chatPK     crypto.ExtPublicKey
	chatSK     crypto.ExtSecretKey // zero unless we are the founder
	chatIDHash uint32

	selfPK   crypto.ExtPublicKey
	selfSK   crypto.ExtSecretKey
	selfHash uint32

	sharedState    proto.SharedState
	sharedStateSig [crypto.SignatureSize]byte

	topic    proto.Topic
	topicSig [crypto.SignatureSize]byte

	mods           [][crypto.SigPublicKeySize]byte
	sanctions      []proto.Sanction
	sanctionsCreds proto.SanctionCreds

	members []*member

	// Reconnection ring: encryption keys of peers that completed a
	// handshake here, admitting them back into private chats.
	confirmedRing [maxConfirmedRing][crypto.EncPublicKeySize]byte
	confirmedIdx  int

	// Handshake flood gate.
	connMeter       int
	blockHandshakes bool
	cooldownTimer   int64

	lastSentPing    int64
	lastJoinAttempt int64

	// Outstanding friend invites we have issued but not yet seen accepted.
	invitesSent int

	mux relay.Multiplex
	s   *Session
}

func (c *Chat) chatID() [crypto.ChatIDSize]byte {
	return c.chatPK.Sig()
}

func (c *Chat) isPublic() bool {
	return c.sharedState.PrivacyState == proto.PrivacyPublic
}

func (c *Chat) self() *member {
	return c.members[0]
}

func (c *Chat) isFounder() bool {
	return c.members[0].peer.Role == proto.RoleFounder
}

// memberByEncKey returns the index of the peer with the encryption key, or -1.
func (c *Chat) memberByEncKey(key [crypto.EncPublicKeySize]byte) int {
	for i, m := range c.members {
		if m.conn.PublicKey.Enc() == key {
			return i
		}
	}
	return -1
}

// memberBySigKey returns the index of the peer with the signature key, or -1.
func (c *Chat) memberBySigKey(key [crypto.SigPublicKeySize]byte) int {
	for i, m := range c.members {
		if m.conn.PublicKey.Sig() == key {
			return i
		}
	}
	return -1
}

// memberByPeerID resolves a stable peer id to the current index, or -1.
func (c *Chat) memberByPeerID(id uint32) int {
	for i, m := range c.members {
		if m.peer.ID == id {
			return i
		}
	}
	return -1
}

// memberByNick returns the index of the peer using the nick, or -1.
func (c *Chat) memberByNick(nick []byte) int {
	if len(nick) == 0 {
		return -1
	}
	for i, m := range c.members {
		if string(m.peer.Nick) == string(nick) {
			return i
		}
	}
	return -1
}

func (c *Chat) newPeerID() uint32 {
	id := crypto.RandomU32()
	for c.memberByPeerID(id) != -1 {
		id = crypto.RandomU32()
	}
	return id
}

func (c *Chat) confirmedCount() int {
	n := 0
	for _, m := range c.members {
		if m.conn.Confirmed {
			n++
		}
	}
	return n
}

// rememberConfirmed records a handshaked peer's key in the reconnection ring.
func (c *Chat) rememberConfirmed(key [crypto.EncPublicKeySize]byte) {
	if c.wasConfirmed(key) {
		return
	}
	c.confirmedRing[c.confirmedIdx] = key
	c.confirmedIdx = (c.confirmedIdx + 1) % maxConfirmedRing
}

func (c *Chat) wasConfirmed(key [crypto.EncPublicKeySize]byte) bool {
	var zero [crypto.EncPublicKeySize]byte
	if key == zero {
		return false
	}
	for i := range c.confirmedRing {
		if c.confirmedRing[i] == key {
			return true
		}
	}
	return false
}

func (c *Chat) selfConnected() {
	c.connectionState = csConnected
	c.members[0].conn.TimeAdded = c.s.now()
}

// setPasswordLocal updates the held password without signing anything.
func (c *Chat) setPasswordLocal(password []byte) error {
	if len(password) > proto.MaxPasswordSize {
		return ErrBadArgument
	}
	c.sharedState.Password = append([]byte(nil), password...)
	return nil
}

// paddedPassword returns the password padded to its full wire width, the form
// carried in invite, peer-info and sync-request packets.
func (c *Chat) paddedPassword() []byte {
	out := make([]byte, proto.MaxPasswordSize)
	copy(out, c.sharedState.Password)
	return out
}

// passwordMatches compares a padded candidate against the held password.
func (c *Chat) passwordMatches(padded []byte) bool {
	if len(c.sharedState.Password) == 0 {
		return true
	}
	if len(padded) < len(c.sharedState.Password) {
		return false
	}
	return string(padded[:len(c.sharedState.Password)]) == string(c.sharedState.Password)
}
