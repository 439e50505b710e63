// Package proto defines the on-wire layout of every group chat structure:
// outer frames, handshake payloads, replicated state records, and the bounded
// pack/unpack helpers they share. All integers are big-endian. Every protocol
// number here is stable and must not be renumbered.
package proto

import "meshchat/internal/crypto"

const (
	MaxPacketSize = 65507
	MaxPadding    = 8

	HashIDSize    = 4
	MessageIDSize = 8
	TimestampSize = 8
)

// Outer packet kinds.
const (
	PacketHandshake byte = 90
	PacketLossless  byte = 91
	PacketLossy     byte = 92
)

// Inner packet types. Low values are lossy, high values lossless; the custom
// packet id is valid in both framings.
const (
	TypePing                 byte = 0x01
	TypeMessageAck           byte = 0x02
	TypeInviteResponseReject byte = 0x03
	TypeTCPRelays            byte = 0x04
	TypeIPPort               byte = 0x05

	TypeBroadcast        byte = 0xf0
	TypePeerInfoRequest  byte = 0xf1
	TypePeerInfoResponse byte = 0xf2
	TypeInviteRequest    byte = 0xf3
	TypeInviteResponse   byte = 0xf4
	TypeSyncRequest      byte = 0xf5
	TypeSyncResponse     byte = 0xf6
	TypeTopic            byte = 0xf7
	TypeSharedState      byte = 0xf8
	TypeModList          byte = 0xf9
	TypeSanctionsList    byte = 0xfa
	TypeFriendInvite     byte = 0xfb
	TypeHsResponseAck    byte = 0xfc
	TypeCustomPacket     byte = 0xfd
	TypePeerAnnounce     byte = 0xfe
)

// Broadcast subtypes.
const (
	BcStatus         byte = 0x00
	BcNick           byte = 0x01
	BcPlainMessage   byte = 0x02
	BcActionMessage  byte = 0x03
	BcPrivateMessage byte = 0x04
	BcPeerExit       byte = 0x05
	BcRemovePeer     byte = 0x06
	BcRemoveBan      byte = 0x07
	BcSetMod         byte = 0x08
	BcSetObserver    byte = 0x09
)

// Handshake packet types.
const (
	HsRequest  byte = 0
	HsResponse byte = 1
)

// Handshake request kinds.
const (
	HsInviteRequest    byte = 0
	HsPeerInfoExchange byte = 1
)

// Handshake join kinds.
const (
	JoinPublic  byte = 0
	JoinPrivate byte = 1
)

// Invite reject reasons.
const (
	RejectNickTaken       byte = 0
	RejectGroupFull       byte = 1
	RejectInvalidPassword byte = 2
	RejectInviteFailed    byte = 3
	RejectInvalid         byte = 4
)

// Roles, ordered by privilege. Comparisons rely on the ordering.
const (
	RoleFounder   byte = 0
	RoleModerator byte = 1
	RoleUser      byte = 2
	RoleObserver  byte = 3
	RoleInvalid   byte = 4
)

// Peer statuses.
const (
	StatusNone    byte = 0
	StatusAway    byte = 1
	StatusBusy    byte = 2
	StatusInvalid byte = 3
)

// Privacy states.
const (
	PrivacyPublic  byte = 0
	PrivacyPrivate byte = 1
	PrivacyInvalid byte = 2
)

// Sanction types.
const (
	SanctionBan      byte = 0
	SanctionObserver byte = 1
	SanctionInvalid  byte = 2
)

// Moderation events surfaced through the moderation callback.
const (
	ModEventKick      byte = 0
	ModEventBan       byte = 1
	ModEventObserver  byte = 2
	ModEventUser      byte = 3
	ModEventModerator byte = 4
)

// Friend invite subtypes, carried out-of-band through the messenger.
const (
	FriendInviteGroup     byte = 0
	FriendInviteAccepted  byte = 1
	FriendInviteConfirmed byte = 2
)

// Bounds.
const (
	MaxNickSize        = 128
	MaxGroupNameSize   = 48
	MaxPasswordSize    = 32
	MaxTopicSize       = 512
	MaxPartMessageSize = 128
	MaxMessageSize     = 1372
	MaxModerators      = 128
	MaxSanctions       = 1024

	// Approximation of how many peer entries fit in one sync response.
	MaxGroupPeers = MaxPacketSize / (crypto.EncPublicKeySize + PackedNodeSize)
)

// Derived frame sizes.
const (
	packetHeaderSize = 1 + HashIDSize + crypto.EncPublicKeySize + crypto.NonceSize

	PlainHsPayloadSize = 1 + HashIDSize + crypto.EncPublicKeySize + crypto.SigPublicKeySize + 1 + 1 + 4
	EncryptedHsSize    = packetHeaderSize + PlainHsPayloadSize + crypto.MACSize

	MinLosslessSize = packetHeaderSize + 1 + MessageIDSize + crypto.MACSize
	MinLossySize    = packetHeaderSize + 1 + crypto.MACSize

	PackedPeerInfoSize = 2 + MaxNickSize + 1 + 1

	PackedSharedStateSize = crypto.ExtPublicKeySize + 4 + 2 + MaxGroupNameSize + 1 + 2 +
		MaxPasswordSize + crypto.ListHashSize + 4

	MinPackedTopicSize = 2 + crypto.SigPublicKeySize + 4

	SanctionCredsSize = 4 + crypto.ListHashSize + crypto.SigPublicKeySize + crypto.SignatureSize

	PingPayloadSize = 4 * 4
)

// NoneSentVersion marks a connection that has not yet advertised a shared
// state version in a handshake.
const NoneSentVersion = ^uint32(0)
