// Package relay provides the per-group TCP relay multiplex: one logical
// channel per peer, plus out-of-band delivery through a named relay for peers
// we have never spoken to directly.
package relay

import (
	"errors"

	"meshchat/internal/crypto"
	"meshchat/internal/proto"
)

var (
	ErrNoChannel = errors.New("relay: no such channel")
	ErrClosed    = errors.New("relay: closed")
)

// PacketFunc receives a relayed packet for the local peer.
type PacketFunc func(data []byte)

// OOBFunc receives an out-of-band packet along with the sender's static key.
type OOBFunc func(sender [crypto.EncPublicKeySize]byte, data []byte)

// Multiplex is the relay client surface the group core consumes. One
// multiplex serves one group; channels map to peers.
type Multiplex interface {
	// NewChannel allocates a logical channel to the peer with the given
	// static encryption key.
	NewChannel(peerKey [crypto.EncPublicKeySize]byte) (int, error)

	// Send relays data to the peer behind the channel.
	Send(channel int, data []byte) error

	// SendOOB routes data to a peer through a specific relay, for peers
	// known only by an announced relay hint.
	SendOOB(relayKey, peerKey [crypto.EncPublicKeySize]byte, data []byte) error

	// SetStatus marks whether the channel is the active path for its peer.
	SetStatus(channel int, useRelay bool)

	// Kill releases the channel.
	Kill(channel int)

	// AddChannelRelay teaches the multiplex a relay that can reach the
	// channel's peer.
	AddChannelRelay(channel int, node proto.RelayNode)

	// ConnectedRelays lists up to max relays currently usable, most recent
	// first. These are what we advertise in handshakes and relay gossip.
	ConnectedRelays(max int) []proto.RelayNode

	OnPacket(fn PacketFunc)
	OnOOB(fn OOBFunc)

	// Do performs background maintenance; called once per tick.
	Do()

	Close()
}
