package proto

import (
	"errors"

	"meshchat/internal/crypto"
)

var (
	ErrPacketTooShort = errors.New("packet too short")
	ErrPacketTooLong  = errors.New("packet too long")
)

// PaddingLen returns the zero-padding prepended to a plaintext of the given
// length, keeping frame sizes off byte-exact boundaries.
func PaddingLen(plainLen int) int {
	return (MaxPacketSize - plainLen) % MaxPadding
}

// WrapPacket builds a full Lossless or Lossy frame: plaintext header
// (kind, chat id hash, sender encryption key, nonce) followed by the box over
// (padding, inner type, [message id,] payload).
func WrapPacket(kind byte, chatIDHash uint32, selfPK [crypto.EncPublicKeySize]byte,
	shared [32]byte, innerType byte, messageID uint64, payload []byte) ([]byte, error) {

	pad := PaddingLen(len(payload))
	inner := NewWriter(pad + 1 + MessageIDSize + len(payload))
	inner.Bytes(make([]byte, pad))
	inner.U8(innerType)
	if kind == PacketLossless {
		inner.U64(messageID)
	}
	inner.Bytes(payload)

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	ct := crypto.SealSymmetric(shared, nonce, inner.Data())

	w := NewWriter(packetHeaderSize + len(ct))
	w.U8(kind)
	w.U32(chatIDHash)
	w.Bytes(selfPK[:])
	w.Bytes(nonce[:])
	w.Bytes(ct)
	if w.Len() > MaxPacketSize {
		return nil, ErrPacketTooLong
	}
	return w.Data(), nil
}

// Plain is the decrypted interior of a group frame.
type Plain struct {
	Type      byte
	MessageID uint64
	Payload   []byte
}

// UnwrapPacket decrypts a Lossless or Lossy frame with the connection's
// shared key and strips the padding. Padding is skipped by consuming leading
// zero bytes; the first nonzero byte is the inner type.
func UnwrapPacket(kind byte, shared [32]byte, packet []byte) (Plain, error) {
	var out Plain
	minSize := MinLossySize
	if kind == PacketLossless {
		minSize = MinLosslessSize
	}
	if len(packet) < minSize {
		return out, ErrPacketTooShort
	}
	if len(packet) > MaxPacketSize {
		return out, ErrPacketTooLong
	}

	var nonce [crypto.NonceSize]byte
	copy(nonce[:], packet[1+HashIDSize+crypto.EncPublicKeySize:])
	plain, err := crypto.OpenSymmetric(shared, nonce, packet[packetHeaderSize:])
	if err != nil {
		return out, err
	}

	minPlain := 1
	if kind == PacketLossless {
		minPlain += MessageIDSize
	}
	for len(plain) > 0 && plain[0] == 0 {
		plain = plain[1:]
		if len(plain) < minPlain {
			return out, ErrPacketTooShort
		}
	}
	if len(plain) < minPlain {
		return out, ErrPacketTooShort
	}

	r := NewReader(plain)
	out.Type = r.U8()
	if kind == PacketLossless {
		out.MessageID = r.U64()
	}
	out.Payload = r.Rest()
	return out, r.Err()
}

// SenderKey extracts the claimed sender encryption key from any group frame.
func SenderKey(packet []byte) ([crypto.EncPublicKeySize]byte, bool) {
	var out [crypto.EncPublicKeySize]byte
	if len(packet) < packetHeaderSize {
		return out, false
	}
	copy(out[:], packet[1+HashIDSize:])
	return out, true
}

// ChatIDHash extracts the demux hash from any group frame.
func ChatIDHash(packet []byte) (uint32, bool) {
	if len(packet) < 1+HashIDSize {
		return 0, false
	}
	r := NewReader(packet[1:])
	return r.U32(), true
}

// WrapHandshake builds a Handshake frame. Handshake payloads are boxed with
// the static long-term encryption keys rather than session keys.
func WrapHandshake(chatIDHash uint32, selfPK, peerPK [crypto.EncPublicKeySize]byte,
	selfSK [crypto.EncSecretKeySize]byte, payload []byte) ([]byte, error) {

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	ct := crypto.Seal(peerPK, selfSK, nonce, payload)

	w := NewWriter(packetHeaderSize + len(ct))
	w.U8(PacketHandshake)
	w.U32(chatIDHash)
	w.Bytes(selfPK[:])
	w.Bytes(nonce[:])
	w.Bytes(ct)
	return w.Data(), nil
}

// UnwrapHandshake opens a Handshake frame and returns the sender's static
// encryption key plus the plaintext payload.
func UnwrapHandshake(selfSK [crypto.EncSecretKeySize]byte, packet []byte) ([crypto.EncPublicKeySize]byte, []byte, error) {
	var sender [crypto.EncPublicKeySize]byte
	if len(packet) < EncryptedHsSize {
		return sender, nil, ErrPacketTooShort
	}
	copy(sender[:], packet[1+HashIDSize:])
	var nonce [crypto.NonceSize]byte
	copy(nonce[:], packet[1+HashIDSize+crypto.EncPublicKeySize:])
	plain, err := crypto.Open(sender, selfSK, nonce, packet[packetHeaderSize:])
	if err != nil {
		return sender, nil, err
	}
	return sender, plain, nil
}
