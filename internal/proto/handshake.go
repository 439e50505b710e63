package proto

import (
	"meshchat/internal/crypto"
)

// Handshake is the plaintext payload of a Handshake frame. Request and
// response share the layout.
type Handshake struct {
	Type        byte
	SenderHash  uint32
	SessionKey  [crypto.EncPublicKeySize]byte
	SigKey      [crypto.SigPublicKeySize]byte
	RequestKind byte
	JoinKind    byte
	// StateVersion is the shared-state version the sender advertises on this
	// connection; 0 when it was not yet connected to the group.
	StateVersion uint32
	Relay        RelayNode
}

func (h *Handshake) Pack(w *Writer) {
	w.U8(h.Type)
	w.U32(h.SenderHash)
	w.Bytes(h.SessionKey[:])
	w.Bytes(h.SigKey[:])
	w.U8(h.RequestKind)
	w.U8(h.JoinKind)
	w.U32(h.StateVersion)
	h.Relay.Pack(w)
}

func (h *Handshake) PackedBytes() []byte {
	w := NewWriter(PlainHsPayloadSize + PackedNodeSize)
	h.Pack(w)
	return w.Data()
}

func UnpackHandshake(data []byte) (Handshake, error) {
	var h Handshake
	r := NewReader(data)
	h.Type = r.U8()
	h.SenderHash = r.U32()
	h.SessionKey = r.Array32()
	h.SigKey = r.Array32()
	h.RequestKind = r.U8()
	h.JoinKind = r.U8()
	h.StateVersion = r.U32()
	h.Relay = UnpackRelayNode(r)
	return h, r.Err()
}
