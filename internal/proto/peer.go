package proto

// PeerInfo is the peer record exchanged during the peer-info handshake leg.
// The nick occupies its full field width on the wire.
type PeerInfo struct {
	Nick   []byte
	Status byte
	Role   byte
}

func (p *PeerInfo) Pack(w *Writer) {
	w.U16(uint16(len(p.Nick)))
	w.Fixed(p.Nick, MaxNickSize)
	w.U8(p.Status)
	w.U8(p.Role)
}

func UnpackPeerInfo(r *Reader) PeerInfo {
	var p PeerInfo
	n := int(r.U16())
	if n > MaxNickSize {
		n = MaxNickSize
	}
	nick := r.Bytes(MaxNickSize)
	p.Nick = append([]byte(nil), nick[:min(n, len(nick))]...)
	p.Status = r.U8()
	p.Role = r.U8()
	return p
}
