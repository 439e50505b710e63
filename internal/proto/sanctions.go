package proto

import (
	"meshchat/internal/crypto"
)

// Sanction is one signed entry in the sanctions list: either a banned
// endpoint or an observer demotion.
type Sanction struct {
	Type      byte
	SignerKey [crypto.SigPublicKeySize]byte
	TimeSet   uint64

	// Ban fields.
	BanAddr IPPort
	BanNick []byte
	BanID   uint32

	// Observer field.
	TargetKey [crypto.EncPublicKeySize]byte

	Signature [crypto.SignatureSize]byte
}

// packBody writes everything except the trailing signature.
func (s *Sanction) packBody(w *Writer) {
	w.U8(s.Type)
	w.Bytes(s.SignerKey[:])
	w.U64(s.TimeSet)
	switch s.Type {
	case SanctionBan:
		s.BanAddr.Pack(w)
		w.U16(uint16(len(s.BanNick)))
		w.Fixed(s.BanNick, MaxNickSize)
		w.U32(s.BanID)
	case SanctionObserver:
		w.Bytes(s.TargetKey[:])
	}
}

// SignedBytes returns the bytes covered by the entry signature.
func (s *Sanction) SignedBytes() []byte {
	w := NewWriter(256)
	s.packBody(w)
	return w.Data()
}

func (s *Sanction) Pack(w *Writer) {
	s.packBody(w)
	w.Bytes(s.Signature[:])
}

func UnpackSanction(r *Reader) (Sanction, bool) {
	var s Sanction
	s.Type = r.U8()
	s.SignerKey = r.Array32()
	s.TimeSet = r.U64()
	switch s.Type {
	case SanctionBan:
		s.BanAddr = UnpackIPPort(r)
		n := int(r.U16())
		if n > MaxNickSize {
			n = MaxNickSize
		}
		nick := r.Bytes(MaxNickSize)
		s.BanNick = append([]byte(nil), nick[:min(n, len(nick))]...)
		s.BanID = r.U32()
	case SanctionObserver:
		s.TargetKey = r.Array32()
	default:
		return s, false
	}
	s.Signature = r.Array64()
	return s, r.Err() == nil
}

// SanctionCreds authenticates the whole sanctions list as one object: a
// version counter, a hash over every entry signature plus the version, and
// the last modifier's signature over that hash.
type SanctionCreds struct {
	Version   uint32
	Hash      [crypto.ListHashSize]byte
	SignerKey [crypto.SigPublicKeySize]byte
	Signature [crypto.SignatureSize]byte
}

func (c *SanctionCreds) Pack(w *Writer) {
	w.U32(c.Version)
	w.Bytes(c.Hash[:])
	w.Bytes(c.SignerKey[:])
	w.Bytes(c.Signature[:])
}

func UnpackSanctionCreds(r *Reader) SanctionCreds {
	var c SanctionCreds
	c.Version = r.U32()
	c.Hash = r.Array32()
	c.SignerKey = r.Array32()
	c.Signature = r.Array64()
	return c
}

// SanctionListHash computes the credentials hash for a list at a version. An
// empty list hashes to zero.
func SanctionListHash(sanctions []Sanction, version uint32) [crypto.ListHashSize]byte {
	if len(sanctions) == 0 {
		return [crypto.ListHashSize]byte{}
	}
	w := NewWriter(len(sanctions)*crypto.SignatureSize + 4)
	for i := range sanctions {
		w.Bytes(sanctions[i].Signature[:])
	}
	w.U32(version)
	return crypto.ListHash(w.Data())
}

// PackSanctionList packs entries followed by the credentials.
func PackSanctionList(w *Writer, sanctions []Sanction, creds *SanctionCreds) {
	for i := range sanctions {
		sanctions[i].Pack(w)
	}
	if creds != nil {
		creds.Pack(w)
	}
}

// UnpackSanctionList reads exactly num entries followed by credentials.
func UnpackSanctionList(r *Reader, num int) ([]Sanction, SanctionCreds, bool) {
	if num > MaxSanctions {
		return nil, SanctionCreds{}, false
	}
	sanctions := make([]Sanction, 0, num)
	for i := 0; i < num; i++ {
		s, ok := UnpackSanction(r)
		if !ok {
			return nil, SanctionCreds{}, false
		}
		sanctions = append(sanctions, s)
	}
	creds := UnpackSanctionCreds(r)
	if r.Err() != nil {
		return nil, SanctionCreds{}, false
	}
	return sanctions, creds, true
}
