package proto

import (
	"errors"

	"meshchat/internal/crypto"
)

// SharedState is the founder-signed, versioned group configuration record.
type SharedState struct {
	FounderKey   crypto.ExtPublicKey
	MaxPeers     uint32
	GroupName    []byte
	PrivacyState byte
	Password     []byte
	ModListHash  [crypto.ListHashSize]byte
	Version      uint32
}

// Pack writes the fixed-size shared state record. Name and password occupy
// their full field widths so the signature always covers the same byte count.
func (s *SharedState) Pack(w *Writer) {
	w.Bytes(s.FounderKey[:])
	w.U32(s.MaxPeers)
	w.U16(uint16(len(s.GroupName)))
	w.Fixed(s.GroupName, MaxGroupNameSize)
	w.U8(s.PrivacyState)
	w.U16(uint16(len(s.Password)))
	w.Fixed(s.Password, MaxPasswordSize)
	w.Bytes(s.ModListHash[:])
	w.U32(s.Version)
}

// PackedBytes returns the packed record, the exact bytes the founder signs.
func (s *SharedState) PackedBytes() []byte {
	w := NewWriter(PackedSharedStateSize)
	s.Pack(w)
	return w.Data()
}

func UnpackSharedState(r *Reader) SharedState {
	var s SharedState
	s.FounderKey = crypto.ExtPublicKey(r.Array64())
	s.MaxPeers = r.U32()
	nameLen := int(r.U16())
	if nameLen > MaxGroupNameSize {
		nameLen = MaxGroupNameSize
	}
	name := r.Bytes(MaxGroupNameSize)
	s.GroupName = append([]byte(nil), name[:min(nameLen, len(name))]...)
	s.PrivacyState = r.U8()
	pwLen := int(r.U16())
	if pwLen > MaxPasswordSize {
		pwLen = MaxPasswordSize
	}
	pw := r.Bytes(MaxPasswordSize)
	s.Password = append([]byte(nil), pw[:min(pwLen, len(pw))]...)
	s.ModListHash = r.Array32()
	s.Version = r.U32()
	return s
}

// Validate checks the structural bounds every received shared state must meet.
func (s *SharedState) Validate() error {
	if s.MaxPeers > MaxGroupPeers {
		return errors.New("max peers out of range")
	}
	if len(s.Password) > MaxPasswordSize {
		return errors.New("password too long")
	}
	if len(s.GroupName) == 0 || len(s.GroupName) > MaxGroupNameSize {
		return errors.New("bad group name length")
	}
	return nil
}

// Topic is the signed group topic.
type Topic struct {
	Data      []byte
	SignerKey [crypto.SigPublicKeySize]byte
	Version   uint32
}

func (t *Topic) Pack(w *Writer) {
	w.U16(uint16(len(t.Data)))
	w.Bytes(t.Data)
	w.Bytes(t.SignerKey[:])
	w.U32(t.Version)
}

// PackedBytes returns the packed topic, the exact bytes the setter signs.
func (t *Topic) PackedBytes() []byte {
	w := NewWriter(len(t.Data) + MinPackedTopicSize)
	t.Pack(w)
	return w.Data()
}

func UnpackTopic(r *Reader) Topic {
	var t Topic
	n := int(r.U16())
	if n > MaxTopicSize {
		n = MaxTopicSize
	}
	t.Data = r.Bytes(n)
	t.SignerKey = r.Array32()
	t.Version = r.U32()
	return t
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
