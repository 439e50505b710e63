package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

const (
	EncPublicKeySize = 32
	EncSecretKeySize = 32
	SigPublicKeySize = 32
	SigSeedSize      = 32
	ExtPublicKeySize = EncPublicKeySize + SigPublicKeySize
	ExtSecretKeySize = EncSecretKeySize + SigSeedSize
	ChatIDSize       = SigPublicKeySize
	SignatureSize    = ed25519.SignatureSize
)

// ExtPublicKey is an encryption public key followed by a signature public key
// belonging to the same identity.
type ExtPublicKey [ExtPublicKeySize]byte

// ExtSecretKey holds the X25519 scalar followed by the Ed25519 seed.
type ExtSecretKey [ExtSecretKeySize]byte

func (k ExtPublicKey) Enc() [EncPublicKeySize]byte {
	var out [EncPublicKeySize]byte
	copy(out[:], k[:EncPublicKeySize])
	return out
}

func (k ExtPublicKey) Sig() [SigPublicKeySize]byte {
	var out [SigPublicKeySize]byte
	copy(out[:], k[EncPublicKeySize:])
	return out
}

func (k *ExtPublicKey) SetSig(sig [SigPublicKeySize]byte) {
	copy(k[EncPublicKeySize:], sig[:])
}

func (k ExtSecretKey) Enc() [EncSecretKeySize]byte {
	var out [EncSecretKeySize]byte
	copy(out[:], k[:EncSecretKeySize])
	return out
}

func (k ExtSecretKey) SigSeed() [SigSeedSize]byte {
	var out [SigSeedSize]byte
	copy(out[:], k[EncSecretKeySize:])
	return out
}

// GenerateExtKeypair creates a fresh identity: an Ed25519 keypair plus the
// X25519 keypair derived from it, so the signature half alone identifies the
// owner and the encryption half can always be recomputed by anyone.
func GenerateExtKeypair() (ExtPublicKey, ExtSecretKey, error) {
	var pub ExtPublicKey
	var sec ExtSecretKey

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return pub, sec, err
	}
	var seed [SigSeedSize]byte
	copy(seed[:], edPriv.Seed())

	encSK := encSecretFromSeed(seed)
	encPK, err := curve25519.X25519(encSK[:], curve25519.Basepoint)
	if err != nil {
		return pub, sec, err
	}

	copy(pub[:EncPublicKeySize], encPK)
	copy(pub[EncPublicKeySize:], edPub)
	copy(sec[:EncSecretKeySize], encSK[:])
	copy(sec[EncSecretKeySize:], seed[:])
	return pub, sec, nil
}

// encSecretFromSeed derives the X25519 scalar from an Ed25519 seed the way
// libsodium's sk-to-curve25519 conversion does.
func encSecretFromSeed(seed [SigSeedSize]byte) [EncSecretKeySize]byte {
	h := sha512.Sum512(seed[:])
	var sk [EncSecretKeySize]byte
	copy(sk[:], h[:32])
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	return sk
}

// EdPubToCurve converts an Ed25519 public key to its X25519 counterpart.
func EdPubToCurve(edPub [SigPublicKeySize]byte) ([EncPublicKeySize]byte, error) {
	var out [EncPublicKeySize]byte
	p, err := new(edwards25519.Point).SetBytes(edPub[:])
	if err != nil {
		return out, errors.New("bad ed25519 public key")
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// ExpandChatID turns a 32-byte chat id into the full extended public key of
// the chat: the derived encryption key followed by the id itself.
func ExpandChatID(chatID [ChatIDSize]byte) (ExtPublicKey, error) {
	var out ExtPublicKey
	enc, err := EdPubToCurve(chatID)
	if err != nil {
		return out, err
	}
	copy(out[:EncPublicKeySize], enc[:])
	copy(out[EncPublicKeySize:], chatID[:])
	return out, nil
}

func Sign(seed [SigSeedSize]byte, msg []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	priv := ed25519.NewKeyFromSeed(seed[:])
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig
}

func Verify(pub [SigPublicKeySize]byte, msg []byte, sig [SignatureSize]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

// SessionKeypair generates an ephemeral X25519 keypair for one connection.
func SessionKeypair() ([EncPublicKeySize]byte, [EncSecretKeySize]byte, error) {
	var pk [EncPublicKeySize]byte
	var sk [EncSecretKeySize]byte
	if _, err := rand.Read(sk[:]); err != nil {
		return pk, sk, err
	}
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pk, sk, err
	}
	copy(pk[:], out)
	return pk, sk, nil
}
