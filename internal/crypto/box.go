package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

const (
	NonceSize = 24
	MACSize   = box.Overhead
)

var errDecrypt = errors.New("decryption failed")

// NewNonce fills a random 24-byte nonce.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	_, err := rand.Read(n[:])
	return n, err
}

// Precompute derives the shared key between a local secret key and a peer
// public key once, so every packet on the connection reuses it.
func Precompute(peerPK [EncPublicKeySize]byte, sk [EncSecretKeySize]byte) [32]byte {
	var shared [32]byte
	box.Precompute(&shared, &peerPK, &sk)
	return shared
}

// SealSymmetric encrypts plain with a precomputed shared key.
func SealSymmetric(shared [32]byte, nonce [NonceSize]byte, plain []byte) []byte {
	return box.SealAfterPrecomputation(nil, plain, &nonce, &shared)
}

// OpenSymmetric decrypts a ciphertext produced by SealSymmetric.
func OpenSymmetric(shared [32]byte, nonce [NonceSize]byte, ct []byte) ([]byte, error) {
	if len(ct) < MACSize {
		return nil, errDecrypt
	}
	plain, ok := box.OpenAfterPrecomputation(nil, ct, &nonce, &shared)
	if !ok {
		return nil, errDecrypt
	}
	return plain, nil
}

// Seal encrypts plain for peerPK using our static secret key. Used only for
// handshake payloads, which run on long-term keys instead of session keys.
func Seal(peerPK [EncPublicKeySize]byte, sk [EncSecretKeySize]byte, nonce [NonceSize]byte, plain []byte) []byte {
	return box.Seal(nil, plain, &nonce, &peerPK, &sk)
}

// Open decrypts a handshake ciphertext from peerPK.
func Open(peerPK [EncPublicKeySize]byte, sk [EncSecretKeySize]byte, nonce [NonceSize]byte, ct []byte) ([]byte, error) {
	if len(ct) < MACSize {
		return nil, errDecrypt
	}
	plain, ok := box.Open(nil, ct, &nonce, &peerPK, &sk)
	if !ok {
		return nil, errDecrypt
	}
	return plain, nil
}
