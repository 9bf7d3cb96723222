package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// pairSecretInfo separates pairwise secret derivation from every other HKDF
// use of the same key agreement output.
const pairSecretInfo = "secagg-pair-secret-v1"

// SharedSecretSize is the size of a derived pairwise secret in bytes.
const SharedSecretSize = 32

// SharedSecret is a Diffie-Hellman derived pairwise secret. Deriving from
// (privA, pubB) and from (privB, pubA) yields identical bytes, which is what
// lets both ends of a pair expand the same mask.
type SharedSecret [SharedSecretSize]byte

// NewSharedSecretFromBytes creates a SharedSecret from a byte slice.
func NewSharedSecretFromBytes(data []byte) (SharedSecret, error) {
	var s SharedSecret
	if len(data) != SharedSecretSize {
		return s, errors.New("invalid shared secret size")
	}
	copy(s[:], data)
	return s, nil
}

// Bytes returns a copy of the secret.
func (s SharedSecret) Bytes() []byte {
	out := make([]byte, SharedSecretSize)
	copy(out, s[:])
	return out
}

// GenerateExchangeKey generates an ephemeral P-256 key pair for key agreement.
// Exchange keys are fresh every round and never reused across rounds.
func GenerateExchangeKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// ParseExchangePublicKey parses an uncompressed P-256 public key.
func ParseExchangePublicKey(data []byte) (*ecdh.PublicKey, error) {
	return ecdh.P256().NewPublicKey(data)
}

// ParseExchangePrivateKey rebuilds an exchange key from its scalar bytes, as
// produced by (*ecdh.PrivateKey).Bytes. Dropout recovery uses this after a
// threshold of seed shares reassembles a dropped participant's scalar.
func ParseExchangePrivateKey(data []byte) (*ecdh.PrivateKey, error) {
	return ecdh.P256().NewPrivateKey(data)
}

// DeriveSharedSecret performs ECDH key agreement and condenses the raw curve
// point into a fixed-size pairwise secret.
func DeriveSharedSecret(privateKey *ecdh.PrivateKey, peer *ecdh.PublicKey) (SharedSecret, error) {
	var secret SharedSecret
	if privateKey == nil || peer == nil {
		return secret, errors.New("key agreement requires both keys")
	}

	point, err := privateKey.ECDH(peer)
	if err != nil {
		return secret, err
	}

	r := hkdf.New(sha256.New, point, nil, []byte(pairSecretInfo))
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		return secret, err
	}

	return secret, nil
}
