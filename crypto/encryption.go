package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// eciesLabel binds derived AES keys to this protocol version.
const eciesLabel = "secagg-ecies-v1"

// EncryptedMessage contains ECIES-encrypted data.
// Wire format: ephemeral pubkey (65 bytes) || nonce (12 bytes) || ciphertext+tag.
type EncryptedMessage struct {
	EphemeralPubKey []byte `json:"ephemeral_pub_key"`
	Nonce           []byte `json:"nonce"`
	Ciphertext      []byte `json:"ciphertext"`
}

// Encrypt encrypts plaintext to a recipient's P-256 public key using ECIES:
// ephemeral ECDH key agreement followed by AES-256-GCM. The ephemeral public
// key is bound into the authenticated data, so reassembling a ciphertext
// under a different ephemeral key fails authentication.
func Encrypt(recipientPubKey *ecdh.PublicKey, plaintext []byte) (*EncryptedMessage, error) {
	ephemeralPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	sharedPoint, err := ephemeralPriv.ECDH(recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	gcm, err := newGCM(sharedPoint)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ephemeralPub := ephemeralPriv.PublicKey().Bytes()
	ciphertext := gcm.Seal(nil, nonce, plaintext, ephemeralPub)

	return &EncryptedMessage{
		EphemeralPubKey: ephemeralPub,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

// Decrypt decrypts an ECIES-encrypted message with the recipient's private key.
func Decrypt(recipientPrivKey *ecdh.PrivateKey, msg *EncryptedMessage) ([]byte, error) {
	ephemeralPub, err := ecdh.P256().NewPublicKey(msg.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral key: %w", err)
	}

	sharedPoint, err := recipientPrivKey.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	gcm, err := newGCM(sharedPoint)
	if err != nil {
		return nil, err
	}

	if len(msg.Nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	plaintext, err := gcm.Open(nil, msg.Nonce, msg.Ciphertext, msg.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// Bytes serializes an encrypted message into its wire format.
func (m *EncryptedMessage) Bytes() []byte {
	result := make([]byte, 0, len(m.EphemeralPubKey)+len(m.Nonce)+len(m.Ciphertext))
	result = append(result, m.EphemeralPubKey...)
	result = append(result, m.Nonce...)
	result = append(result, m.Ciphertext...)
	return result
}

// ParseEncryptedMessage deserializes an encrypted message from its wire format.
func ParseEncryptedMessage(data []byte) (*EncryptedMessage, error) {
	// P-256 uncompressed pubkey is 65 bytes, the GCM nonce 12 bytes, and the
	// shortest ciphertext is a bare 16-byte auth tag.
	const pubKeyLen = 65
	const nonceLen = 12
	const minLen = pubKeyLen + nonceLen + 16

	if len(data) < minLen {
		return nil, errors.New("encrypted message too short")
	}

	return &EncryptedMessage{
		EphemeralPubKey: data[:pubKeyLen],
		Nonce:           data[pubKeyLen : pubKeyLen+nonceLen],
		Ciphertext:      data[pubKeyLen+nonceLen:],
	}, nil
}

func newGCM(sharedPoint []byte) (cipher.AEAD, error) {
	h := sha3.New256()
	h.Write([]byte(eciesLabel))
	h.Write(sharedPoint)
	aesKey := h.Sum(nil)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
