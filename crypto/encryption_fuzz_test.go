package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"testing"
)

func FuzzEncryptDecrypt(f *testing.F) {
	// Add seed corpus
	f.Add([]byte{})                       // Empty plaintext
	f.Add([]byte("seed share payload"))   // Typical message
	f.Add(make([]byte, 1000))             // Large message

	f.Fuzz(func(t *testing.T, plaintext []byte) {
		privKey, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}

		encrypted, err := Encrypt(privKey.PublicKey(), plaintext)
		if err != nil {
			t.Fatalf("encryption failed: %v", err)
		}

		// Invariant 1: Wire framing has the expected field sizes
		if len(encrypted.EphemeralPubKey) != 65 {
			t.Errorf("ephemeral pubkey wrong size: got %d, want 65", len(encrypted.EphemeralPubKey))
		}
		if len(encrypted.Nonce) != 12 {
			t.Errorf("nonce wrong size: got %d, want 12", len(encrypted.Nonce))
		}
		if len(encrypted.Ciphertext) < len(plaintext)+16 {
			t.Errorf("ciphertext too short: got %d, want >= %d", len(encrypted.Ciphertext), len(plaintext)+16)
		}

		// Invariant 2: Round trip preserves plaintext
		decrypted, err := Decrypt(privKey, encrypted)
		if err != nil {
			t.Fatalf("decryption failed: %v", err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("round trip failed: got %v, want %v", decrypted, plaintext)
		}

		// Invariant 3: Serialization round trip still decrypts
		reparsed, err := ParseEncryptedMessage(encrypted.Bytes())
		if err != nil {
			t.Fatalf("reparse failed: %v", err)
		}
		decrypted2, err := Decrypt(privKey, reparsed)
		if err != nil {
			t.Fatalf("decrypt after reparse failed: %v", err)
		}
		if !bytes.Equal(plaintext, decrypted2) {
			t.Error("serialization round trip changed plaintext")
		}

		// Invariant 4: Wrong key fails decryption
		wrongKey, _ := ecdh.P256().GenerateKey(rand.Reader)
		if _, err := Decrypt(wrongKey, encrypted); err == nil {
			t.Error("decryption with wrong key should fail")
		}

		// Invariant 5: Flipping a ciphertext byte fails authentication
		if len(encrypted.Ciphertext) > 0 {
			tampered := &EncryptedMessage{
				EphemeralPubKey: encrypted.EphemeralPubKey,
				Nonce:           encrypted.Nonce,
				Ciphertext:      bytes.Clone(encrypted.Ciphertext),
			}
			tampered.Ciphertext[0] ^= 0x01
			if _, err := Decrypt(privKey, tampered); err == nil {
				t.Error("decryption of tampered ciphertext should fail")
			}
		}
	})
}

func FuzzParseEncryptedMessage(f *testing.F) {
	// Add seed corpus around the framing boundary
	f.Add(make([]byte, 0))
	f.Add(make([]byte, 50))
	f.Add(make([]byte, 92))  // One short of minimum
	f.Add(make([]byte, 93))  // Minimum valid length
	f.Add(make([]byte, 500))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := ParseEncryptedMessage(data)

		const minLen = 65 + 12 + 16
		if len(data) < minLen {
			if err == nil {
				t.Errorf("parse of %d bytes should fail (min %d)", len(data), minLen)
			}
			return
		}

		if err != nil {
			t.Fatalf("parse of %d bytes failed: %v", len(data), err)
		}

		// Invariant: parse then serialize reproduces the input
		if !bytes.Equal(msg.Bytes(), data) {
			t.Error("parse/serialize round trip changed data")
		}
	})
}
