package crypto

import (
	"testing"
)

func FuzzSignVerify(f *testing.F) {
	// Add seed corpus
	f.Add([]byte{})
	f.Add([]byte("masked update"))
	f.Add(make([]byte, 512))

	f.Fuzz(func(t *testing.T, data []byte) {
		pubKey, privKey, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("failed to generate key pair: %v", err)
		}

		sig, err := Sign(privKey, data)
		if err != nil {
			t.Fatalf("signing failed: %v", err)
		}

		// Invariant 1: Ed25519 signatures are 64 bytes
		if len(sig) != 64 {
			t.Errorf("signature wrong length: got %d, want 64", len(sig))
		}

		// Invariant 2: A fresh signature verifies under the signer's key
		if !sig.Verify(pubKey, data) {
			t.Error("valid signature failed verification")
		}

		// Invariant 3: The signature does not verify under another key
		otherPub, _, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("failed to generate second key pair: %v", err)
		}
		if sig.Verify(otherPub, data) {
			t.Error("signature verified under the wrong key")
		}

		// Invariant 4: Changing the data invalidates the signature
		tampered := append([]byte{0x01}, data...)
		if sig.Verify(pubKey, tampered) {
			t.Error("signature verified over modified data")
		}

		// Invariant 5: Flipping a signature byte invalidates it
		badSig := NewSignature(sig.Bytes())
		badSig[0] ^= 0xFF
		if badSig.Verify(pubKey, data) {
			t.Error("modified signature should not verify")
		}
	})
}

func FuzzPublicKeyHexRoundTrip(f *testing.F) {
	f.Add([]byte{0x01, 0x02, 0x03})
	f.Add(make([]byte, 32))

	f.Fuzz(func(t *testing.T, raw []byte) {
		pk := NewPublicKeyFromBytes(raw)

		parsed, err := NewPublicKeyFromString(pk.String())
		if err != nil {
			t.Fatalf("hex round trip failed: %v", err)
		}
		if !parsed.Equal(pk) {
			t.Error("hex round trip changed key bytes")
		}
	})
}

func TestPrivateKeyDerivesPublicKey(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}

	derived, err := privKey.PublicKey()
	if err != nil {
		t.Fatalf("public key derivation failed: %v", err)
	}
	if !derived.Equal(pubKey) {
		t.Error("derived public key differs from generated one")
	}

	if _, err := PrivateKey([]byte{1, 2, 3}).PublicKey(); err == nil {
		t.Error("truncated private key should fail derivation")
	}
}
