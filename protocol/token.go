package protocol

import (
	"crypto/hkdf"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"

	"github.com/octomil/secagg/crypto"
)

const roundTokenSize = 16

// RoundToken derives the submission token a registered client presents with
// its masked update for the given round. Client and coordinator derive the
// same value from the registration secret, so possession of the token proves
// registration without another round trip.
func RoundToken(secret crypto.SharedSecret, round int) (string, error) {
	roundSalt := binary.BigEndian.AppendUint32(secret.Bytes(), uint32(round))

	token, err := hkdf.Key(sha256.New, append(roundSalt, "round-token"...), nil, "", roundTokenSize)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(token), nil
}

// VerifyRoundToken compares a presented token against the expected one in
// constant time.
func VerifyRoundToken(secret crypto.SharedSecret, round int, token string) bool {
	expected, err := RoundToken(secret, round)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
