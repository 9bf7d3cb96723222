// Package crypto provides the cryptographic primitives for privacy-preserving
// update aggregation.
//
// This package implements the low-level operations that the aggregation
// protocol builds on:
//
//   - Fixed-width arithmetic over the Mersenne prime field 2^31 - 1
//   - Shamir threshold secret sharing for dropout recovery
//   - Ephemeral ECDH (P-256) key agreement for pairwise secrets
//   - HKDF-SHA256 mask expansion for additive update masking
//   - ECIES (P-256 + AES-256-GCM) for encrypted share transport
//   - Digital signatures (Ed25519) for authentication
//
// Higher-level round logic lives in the secagg and protocol packages; this
// package knows nothing about rounds, tensors, or participants.
// Note: not all operations are constant-time (in particular field and
// polynomial math).
//
// # Field Operations
//
// All secret sharing runs over GF(p) with p = 2^31 - 1. Elements are uint32
// values in [0, p) and products are widened to uint64 before reduction.
//
// # Masks
//
// ExpandMask stretches a 32-byte shared secret into an arbitrary-length
// pseudorandom byte stream. One HKDF-SHA256 expansion yields at most 8160
// bytes; longer masks repeat that first block, so a longer mask always starts
// with the bytes of a shorter one.
//
// # Key Management
//
// Ed25519 keys identify participants and sign envelopes. P-256 exchange keys
// are ephemeral and regenerated every round.
package crypto
