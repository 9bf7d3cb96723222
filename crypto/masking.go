package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// maskInfo is the domain separation label for pairwise mask expansion. Every
// participant must use the same label or pairwise masks will not cancel.
const maskInfo = "secagg-pairwise-mask-v1"

// maxMaskBlock is the most bytes a single HKDF-SHA256 expansion can produce.
const maxMaskBlock = 255 * sha256.Size

// ExpandMask stretches a pairwise secret into n pseudorandom mask bytes.
//
// Up to maxMaskBlock bytes come straight from one HKDF-SHA256 expansion with
// the fixed maskInfo label. Longer masks repeat that first block instead of
// chaining further derivations, so a mask of any length always begins with
// the bytes of every shorter mask of the same secret.
func ExpandMask(secret SharedSecret, n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("mask length must be positive")
	}

	blockLen := n
	if blockLen > maxMaskBlock {
		blockLen = maxMaskBlock
	}

	r := hkdf.New(sha256.New, secret.Bytes(), nil, []byte(maskInfo))
	block := make([]byte, blockLen)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, err
	}

	if n == blockLen {
		return block, nil
	}

	out := make([]byte, n)
	for off := 0; off < n; {
		off += copy(out[off:], block)
	}
	return out, nil
}
