package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ChecksumLen is the length of a checksum in bytes.
const ChecksumLen = 32

// Checksum identifies the contents of an installed code bundle. It is the
// SHA-256 hash of the bundle's bytes.
type Checksum [ChecksumLen]byte

// ChecksumOf hashes code.
func ChecksumOf(code []byte) Checksum {
	return sha256.Sum256(code)
}

func (cs Checksum) String() string {
	return hex.EncodeToString(cs[:])
}

// Bytes returns the checksum as a byte slice.
func (cs Checksum) Bytes() []byte {
	return cs[:]
}

// NewChecksum creates a new Checksum from a byte slice.
// Returns an error if the slice length is not ChecksumLen.
func NewChecksum(b []byte) (Checksum, error) {
	if len(b) != ChecksumLen {
		return Checksum{}, errors.New("got wrong number of bytes for checksum")
	}
	var cs Checksum
	copy(cs[:], b)
	return cs, nil
}
