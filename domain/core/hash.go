package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// Short returns a truncated form for log and report lines
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Equals checks if two hashes are equal
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// Domain-specific hash types
type (
	CohortHash Hash
	ConfigHash Hash
)

// Constructors
func NewCohortHash(data []byte) CohortHash { return CohortHash(NewHash(data)) }
func NewConfigHash(data []byte) ConfigHash { return ConfigHash(NewHash(data)) }

// String conversions
func (h CohortHash) String() string { return Hash(h).String() }
func (h ConfigHash) String() string { return Hash(h).String() }
