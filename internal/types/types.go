// Package types defines the core identity types shared by the sBPF runtime
// packages.
//
// The virtual machine core never interprets these values; they exist so that
// program ids and account keys can cross the host/guest ABI boundary and be
// rendered in logs the way Solana tooling renders them (base58).
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	PubkeySize = 32
	HashSize   = 32
)

// ErrInvalidPubkey is returned for key material of the wrong length.
var ErrInvalidPubkey = errors.New("invalid pubkey: must be 32 bytes")

// Pubkey is a 32-byte Ed25519 public key. It identifies programs and
// accounts; the runtime treats it as an opaque key.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 parses a base58-encoded public key.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var p Pubkey
	data, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], data)
	return p, nil
}

// MustPubkeyFromBase58 parses a base58-encoded public key and panics on
// error. For fixed keys in tests and tooling.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PubkeyFromBytes copies a 32-byte slice into a Pubkey.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var p Pubkey
	if len(b) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], b)
	return p, nil
}

// String returns the base58 form.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether the pubkey is all zeros.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Hash is a 32-byte SHA256 digest.
type Hash [HashSize]byte

// ComputeHash digests data with SHA256.
func ComputeHash(data []byte) Hash {
	return sha256.Sum256(data)
}

// String returns the base58 form.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the hex form.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
