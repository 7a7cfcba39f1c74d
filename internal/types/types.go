// Package types defines the core identifier types shared across Prism.
//
// Code objects and host images are identified by the BLAKE3 hash of their
// raw bytes. Content addressing keeps the extraction cache and the image
// catalog coherent without trusting file paths or timestamps.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	ObjectIDSize = 32
)

var (
	// ErrInvalidObjectID is returned when an object ID has invalid length.
	ErrInvalidObjectID = errors.New("invalid object id: must be 32 bytes")
)

// ObjectID is the 32-byte BLAKE3 digest of a byte sequence. It identifies
// code-object blobs and host images by content.
type ObjectID [ObjectIDSize]byte

// HashObject computes the ObjectID of raw bytes.
func HashObject(data []byte) ObjectID {
	return ObjectID(blake3.Sum256(data))
}

// ObjectIDFromBase58 parses a base58-encoded object ID.
func ObjectIDFromBase58(s string) (ObjectID, error) {
	var id ObjectID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ObjectIDSize {
		return id, ErrInvalidObjectID
	}
	copy(id[:], data)
	return id, nil
}

// ObjectIDFromBytes creates an ObjectID from a byte slice.
func ObjectIDFromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != ObjectIDSize {
		return id, ErrInvalidObjectID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ObjectID) String() string {
	return base58.Encode(id[:])
}

// Short returns a truncated display form, enough to tell objects apart in
// listings and log lines.
func (id ObjectID) Short() string {
	s := base58.Encode(id[:])
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// IsZero returns true if the ID is all zeros.
func (id ObjectID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Bytes returns the ID as a byte slice.
func (id ObjectID) Bytes() []byte {
	return id[:]
}
