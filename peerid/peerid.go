/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package peerid defines the opaque 512-bit identifiers used to name peers
// in the overlay, along with the hashing and distance operations the
// connection table and its tie-breaks are built on.
package peerid

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Size is the length of a peer identifier in bytes (512 bits).
const Size = 64

// ID identifies a peer. It is the 512-bit hash of the peer's public key.
type ID [Size]byte

// FromPublicKey derives the identifier of the peer owning the given
// serialized public key.
func FromPublicKey(pub []byte) ID {
	return ID(blake2b.Sum512(pub))
}

func (id ID) Equal(other ID) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// Bucket returns the low bits of the identifier used to select a slot in a
// table of n buckets. n must be a power of two.
func (id ID) Bucket(n uint32) uint32 {
	return binary.BigEndian.Uint32(id[0:4]) & (n - 1)
}

// IsZero reports whether the identifier is all zeroes (the unset value).
func (id ID) IsZero() bool {
	var zero ID
	return bytes.Equal(id[:], zero[:])
}

func (id ID) String() string {
	enc := base64.StdEncoding.EncodeToString(id[:])
	return "peer(" + enc[0:4] + "…" + enc[len(enc)-6:len(enc)-2] + ")"
}

// Distance is the bitwise XOR distance between two identifiers.
type Distance [Size]byte

// DistanceBetween computes the XOR distance between a and b.
func DistanceBetween(a, b ID) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less orders distances lexicographically, most significant byte first.
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}
