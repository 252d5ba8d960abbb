/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// SessionKeyLen is the symmetric key length in bytes.
const SessionKeyLen = 32

// sessionKeyWireLen is the serialized form: key bytes plus CRC.
const sessionKeyWireLen = SessionKeyLen + 4

var errBadSessionKey = errors.New("core: session key fails integrity check")

// SessionKey is symmetric key material with an integrity checksum. Two
// independent keys live per peer: the local key encrypts outbound frames,
// the remote key decrypts inbound ones.
type SessionKey struct {
	Key [SessionKeyLen]byte
	CRC uint32
}

// NewSessionKey generates fresh key material.
func NewSessionKey() (SessionKey, error) {
	var k SessionKey
	if _, err := rand.Read(k.Key[:]); err != nil {
		return k, err
	}
	k.CRC = crc32.ChecksumIEEE(k.Key[:])
	return k, nil
}

// Valid reports whether the checksum matches the key bytes.
func (k *SessionKey) Valid() bool {
	return k.CRC == crc32.ChecksumIEEE(k.Key[:])
}

// Marshal serializes the key for RSA wrapping.
func (k *SessionKey) Marshal() []byte {
	b := make([]byte, sessionKeyWireLen)
	copy(b, k.Key[:])
	binary.BigEndian.PutUint32(b[SessionKeyLen:], k.CRC)
	return b
}

// UnmarshalSessionKey parses and integrity-checks serialized key material.
func UnmarshalSessionKey(b []byte) (SessionKey, error) {
	var k SessionKey
	if len(b) != sessionKeyWireLen {
		return k, errBadSessionKey
	}
	copy(k.Key[:], b[:SessionKeyLen])
	k.CRC = binary.BigEndian.Uint32(b[SessionKeyLen:])
	if !k.Valid() {
		return k, errBadSessionKey
	}
	return k, nil
}
