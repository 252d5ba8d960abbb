/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

/* On-wire layout of a frame (network byte order):
 *
 *   [ 0..64)  hash of the plaintext that follows; doubles as the cipher IV
 *   [64..68)  sequence number, 0 for plaintext frames
 *   [68..72)  timestamp (seconds), 0 for plaintext frames
 *   [72..76)  advertised receive limit in bytes per minute, 0 for plaintext
 *   [76.. )   embedded messages, each {u16 size, u16 type, payload}
 *
 * Everything after the hash is encrypted with the sender's local session
 * key; a frame is plaintext iff all three numeric fields are zero and the
 * hash matches the (unencrypted) tail.
 */

// frameHash computes the 512-bit hash of the plaintext tail of a frame.
func frameHash(tail []byte) [hashSize]byte {
	return blake2b.Sum512(tail)
}

// frameCipher builds the stream cipher for a frame, keyed by the session
// key and seeded with the frame hash as IV.
func frameCipher(key *SessionKey, iv []byte) cipher.Stream {
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		// key length is fixed; this cannot fail
		panic(err)
	}
	return cipher.NewCTR(block, iv[:aes.BlockSize])
}

// buildPlaintextFrame wraps the given messages into a plaintext frame.
func buildPlaintextFrame(msgs []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(msgs))
	copy(frame[FrameHeaderSize:], msgs)
	h := frameHash(frame[hashSize:])
	copy(frame[:hashSize], h[:])
	return frame
}

// sealFrame finalizes an outbound frame in place: the numeric header
// fields must already be set, the hash field is computed over the
// plaintext tail, and the tail is then encrypted with the hash as IV.
func sealFrame(key *SessionKey, frame []byte) {
	h := frameHash(frame[hashSize:])
	copy(frame[:hashSize], h[:])
	frameCipher(key, h[:]).XORKeyStream(frame[hashSize:], frame[hashSize:])
}

// openFrame decrypts the tail of frame in place using the header hash as
// IV and verifies the hash. It reports whether decryption succeeded.
func openFrame(key *SessionKey, frame []byte) bool {
	frameCipher(key, frame[:hashSize]).XORKeyStream(frame[hashSize:], frame[hashSize:])
	h := frameHash(frame[hashSize:])
	ok := true
	for i := range h {
		if h[i] != frame[i] {
			ok = false
			break
		}
	}
	if !ok {
		// restore ciphertext so the caller can retry a handshake without
		// leaking a half-decrypted buffer
		frameCipher(key, frame[:hashSize]).XORKeyStream(frame[hashSize:], frame[hashSize:])
	}
	return ok
}

// isPlaintextFrame reports whether the frame is plaintext: all numeric
// fields zero and a matching hash over the unencrypted tail.
func isPlaintextFrame(frame []byte) bool {
	if binary.BigEndian.Uint32(frame[hashSize:hashSize+4]) != 0 ||
		binary.BigEndian.Uint32(frame[hashSize+4:hashSize+8]) != 0 ||
		binary.BigEndian.Uint32(frame[hashSize+8:hashSize+12]) != 0 {
		return false
	}
	h := frameHash(frame[hashSize:])
	for i := range h {
		if h[i] != frame[i] {
			return false
		}
	}
	return true
}
