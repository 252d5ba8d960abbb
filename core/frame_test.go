/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) SessionKey {
	t.Helper()
	k, err := NewSessionKey()
	require.NoError(t, err)
	return k
}

func makeSealedFrame(key *SessionKey, seq, stamp, bandwidth uint32, msgs []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(msgs))
	binary.BigEndian.PutUint32(frame[hashSize:], seq)
	binary.BigEndian.PutUint32(frame[hashSize+4:], stamp)
	binary.BigEndian.PutUint32(frame[hashSize+8:], bandwidth)
	copy(frame[FrameHeaderSize:], msgs)
	sealFrame(key, frame)
	return frame
}

func TestFrameRoundtrip(t *testing.T) {
	key := testKey(t)
	rng := rand.New(rand.NewSource(1))

	for _, size := range []int{0, 1, 63, 64, 1000, 40000} {
		msgs := make([]byte, size)
		rng.Read(msgs)
		frame := makeSealedFrame(&key, 7, 1234, 50000, msgs)

		require.True(t, openFrame(&key, frame), "size %d: decryption failed", size)
		require.EqualValues(t, 7, binary.BigEndian.Uint32(frame[hashSize:]))
		require.EqualValues(t, 1234, binary.BigEndian.Uint32(frame[hashSize+4:]))
		require.EqualValues(t, 50000, binary.BigEndian.Uint32(frame[hashSize+8:]))
		require.Equal(t, msgs, frame[FrameHeaderSize:])
	}
}

func TestFrameWrongKeyFails(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	frame := makeSealedFrame(&key, 1, 1, 1, []byte("payload bytes here"))
	copyFrame := append([]byte(nil), frame...)

	require.False(t, openFrame(&other, frame))
	// a failed open must leave the ciphertext intact so a later retry
	// with the right key still works
	require.Equal(t, copyFrame, frame)
	require.True(t, openFrame(&key, frame))
}

func TestFrameTamperDetected(t *testing.T) {
	key := testKey(t)
	frame := makeSealedFrame(&key, 3, 9, 9, []byte("some payload"))
	frame[FrameHeaderSize] ^= 0x01
	require.False(t, openFrame(&key, frame))
}

func TestPlaintextDetection(t *testing.T) {
	msgs := encodeHangup(randomPeer(t, "plaintext sender"))
	frame := buildPlaintextFrame(msgs)
	require.True(t, isPlaintextFrame(frame))

	// detection is structural: trying a key on it fails and the frame
	// still reads as plaintext afterwards
	key := testKey(t)
	require.False(t, openFrame(&key, frame))
	require.True(t, isPlaintextFrame(frame))

	// flipping any numeric field makes it non-plaintext
	enc := append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(enc[hashSize:], 5)
	require.False(t, isPlaintextFrame(enc))

	// corrupting the body breaks the hash
	bad := append([]byte(nil), frame...)
	bad[len(bad)-1] ^= 0xFF
	require.False(t, isPlaintextFrame(bad))
}

func TestSessionKeyIntegrity(t *testing.T) {
	key := testKey(t)
	require.True(t, key.Valid())

	wire := key.Marshal()
	parsed, err := UnmarshalSessionKey(wire)
	require.NoError(t, err)
	require.Equal(t, key, parsed)

	wire[0] ^= 0xFF
	_, err = UnmarshalSessionKey(wire)
	require.ErrorIs(t, err, errBadSessionKey)

	_, err = UnmarshalSessionKey(wire[:10])
	require.ErrorIs(t, err, errBadSessionKey)
}
