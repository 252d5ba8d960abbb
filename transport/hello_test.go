/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/peerid"
)

// a toy signature scheme good enough for codec tests
func toySign(data []byte) ([]byte, error) {
	sum := byte(0)
	for _, b := range data {
		sum ^= b
	}
	return []byte{0x51, sum}, nil
}

func toyVerify(_, data, sig []byte) bool {
	want, _ := toySign(data)
	return len(sig) == len(want) && sig[1] == want[1]
}

func makeHello(t *testing.T, expires time.Time) *Hello {
	t.Helper()
	pub := []byte("toy public key")
	h := &Hello{
		PublicKey: pub,
		Sender:    peerid.FromPublicKey(pub),
		Expires:   expires,
		Protocol:  3,
		MTU:       1400,
		Address:   []byte("192.0.2.1:2086"),
	}
	require.NoError(t, h.Sign(toySign))
	return h
}

func TestHelloRoundtrip(t *testing.T) {
	h := makeHello(t, time.Now().Add(time.Hour))
	parsed, err := UnmarshalHello(h.Marshal())
	require.NoError(t, err)
	require.Equal(t, h.PublicKey, parsed.PublicKey)
	require.Equal(t, h.Sender, parsed.Sender)
	require.Equal(t, h.Expires.Unix(), parsed.Expires.Unix())
	require.Equal(t, h.Protocol, parsed.Protocol)
	require.Equal(t, h.MTU, parsed.MTU)
	require.Equal(t, h.Address, parsed.Address)
	require.Equal(t, h.Signature, parsed.Signature)
	require.NoError(t, parsed.Verify(time.Now(), toyVerify))
}

func TestHelloTruncated(t *testing.T) {
	wire := makeHello(t, time.Now().Add(time.Hour)).Marshal()
	for cut := 0; cut < len(wire); cut += 7 {
		_, err := UnmarshalHello(wire[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
	_, err := UnmarshalHello(append(wire, 0x00))
	require.Error(t, err, "trailing bytes accepted")
}

func TestHelloExpiryBounds(t *testing.T) {
	expired := makeHello(t, time.Now().Add(-time.Minute))
	require.ErrorIs(t, expired.Verify(time.Now(), toyVerify), ErrHelloExpired)

	tooLong := makeHello(t, time.Now().Add(MaxHelloExpires+24*time.Hour))
	require.Error(t, tooLong.Verify(time.Now(), toyVerify))
}

func TestHelloSenderMustMatchKey(t *testing.T) {
	h := makeHello(t, time.Now().Add(time.Hour))
	h.Sender = peerid.FromPublicKey([]byte("a different key"))
	require.NoError(t, h.Sign(toySign))
	require.ErrorIs(t, h.Verify(time.Now(), toyVerify), ErrHelloSignature)
}

func TestHelloSignatureCoversFields(t *testing.T) {
	h := makeHello(t, time.Now().Add(time.Hour))
	h.MTU++
	err := h.Verify(time.Now(), toyVerify)
	require.ErrorIs(t, err, ErrHelloSignature)
}

func TestSessionReferenceCounting(t *testing.T) {
	closed := 0
	s := NewSession(nil, peerid.FromPublicKey([]byte("peer")), 1400, "owner", func() { closed++ })

	require.NoError(t, s.Associate("dispatch"))
	require.True(t, s.Associated("dispatch"))

	s.Disconnect("owner")
	require.Zero(t, closed, "session closed while references remain")

	s.Disconnect("dispatch")
	require.Equal(t, 1, closed)

	// operations on a dead session are inert
	require.ErrorIs(t, s.Associate("late"), ErrSessionClosed)
	s.Disconnect("late")
	require.Equal(t, 1, closed)
}
