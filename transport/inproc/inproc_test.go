/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package inproc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

func sign(data []byte) ([]byte, error) { return []byte{1}, nil }

func newPair(t *testing.T, mtu uint16) (*Endpoint, *Endpoint) {
	t.Helper()
	a := New(peerid.FromPublicKey([]byte("a")), []byte("a-pub"), sign, 1, mtu, 10)
	b := New(peerid.FromPublicKey([]byte("b")), []byte("b-pub"), sign, 1, mtu, 10)
	Link(a, b)
	return a, b
}

func TestDeliverBetweenLinkedEndpoints(t *testing.T) {
	a, b := newPair(t, 0)

	var got []transport.Packet
	require.NoError(t, a.Start(func(transport.Packet) {})) // discard
	require.NoError(t, b.Start(func(p transport.Packet) { got = append(got, p) }))

	hb, err := b.CreateHello()
	require.NoError(t, err)
	s, err := a.Connect(hb, true, "test")
	require.NoError(t, err)

	require.Equal(t, transport.SendOK, a.Send(s, []byte("ping bytes"), false))
	require.Len(t, got, 1)
	require.Equal(t, []byte("ping bytes"), got[0].Payload)
	require.True(t, got[0].Sender.Equal(a.LocalID()))
}

func TestMTUEnforced(t *testing.T) {
	a, b := newPair(t, 100)
	require.NoError(t, a.Start(func(transport.Packet) {}))
	require.NoError(t, b.Start(func(transport.Packet) {}))

	hb, err := b.CreateHello()
	require.NoError(t, err)
	s, err := a.Connect(hb, true, "test")
	require.NoError(t, err)

	require.Equal(t, transport.SendFatal, a.Send(s, make([]byte, 101), false))
	require.Equal(t, transport.SendOK, a.Send(s, make([]byte, 100), false))
}

func TestInducedFailures(t *testing.T) {
	a, b := newPair(t, 0)
	require.NoError(t, a.Start(func(transport.Packet) {}))
	require.NoError(t, b.Start(func(transport.Packet) {}))

	hb, err := b.CreateHello()
	require.NoError(t, err)
	s, err := a.Connect(hb, true, "test")
	require.NoError(t, err)

	a.SetWouldBlock(true)
	require.Equal(t, transport.SendWouldBlock, a.Send(s, []byte("x"), false))
	// important traffic pushes through
	require.Equal(t, transport.SendOK, a.Send(s, []byte("x"), true))
	a.SetWouldBlock(false)

	a.SetFatal(true)
	require.Equal(t, transport.SendFatal, a.Send(s, []byte("x"), true))
	require.Equal(t, transport.SendFatal, a.SendNowTest(s, 1, true))
}

func TestVerifyHelloRequiresLink(t *testing.T) {
	a, _ := newPair(t, 0)
	stranger := New(peerid.FromPublicKey([]byte("c")), []byte("c-pub"), sign, 1, 0, 10)
	hc, err := stranger.CreateHello()
	require.NoError(t, err)
	require.ErrorIs(t, a.VerifyHello(hc), transport.ErrNoRoute)
}
