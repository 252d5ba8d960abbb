/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/peerid"
)

// TestHandshake drives the full three-way exchange over an in-memory
// pipe: SETKEY+PING out in plaintext, SETKEY+PONG+PING back, PONG over
// the fresh encrypted channel, both sides up.
func TestHandshake(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	link(t, a, b)
	a.start(t)
	b.start(t)

	require.NoError(t, a.core.TryConnect(b.ident.ID()))
	waitConnected(t, a.core, b.ident.ID())
	waitConnected(t, b.core, a.ident.ID())

	// B decrypts with exactly the key A sends with
	akey, _, ok := a.core.GetSessionKey(b.ident.ID(), true)
	require.True(t, ok)
	bkey, _, ok := b.core.GetSessionKey(a.ident.ID(), false)
	require.True(t, ok)
	require.Equal(t, akey, bkey, "B must decrypt with A's sending key")
}

// TestHandshakeWire checks the first flight: connecting to an unknown
// peer puts a plaintext SETKEY (with an embedded PING) on the wire.
func TestHandshakeWire(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	link(t, a, b)

	var sawSetKey atomic.Bool
	a.ep.SetCapture(func(frame []byte) bool {
		if len(frame) < FrameHeaderSize || !isPlaintextFrame(frame) {
			return true
		}
		payload := frame[FrameHeaderSize:]
		for pos := 0; pos+MessageHeaderSize <= len(payload); {
			size := int(binary.BigEndian.Uint16(payload[pos:]))
			typ := binary.BigEndian.Uint16(payload[pos+2:])
			if size < MessageHeaderSize || pos+size > len(payload) {
				break
			}
			if typ == MsgTypeSetKey {
				m, err := parseSetKeyPayload(payload[pos+MessageHeaderSize : pos+size])
				require.NoError(t, err)
				require.True(t, m.target.Equal(a.ident.ID()) == false)
				require.NotEmpty(t, m.trailer, "SETKEY must carry an encrypted PING")
				sawSetKey.Store(true)
			}
			pos += size
		}
		return true // swallow; B never sees it
	})

	require.NoError(t, a.core.TryConnect(b.ident.ID()))
	require.True(t, sawSetKey.Load(), "no plaintext SETKEY observed")

	// A is now half-way: key sent, nothing received
	a.core.mu.Lock()
	e := a.core.lookForHost(b.ident.ID())
	require.NotNil(t, e)
	require.Equal(t, StatusSetKeySent, e.status)
	a.core.mu.Unlock()
}

// TestUnicastAfterHandshake pushes an application message through the
// encrypted channel end to end.
func TestUnicastAfterHandshake(t *testing.T) {
	const appType uint16 = 100

	a := newTestNode(t, 0)
	b := newTestNode(t, 0)

	received := make(chan []byte, 1)
	_, err := b.core.RegisterHandler(appType, func(sender peerid.ID, msg *Message) error {
		if sender.Equal(a.ident.ID()) {
			select {
			case received <- append([]byte(nil), msg.Payload...):
			default:
			}
		}
		return nil
	})
	require.NoError(t, err)

	link(t, a, b)
	a.start(t)
	b.start(t)

	require.NoError(t, a.core.TryConnect(b.ident.ID()))
	waitConnected(t, a.core, b.ident.ID())

	// pretend B advertised a generous limit so the frequency gate does
	// not stretch this lone message out, and keep the deadline tight so
	// the coalescing deferral does not apply either
	a.core.mu.Lock()
	e := a.core.lookForHost(b.ident.ID())
	e.maxBPM = 6_000_000
	e.lastSendAttempt = time.Time{}
	a.core.mu.Unlock()

	a.core.Unicast(b.ident.ID(), &Message{Type: appType, Payload: []byte("hello overlay")},
		AdminPriority, 100*time.Millisecond)

	select {
	case got := <-received:
		require.Equal(t, []byte("hello overlay"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("application message never arrived")
	}
}

// TestHangup delivers a HANGUP to an established connection and expects
// the entry down, buffers cleared and subscribers notified.
func TestHangup(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	link(t, a, b)
	a.start(t)
	b.start(t)

	require.NoError(t, a.core.TryConnect(b.ident.ID()))
	waitConnected(t, a.core, b.ident.ID())
	waitConnected(t, b.core, a.ident.ID())

	var dropped atomic.Int32
	b.core.SubscribeDisconnect(func(peer peerid.ID) {
		if peer.Equal(a.ident.ID()) {
			dropped.Add(1)
		}
	})

	// A hangs up; B should notice without waiting for a timeout
	a.core.DisconnectFromPeer(b.ident.ID())
	require.Eventually(t, func() bool {
		return !b.core.IsConnected(a.ident.ID())
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return dropped.Load() > 0 },
		time.Second, 5*time.Millisecond)

	b.core.mu.Lock()
	e := b.core.lookForHost(a.ident.ID())
	if e != nil {
		require.Empty(t, e.sendBuffer, "send buffer must be cleared on HANGUP")
		require.Equal(t, StatusDown, e.status)
	}
	b.core.mu.Unlock()
}

// TestSessionStateMonotone verifies a connection cannot re-enter Up
// without passing through Down and a fresh handshake.
func TestSessionStateMonotone(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core
	peer := randomPeer(t, "monotone")
	e := n.upEntry(t, peer)

	c.mu.Lock()
	c.shutdownConnection(e)
	require.Equal(t, StatusDown, e.status)
	c.mu.Unlock()

	// confirming liveness without a new key exchange must not resurrect
	c.ConfirmSessionUp(peer)
	c.mu.Lock()
	require.NotEqual(t, StatusUp, c.lookForHost(peer).status)
	c.mu.Unlock()
}

func TestSendWindowBounds(t *testing.T) {
	n := newTestNode(t, 0)
	e := n.upEntry(t, randomPeer(t, "window"))

	n.core.mu.Lock()
	defer n.core.mu.Unlock()
	e.maxBPM = 60000
	e.sendWindow = 0
	e.lastBPSUpdate = time.Now().Add(-10 * time.Minute)
	e.refillSendWindow(time.Now())
	require.LessOrEqual(t, e.sendWindow, int64(e.maxBPM)*MaxBufFact)
	require.Positive(t, e.sendWindow)
}

func TestPingTableOverflow(t *testing.T) {
	pt := newPingTable()
	peer := peerid.FromPublicKey([]byte("pinged"))
	for i := 0; i < MaxPingPong; i++ {
		require.NoError(t, pt.register(peer, uint32(i), false, func() {}))
	}
	// all slots were used within the last second; overflow is a hard
	// error surfaced to the caller
	require.ErrorIs(t, pt.register(peer, 9999, false, func() {}), ErrPingTableFull)

	// matching frees a slot
	notify, ok := pt.match(peer, 5, false)
	require.True(t, ok)
	notify()
	require.NoError(t, pt.register(peer, 9999, false, func() {}))

	// an entry is valid exactly once
	_, ok = pt.match(peer, 5, false)
	require.False(t, ok)
}
