/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

func TestCheckHeaderRejectsShortFrames(t *testing.T) {
	n := newTestNode(t, 0)
	_, err := n.core.checkHeader(randomPeer(t, "short"), make([]byte, FrameHeaderSize-1))
	require.ErrorIs(t, err, errMalformedFrame)
}

func TestCheckHeaderPlaintext(t *testing.T) {
	n := newTestNode(t, 0)
	frame := buildPlaintextFrame(encodeHangup(randomPeer(t, "someone")))
	encrypted, err := n.core.checkHeader(randomPeer(t, "someone"), frame)
	require.NoError(t, err)
	require.False(t, encrypted)
}

func TestCheckHeaderNoKey(t *testing.T) {
	n := newTestNode(t, 0)
	peer := randomPeer(t, "stranger")
	key := testKey(t)
	frame := makeSealedFrame(&key, 1, uint32(time.Now().Unix()), 1000, nil)

	_, err := n.core.checkHeader(peer, frame)
	require.ErrorIs(t, err, errNoSessionKey)

	// the missing key must have created an entry so a handshake can
	// repair the situation
	n.core.mu.Lock()
	defer n.core.mu.Unlock()
	require.NotNil(t, n.core.lookForHost(peer))
}

func TestCheckHeaderReplayWindow(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core
	peer := randomPeer(t, "replayer")
	key := testKey(t)
	c.AssignSessionKey(key, peer, time.Now().Unix(), false)

	stamp := uint32(time.Now().Unix())
	deliver := func(seq uint32) error {
		frame := makeSealedFrame(&key, seq, stamp, 60000, nil)
		_, err := c.checkHeader(peer, frame)
		return err
	}

	// scenario: 10, 11, 10 (dup), 9 (in window), 9 (dup)
	require.NoError(t, deliver(10))
	require.NoError(t, deliver(11))
	require.ErrorIs(t, deliver(10), errReplayOrStale)
	require.NoError(t, deliver(9))
	require.ErrorIs(t, deliver(9), errReplayOrStale)
	// equality with the highest is always rejected
	require.ErrorIs(t, deliver(11), errReplayOrStale)
}

func TestCheckHeaderStaleTimestamp(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core
	peer := randomPeer(t, "late sender")
	key := testKey(t)
	c.AssignSessionKey(key, peer, time.Now().Unix(), false)

	old := uint32(time.Now().Add(-25 * time.Hour).Unix())
	frame := makeSealedFrame(&key, 1, old, 60000, nil)
	_, err := c.checkHeader(peer, frame)
	require.ErrorIs(t, err, errReplayOrStale)
}

func TestCheckHeaderAppliesBandwidthAdvertisement(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core
	peer := randomPeer(t, "advertiser")
	key := testKey(t)
	c.AssignSessionKey(key, peer, time.Now().Unix(), false)

	c.mu.Lock()
	e := c.lookForHost(peer)
	e.sendWindow = 1 << 40 // absurd credit that must be clamped
	c.mu.Unlock()

	frame := makeSealedFrame(&key, 5, uint32(time.Now().Unix()), 12345, nil)
	_, err := c.checkHeader(peer, frame)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.EqualValues(t, 12345, e.maxBPM)
	require.LessOrEqual(t, e.sendWindow, int64(12345*MaxBufFact))
	require.EqualValues(t, len(frame), e.recentlyReceived)
}

func TestInjectMessageDispatchAndAbort(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core
	peer := randomPeer(t, "sender")

	var got []uint16
	record := func(_ peerid.ID, msg *Message) error {
		got = append(got, msg.Type)
		return nil
	}
	abort := func(_ peerid.ID, _ *Message) error {
		got = append(got, 99)
		return errSetKeyRejected
	}
	_, err := c.RegisterHandler(40, record)
	require.NoError(t, err)
	_, err = c.RegisterHandler(41, abort)
	require.NoError(t, err)
	_, err = c.RegisterHandler(42, record)
	require.NoError(t, err)

	payload := appendMessage(nil, 40, []byte("a"))
	payload = appendMessage(payload, MsgTypeNoise, []byte("ignore me"))
	payload = appendMessage(payload, 41, []byte("b"))
	payload = appendMessage(payload, 42, []byte("never reached"))
	c.injectMessage(peer, payload, true, nil)

	// 40 dispatched, noise skipped, 41 aborted the rest of the frame
	require.Equal(t, []uint16{40, 99}, got)
}

func TestInjectMessageCorruptPartStopsFrame(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core

	var calls int
	_, err := c.RegisterHandler(40, func(_ peerid.ID, _ *Message) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	payload := appendMessage(nil, 40, []byte("ok"))
	// a part announcing more bytes than the frame holds
	payload = append(payload, 0xFF, 0xFF, 0x00, 40)
	payload = appendMessage(payload, 40, []byte("after corrupt"))
	c.injectMessage(randomPeer(t, "corruptor"), payload, true, nil)
	require.Equal(t, 1, calls)
}

func TestRegistrationRequiresStoppedWorkers(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	link(t, a, b)
	a.start(t)

	_, err := a.core.RegisterHandler(50, func(_ peerid.ID, _ *Message) error { return nil })
	require.Error(t, err, "registration must fail while workers are running")
	_, err = a.core.RegisterPlaintextHandler(50, func(_ peerid.ID, _ *Message, _ *transport.Session) error { return nil })
	require.Error(t, err)
}

func TestHandlerUnregister(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core

	id, err := c.RegisterHandler(60, func(_ peerid.ID, _ *Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, c.UnregisterHandler(60, id))
	require.Error(t, c.UnregisterHandler(60, id), "double unregister must fail")
}

func TestReceiveQueueOverflowDrops(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core

	// workers are not running, so the queue only fills
	frame := buildPlaintextFrame(nil)
	for i := 0; i < n.cfg.Daemon.InboundQueue+10; i++ {
		c.Receive(transport.Packet{Sender: randomPeer(t, "flood"), Payload: frame})
	}
	require.Len(t, c.queue, n.cfg.Daemon.InboundQueue)
}

func TestReceiveDropsBlacklisted(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core
	peer := randomPeer(t, "banned")
	n.ident.Blacklist(peer, time.Hour, true)

	c.Receive(transport.Packet{Sender: peer, Payload: buildPlaintextFrame(nil)})
	require.Empty(t, c.queue)
}
