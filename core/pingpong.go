/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/quiltnet/quilt/internal/instrument"
	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

// MaxPingPong bounds the number of outstanding PINGs tracked globally.
const MaxPingPong = 256

// ErrPingTableFull surfaces to callers that no PING slot could be
// reclaimed; the connection attempt has to be retried later.
var ErrPingTableFull = errors.New("core: ping table full")

type pingKey struct {
	peer      peerid.ID
	challenge uint32
	plaintext bool
}

type pingEntry struct {
	key    pingKey
	sent   time.Time
	seq    uint64
	notify func()
}

func pingLess(a, b *pingEntry) bool {
	if !a.sent.Equal(b.sent) {
		return a.sent.Before(b.sent)
	}
	return a.seq < b.seq
}

// pingTable tracks outstanding challenges. Slots are reclaimed oldest
// first; an expired entry silently drops its matching PONG.
type pingTable struct {
	mu    sync.Mutex
	byAge *btree.BTreeG[*pingEntry]
	byKey map[pingKey]*pingEntry
	seq   uint64
}

func newPingTable() *pingTable {
	return &pingTable{
		byAge: btree.NewG(8, pingLess),
		byKey: make(map[pingKey]*pingEntry),
	}
}

// register stores a challenge; notify runs when the matching PONG
// arrives. When the table is full, the oldest slot is reclaimed unless
// even that one is less than a second old.
func (t *pingTable) register(peer peerid.ID, challenge uint32, plaintext bool, notify func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for len(t.byKey) >= MaxPingPong {
		oldest, ok := t.byAge.Min()
		if !ok {
			break
		}
		if now.Sub(oldest.sent) < time.Second {
			return ErrPingTableFull
		}
		t.byAge.Delete(oldest)
		delete(t.byKey, oldest.key)
	}
	t.seq++
	e := &pingEntry{
		key:    pingKey{peer: peer, challenge: challenge, plaintext: plaintext},
		sent:   now,
		seq:    t.seq,
		notify: notify,
	}
	if old, ok := t.byKey[e.key]; ok {
		t.byAge.Delete(old)
	}
	t.byKey[e.key] = e
	t.byAge.ReplaceOrInsert(e)
	return nil
}

// match consumes the entry for a PONG, returning its notify callback.
// Entries are valid exactly once.
func (t *pingTable) match(peer peerid.ID, challenge uint32, plaintext bool) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pingKey{peer: peer, challenge: challenge, plaintext: plaintext}
	e, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	delete(t.byKey, key)
	t.byAge.Delete(e)
	return e.notify, true
}

// expire frees slots whose PONG never came.
func (t *pingTable) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-secondsNoPingPongDrop)
	for {
		oldest, ok := t.byAge.Min()
		if !ok || oldest.sent.After(cutoff) {
			return
		}
		t.byAge.Delete(oldest)
		delete(t.byKey, oldest.key)
	}
}

func randomChallenge() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

/* -------------------------- handlers ----------------------------- */

// handlePing answers an encrypted PING with an encrypted PONG at extreme
// priority.
func (c *Core) handlePing(sender peerid.ID, msg *Message) error {
	target, challenge, ok := decodePingPong(msg.Payload)
	if !ok {
		return errMalformedFrame
	}
	if !target.Equal(c.identity.ID()) {
		return errors.New("core: ping for another peer")
	}
	pong := encodePingPong(MsgTypePong, c.identity.ID(), challenge)
	c.Unicast(sender, &Message{Type: MsgTypePong, Payload: pong[MessageHeaderSize:]}, ExtremePriority, 0)
	return nil
}

// handlePong matches an encrypted PONG against the outstanding
// challenges.
func (c *Core) handlePong(sender peerid.ID, msg *Message) error {
	target, challenge, ok := decodePingPong(msg.Payload)
	if !ok || !target.Equal(sender) {
		return errMalformedFrame
	}
	if notify, ok := c.pings.match(sender, challenge, false); ok {
		notify()
	}
	return nil
}

// handlePlaintextPing answers over the session the PING arrived on, or
// any other transport if that one is unidirectional.
func (c *Core) handlePlaintextPing(sender peerid.ID, msg *Message, session *transport.Session) error {
	target, challenge, ok := decodePingPong(msg.Payload)
	if !ok {
		return errMalformedFrame
	}
	if !target.Equal(c.identity.ID()) {
		return errors.New("core: ping for another peer")
	}
	pong := encodePingPong(MsgTypePong, c.identity.ID(), challenge)
	if session != nil {
		if c.SendPlaintext(session, pong) == nil {
			return nil
		}
	}
	s, err := c.transports.ConnectFreely(sender, true, tokenHandshake)
	if err != nil {
		return err
	}
	err = c.SendPlaintext(s, pong)
	s.Disconnect(tokenHandshake)
	return err
}

func (c *Core) handlePlaintextPong(sender peerid.ID, msg *Message, _ *transport.Session) error {
	target, challenge, ok := decodePingPong(msg.Payload)
	if !ok || !target.Equal(sender) {
		return errMalformedFrame
	}
	if notify, ok := c.pings.match(sender, challenge, true); ok {
		notify()
	}
	return nil
}

// handleHangup terminates the session at the peer's polite request.
func (c *Core) handleHangup(sender peerid.ID, msg *Message) error {
	if len(msg.Payload) != hangupSize {
		return errMalformedFrame
	}
	var announced peerid.ID
	copy(announced[:], msg.Payload)
	if !announced.Equal(sender) {
		return errMalformedFrame
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(sender)
	if e == nil {
		return errors.New("core: hangup from unknown peer")
	}
	c.log.Debugf("%s - received HANGUP", sender)
	c.identity.Blacklist(sender, blacklistAfterDisconnect, true)
	instrument.Shutdown(instrument.ReasonHangup)
	c.shutdownConnection(e)
	return nil
}
