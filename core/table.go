/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"time"

	"github.com/quiltnet/quilt/internal/instrument"
	"github.com/quiltnet/quilt/peerid"
)

/* The connection table is a fixed array of buckets, each holding a chain
 * of entries linked through overflowNext. The bucket count is derived
 * from the downstream budget and kept a power of two so the low bits of
 * the peer hash select the slot. */

// tableSlots derives the bucket count from a downstream budget.
func tableSlots(maxBPM uint64) uint32 {
	n := maxBPM / (MinBPMPerPeer * 4)
	if n < 2*MinConnectionTarget {
		n = 2 * MinConnectionTarget
	}
	if n > maxTableSlots {
		n = maxTableSlots
	}
	// round down to a power of two so hash masking works
	slots := uint32(1)
	for slots*2 <= uint32(n) {
		slots *= 2
	}
	return slots
}

// computeIndex returns the bucket index for a peer. Caller holds the lock.
func (c *Core) computeIndex(peer peerid.ID) uint32 {
	return peer.Bucket(uint32(len(c.buckets)))
}

// lookForHost finds the entry for a peer, nil if absent. Caller holds the
// lock.
func (c *Core) lookForHost(peer peerid.ID) *Entry {
	for e := c.buckets[c.computeIndex(peer)]; e != nil; e = e.overflowNext {
		if e.peer.Equal(peer) {
			return e
		}
	}
	return nil
}

// addHost returns the entry for a peer, creating one (or reusing a Down
// entry in the chain) if needed. With establishSession set, a handshake is
// initiated for entries that are down. Caller holds the lock.
func (c *Core) addHost(peer peerid.ID, establishSession bool) *Entry {
	e := c.lookForHost(peer)
	if e == nil {
		idx := c.computeIndex(peer)
		var prev *Entry
		for e = c.buckets[idx]; e != nil; e = e.overflowNext {
			// settle for a chain entry that is down
			if e.status == StatusDown {
				break
			}
			prev = e
		}
		if e == nil {
			e = newEntry(time.Now())
			if prev == nil {
				c.buckets[idx] = e
			} else {
				prev.overflowNext = e
			}
		}
		e.peer = peer
	}
	if e.status == StatusDown && establishSession {
		e.replay.Reset()
		c.scheduleConnect(peer)
	}
	return e
}

// forAllConnectedHosts invokes fn for every Up entry and returns the
// number of Up entries. fn may be nil to just count. Caller holds the
// lock.
func (c *Core) forAllConnectedHosts(fn func(*Entry)) int {
	count := 0
	for _, head := range c.buckets {
		for e := head; e != nil; e = e.overflowNext {
			if e.status == StatusUp {
				if fn != nil {
					fn(e)
				}
				count++
			}
		}
	}
	return count
}

// rehash resizes the table for a new downstream budget and moves every
// entry into its new bucket. Caller holds the lock.
func (c *Core) rehash(newSlots uint32) {
	old := c.buckets
	c.buckets = make([]*Entry, newSlots)
	for _, head := range old {
		for e := head; e != nil; {
			next := e.overflowNext
			idx := c.computeIndex(e.peer)
			e.overflowNext = c.buckets[idx]
			c.buckets[idx] = e
			e = next
		}
	}
	c.log.Debugf("connection table resized to %d slots (%d bpm downstream)", newSlots, c.maxBPM)
}

// notifyDisconnect runs the registered disconnect subscribers. Caller
// holds the lock.
func (c *Core) notifyDisconnect(e *Entry) {
	for _, sub := range c.disconnectSubs {
		sub.fn(e.peer)
	}
}

// shutdownConnection terminates a connection: a HANGUP message is pushed
// out with extreme priority, the keys are invalidated, subscribers are
// notified and all buffers are cleared. Caller holds the lock.
func (c *Core) shutdownConnection(e *Entry) {
	if e.status == StatusDown {
		return
	}
	if e.status == StatusUp {
		se := NewSendEntry(encodeHangup(c.identity.ID()), ExtremePriority, time.Now(), PlaceTail)
		c.appendToBuffer(e, se)
		instrument.HangupSent()
		// override the frequency gate; try hard to get the HANGUP out
		e.lastSendAttempt = time.Time{}
		c.sendBufferLocked(e)
	}
	e.remoteKeyCreated = 0
	e.status = StatusDown
	c.notifyDisconnect(e)
	e.establishedAt = time.Time{}
	e.idealLimit = MinBPMPerPeer
	e.maxTransmittedLimit = MinBPMPerPeer
	if s := e.session; s != nil {
		e.session = nil
		s.Disconnect(tokenCore)
	}
	for range e.sendBuffer {
		instrument.MessageDropped()
	}
	e.sendBuffer = nil
}

/* Introspection helpers used by topology and the control surface. */

// SlotCount returns the current number of slots in the connection table.
func (c *Core) SlotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// IsSlotUsed returns the number of Up entries in the given slot.
func (c *Core) IsSlotUsed(slot int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(c.buckets) {
		return 0
	}
	n := 0
	for e := c.buckets[slot]; e != nil; e = e.overflowNext {
		if e.status == StatusUp {
			n++
		}
	}
	return n
}

// IsConnected reports whether the peer's connection is up.
func (c *Core) IsConnected(peer peerid.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(peer)
	return e != nil && e.status == StatusUp
}

// CountConnected returns the number of Up connections.
func (c *Core) CountConnected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forAllConnectedHosts(nil)
}

// ForEachConnectedNode invokes fn for every connected peer and returns
// the connection count.
func (c *Core) ForEachConnectedNode(fn func(peerid.ID)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forAllConnectedHosts(func(e *Entry) { fn(e.peer) })
}

// LastActivityOf returns the time of the last liveness proof from a
// connected peer.
func (c *Core) LastActivityOf(peer peerid.ID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(peer)
	if e == nil || e.status != StatusUp {
		return time.Time{}, false
	}
	return e.lastAlive, true
}
