/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"time"

	"github.com/quiltnet/quilt/internal/instrument"
	"github.com/quiltnet/quilt/internal/load"
	"github.com/quiltnet/quilt/peerid"
)

// cronDecreaseLiveness is the fast periodic pass over the whole table:
// it runs the allocator, reclaims Down entries, times out dead and
// half-established connections, upgrades transports under fragmentation
// pressure, generates forced keep-alive traffic, and gives every entry a
// transmission opportunity.
func (c *Core) cronDecreaseLiveness() {
	c.scheduleInboundTraffic()

	now := time.Now()
	cpuLoad := c.loadMon.CPULoad()
	upLoad := c.loadMon.NetLoad(load.Upload)
	var needPing []peerid.ID

	c.mu.Lock()
	for i := range c.buckets {
		var prev *Entry
		e := c.buckets[i]
		for e != nil {
			switch {
			case e.status == StatusDown:
				// compact the chain
				if prev == nil {
					c.buckets[i] = e.overflowNext
				} else {
					prev.overflowNext = e.overflowNext
				}
				e = e.overflowNext
				continue
			case e.status == StatusUp:
				e.refillSendWindow(now)
				if !e.lastAlive.IsZero() && now.Sub(e.lastAlive) > secondsInactiveDrop {
					c.log.Debugf("%s - closing connection, inactive for %v", e.peer, now.Sub(e.lastAlive))
					c.identity.Blacklist(e.peer, blacklistAfterDisconnect, true)
					instrument.Shutdown(instrument.ReasonTimeout)
					c.shutdownConnection(e)
					break
				}
				if e.considerTransportSwitch && cpuLoad < idleLoadThreshold {
					c.tryTransportSwitch(e)
				}
				if !e.lastAlive.IsZero() &&
					now.Sub(e.lastAlive) > secondsPingAttempt &&
					now.Sub(e.lastKeepalive) > secondsPingAttempt {
					e.lastKeepalive = now
					needPing = append(needPing, e.peer)
				}
				if e.sendWindow > 35*1024 && len(e.sendBuffer) < 4 &&
					len(c.sendCallbacks) > 0 &&
					upLoad < idleLoadThreshold && cpuLoad < idleLoadThreshold {
					c.forceTraffic(e, now)
				}
			default: // partial SETKEY exchange
				if !e.lastAlive.IsZero() && now.Sub(e.lastAlive) > secondsNoPingPongDrop {
					c.log.Debugf("%s - closing connection, handshake not answered", e.peer)
					// allow the other peer to call us back; we merely
					// failed to establish the session
					c.identity.Blacklist(e.peer, blacklistAfterFailedConnect, false)
					instrument.Shutdown(instrument.ReasonConnectTimeout)
					c.shutdownConnection(e)
				}
			}
			c.sendBufferLocked(e)
			prev = e
			e = e.overflowNext
		}
	}
	c.mu.Unlock()

	for _, peer := range needPing {
		c.sendKeepalive(peer)
	}
}

// tryTransportSwitch attempts to upgrade a fragmenting datagram session
// to a streaming transport. Caller holds the core lock.
func (c *Core) tryTransportSwitch(e *Entry) {
	alt, err := c.transports.ConnectFreely(e.peer, false, tokenCore)
	if err != nil {
		return
	}
	if alt.MTU() != 0 {
		alt.Disconnect(tokenCore)
		return
	}
	old := e.session
	e.session = alt
	e.mtu = 0
	e.considerTransportSwitch = false
	instrument.TransportSwitch()
	if old != nil {
		old.Disconnect(tokenCore)
	}
}

// forceTraffic fills an idle connection with callback-provided content at
// zero priority, so registered producers can use otherwise wasted
// bandwidth. Caller holds the core lock.
func (c *Core) forceTraffic(e *Entry, now time.Time) {
	size := e.sendWindow
	if size > 63*1024 {
		size = 63 * 1024
	}
	buf := make([]byte, size)
	off := 0
	for _, scb := range c.sendCallbacks {
		if off >= len(buf) {
			break
		}
		if int(scb.minimumPadding) > len(buf)-off {
			continue
		}
		n := scb.fn(e.peer, buf[off:])
		if n < 0 || n > len(buf)-off {
			return
		}
		off += n
	}
	if off == 0 {
		return
	}
	se := NewSendEntry(buf[:off], 0, now.Add(5*time.Minute), PlaceNone)
	c.appendToBuffer(e, se)
}
