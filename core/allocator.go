/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"time"

	"github.com/quiltnet/quilt/internal/instrument"
	"github.com/quiltnet/quilt/internal/load"
)

/* Inbound bandwidth allocator
 *
 * Runs alongside the liveness cron, but only recomputes limits once
 * enough sample time has accumulated (unless very few peers are
 * connected, in which case there is little risk of overshooting).
 *
 * The allocator turns each peer's worth estimate into a share of the
 * schedulable downstream budget, caps the first round at twice the
 * peer's recent rate, hands out the remainder proportionally and then
 * evenly, grants an uptime bonus to the longest-established peers, and
 * enforces the violation policy against peers that transmit far above
 * their announced limit.
 */

// scheduleInboundTraffic redistributes the downstream budget among the
// connected peers and writes the per-peer idealLimit values that are
// advertised on outbound frames.
func (c *Core) scheduleInboundTraffic() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.lastAllocRound.IsZero() {
		// no allocation on the very first pass; just start sampling
		c.lastAllocRound = now
		c.forAllConnectedHosts(func(e *Entry) { e.recentlyReceived = 0 })
		return
	}
	activePeerCount := c.forAllConnectedHosts(nil)
	instrument.SetConnectionsUp(activePeerCount)
	if activePeerCount == 0 {
		return
	}

	timeDiff := now.Sub(c.lastAllocRound)
	earlyRun := false
	if timeDiff < MinSampleTime {
		earlyRun = true
		if activePeerCount > len(c.buckets)/8 {
			// not enough semi-representative sample data yet
			return
		}
	}
	if timeDiff <= 0 {
		timeDiff = time.Millisecond
	}

	entries := make([]*Entry, 0, activePeerCount)
	c.forAllConnectedHosts(func(e *Entry) { entries = append(entries, e) })

	// normalize the worth estimates into a share distribution
	shares := make([]float64, len(entries))
	shareSum := 0.0
	for i, e := range entries {
		if e.value > 0 {
			shares[i] = e.value
		}
		shareSum += shares[i]
	}
	if shareSum >= 0.00001 {
		for i := range shares {
			shares[i] /= shareSum
		}
	} else {
		for i := range shares {
			shares[i] = 1 / float64(len(entries))
		}
	}

	// reserve a minimum for guaranteed connections
	minCon := len(c.buckets) / 2
	guardCon := 0
	if c.topology != nil {
		guardCon = c.topology.CountGuardedConnections()
	}
	if guardCon > minCon {
		minCon = guardCon
	}
	if minCon > len(entries) {
		minCon = len(entries)
	}
	var schedulable int64
	if c.maxBPM > uint64(minCon)*MinBPMPerPeer {
		schedulable = int64(c.maxBPM) - int64(minCon)*MinBPMPerPeer
	} else {
		schedulable = 0
		minCon = int(c.maxBPM / MinBPMPerPeer)
	}
	if l := c.loadMon.NetLoad(load.Download); l > 100 {
		schedulable = schedulable * 100 / int64(l)
	}

	// recent activity profile, with violation enforcement
	adjustedRR := make([]int64, len(entries))
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		adjustedRR[i] = e.recentlyReceived * int64(time.Minute) / int64(timeDiff) / 2

		// peers grossly exceeding what we ever told them get counted;
		// check against the max we transmitted in case announcements
		// were lost
		if !earlyRun &&
			adjustedRR[i] > 2*MaxBufFact*int64(e.maxTransmittedLimit) &&
			adjustedRR[i] > 2*MaxBufFact*int64(e.idealLimit) {
			e.violations++
			e.recentlyReceived = 0
			if e.violations > MaxViolations {
				c.log.Infof("%s - sent %d bpm against limit %d, blacklisting",
					e.peer, adjustedRR[i], e.maxTransmittedLimit)
				c.identity.Blacklist(e.peer, blacklistAfterViolation, true)
				instrument.Shutdown(instrument.ReasonExcessBandwidth)
				c.shutdownConnection(e)
				entries = append(entries[:i], entries[i+1:]...)
				shares = append(shares[:i], shares[i+1:]...)
				adjustedRR = append(adjustedRR[:i], adjustedRR[i+1:]...)
				i--
				continue
			}
		} else if !earlyRun && e.violations > 0 &&
			adjustedRR[i] < int64(e.maxTransmittedLimit)/2 {
			// low volume balances out rare bursts
			e.violations--
		}

		// even a silent peer is worth MinBPMPerPeer, and the profile is
		// mixed with the previous limit to dampen oscillation
		if adjustedRR[i] < MinBPMPerPeer {
			adjustedRR[i] = MinBPMPerPeer
		}
		adjustedRR[i] = (int64(e.idealLimit)*3 + adjustedRR[i]) / 4
	}

	for _, e := range entries {
		e.reserveDownstream(now, 0)
		e.idealLimit = 0
	}

	// distribute by shares; the first round caps at twice the recent
	// rate, so one pass is usually not enough. Stop once the residue is
	// below 100 bytes per peer; unencrypted traffic eats that anyway.
	didAssign := true
	firstRound := true
	for schedulable > int64(len(entries))*100 && len(entries) > 0 && didAssign {
		didAssign = false
		var decrement int64
		for i, e := range entries {
			if firstRound && int64(e.idealLimit) >= adjustedRR[i]*2 {
				continue
			}
			share := int64(e.idealLimit) + int64(shares[i]*float64(schedulable))
			if firstRound && share > adjustedRR[i]*2 {
				share = adjustedRR[i] * 2
			}
			if share < MinBPMPerPeer && minCon > 0 &&
				(guardCon < minCon || c.isGuarded(e)) {
				// spend one of the guaranteed slots to keep it alive
				share += MinBPMPerPeer
				decrement -= MinBPMPerPeer
				minCon--
				if c.isGuarded(e) {
					guardCon--
				}
			}
			if share > int64(e.idealLimit) {
				decrement += share - int64(e.idealLimit)
				didAssign = true
				e.idealLimit = clampLimit(share)
			}
		}
		if decrement < schedulable {
			schedulable -= decrement
		} else {
			schedulable = 0
			break
		}
		if !didAssign {
			// give the rest to random zero-share peers
			for _, v := range c.rng.Perm(len(entries)) {
				e := entries[v]
				if firstRound && int64(e.idealLimit) >= adjustedRR[v]*2 {
					continue
				}
				share := int64(e.idealLimit) + schedulable
				if firstRound && share > adjustedRR[v]*2 {
					share = adjustedRR[v] * 2
				}
				if share > int64(e.idealLimit) {
					schedulable -= share - int64(e.idealLimit)
					e.idealLimit = clampLimit(share)
				}
			}
		}
		if firstRound {
			// keep some bandwidth off the market for new connections
			schedulable = schedulable * 7 / 8
		}
		firstRound = false
	}

	// whatever is left is split evenly, disregarding the caps
	if schedulable > 0 && len(entries) > 0 {
		each := schedulable / int64(len(entries))
		for _, v := range c.rng.Perm(len(entries)) {
			e := entries[v]
			e.idealLimit = clampLimit(int64(e.idealLimit) + each)
		}
		schedulable = 0
	}

	// uptime bonus: the minCon longest-established peers each get one
	// extra slot, which dampens connection churn
	if len(entries) > 0 {
		if minCon >= len(entries) {
			for u := 0; u < minCon; u++ {
				e := entries[u%len(entries)]
				e.idealLimit = clampLimit(int64(e.idealLimit) + MinBPMPerPeer)
			}
		} else {
			for _, e := range entries {
				e.uptimeSelected = false
			}
			for u := 0; u < minCon; u++ {
				var oldest *Entry
				for _, e := range entries {
					if e.establishedAt.IsZero() || e.uptimeSelected {
						continue
					}
					if oldest == nil || e.establishedAt.Before(oldest.establishedAt) {
						oldest = e
					}
				}
				if oldest != nil {
					oldest.uptimeSelected = true
					oldest.idealLimit = clampLimit(int64(oldest.idealLimit) + MinBPMPerPeer)
				}
			}
		}
	}

	// prepare the next sampling round
	c.lastAllocRound = now
	diffMs := int64(timeDiff / time.Millisecond)
	for _, e := range entries {
		if diffMs > 50 && c.rng.Int63n(diffMs+1) > 50 {
			e.value *= 0.9 // age
		}
		dec := int64(e.idealLimit) * int64(timeDiff) / int64(time.Minute) / 2
		if dec == 0 && c.rng.Int63n(diffMs+1) != 0 {
			dec = 1
		}
		if e.recentlyReceived >= dec {
			e.recentlyReceived -= dec
		} else {
			e.recentlyReceived = 0
		}
	}

	// a limit below the per-peer minimum would be indistinguishable from
	// a plaintext announcement; clamp, blacklist briefly and disconnect
	for _, e := range entries {
		if e.idealLimit < MinBPMPerPeer {
			c.log.Debugf("%s - only %d bpm to give, shutting the connection down", e.peer, e.idealLimit)
			e.idealLimit = MinBPMPerPeer
			c.identity.Blacklist(e.peer, blacklistAfterDisconnect, true)
			instrument.Shutdown(instrument.ReasonNoBandwidth)
			c.shutdownConnection(e)
		}
	}
}

func (c *Core) isGuarded(e *Entry) bool {
	return c.topology != nil && c.topology.IsConnectionGuarded(e.peer)
}

func clampLimit(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFF0000 {
		return 0xFFFF0000
	}
	return uint32(v)
}
