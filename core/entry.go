/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"time"

	"github.com/quiltnet/quilt/internal/instrument"
	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/replay"
	"github.com/quiltnet/quilt/transport"
)

// Status tracks session establishment. The handshake sets the two key bits
// independently; a connection is up once both keys are in place and the
// final PONG confirmed liveness.
type Status uint8

const (
	StatusDown           Status = 0
	StatusSetKeySent     Status = 1
	StatusSetKeyReceived Status = 2
	StatusUp             Status = statusSetKeyBoth | 4

	statusSetKeyBoth = StatusSetKeySent | StatusSetKeyReceived
)

func (s Status) String() string {
	switch s {
	case StatusDown:
		return "down"
	case StatusSetKeySent:
		return "setkey-sent"
	case StatusSetKeyReceived:
		return "setkey-received"
	case statusSetKeyBoth:
		return "setkey-exchanged"
	case StatusUp:
		return "up"
	}
	return "invalid"
}

// Entry is one record of the connection table: the session state for a
// single peer, its pending outbound messages and the bandwidth accounting
// in both directions. All fields are guarded by the core lock.
type Entry struct {
	peer    peerid.ID
	status  Status
	session *transport.Session
	mtu     uint16 // cached from the session, 0 for streaming

	localKey         SessionKey
	localKeyCreated  int64 // epoch seconds
	remoteKey        SessionKey
	remoteKeyCreated int64

	lastSeqSent uint32
	replay      replay.Filter

	sendBuffer []*SendEntry

	// outbound limits
	maxBPM          uint32 // the peer's announced receive limit
	sendWindow      int64  // byte credit, may go negative for extreme priority
	lastBPSUpdate   time.Time
	lastSendAttempt time.Time

	// inbound accounting
	downstreamReserved    int64
	lastReservationUpdate time.Time
	recentlyReceived      int64
	value                 float64 // worth estimate set by higher layers
	maxTransmittedLimit   uint32
	idealLimit            uint32
	violations            uint32

	lastAlive     time.Time
	establishedAt time.Time
	lastKeepalive time.Time

	inSend                  bool
	uptimeSelected          bool
	considerTransportSwitch bool

	overflowNext *Entry
}

func newEntry(now time.Time) *Entry {
	return &Entry{
		status:                StatusDown,
		maxBPM:                MinBPMPerPeer,
		sendWindow:            MinBPMPerPeer,
		idealLimit:            MinBPMPerPeer,
		maxTransmittedLimit:   MinBPMPerPeer,
		lastBPSUpdate:         now,
		lastReservationUpdate: now,
	}
}

// Peer returns the identity of the entry's peer.
func (e *Entry) Peer() peerid.ID { return e.peer }

// refillSendWindow credits the send window from the peer's announced
// limit. Tiny increments are skipped to avoid rounding losses; overflow
// beyond the roll-over cap is discarded and accounted.
func (e *Entry) refillSendWindow(now time.Time) {
	if !now.After(e.lastBPSUpdate) {
		return
	}
	delta := now.Sub(e.lastBPSUpdate)
	if e.maxBPM == 0 {
		e.maxBPM = 1
	}
	increment := int64(e.maxBPM) * int64(delta) / int64(time.Minute)
	if increment < 100 {
		return
	}
	e.sendWindow += increment
	limit := int64(e.maxBPM) * MaxBufFact
	if e.sendWindow > limit {
		instrument.LostSendWindow(e.sendWindow - limit)
		e.sendWindow = limit
	}
	e.lastBPSUpdate = now
}

// clampSendWindow enforces the roll-over cap after the peer lowered its
// announced limit.
func (e *Entry) clampSendWindow(now time.Time) {
	limit := int64(e.maxBPM) * MaxBufFact
	if e.sendWindow > limit {
		instrument.LostSendWindow(e.sendWindow - limit)
		e.sendWindow = limit
		e.lastBPSUpdate = now
	}
}

// reserveDownstream ages the peer's reserved inbound allowance and, with a
// non-zero amount, books (or releases) capacity. Returns the granted
// amount for positive requests.
func (e *Entry) reserveDownstream(now time.Time, amount int64) int64 {
	delta := now.Sub(e.lastReservationUpdate)
	available := e.downstreamReserved + int64(e.idealLimit)*int64(delta)/int64(time.Minute)
	if amount < 0 {
		available -= amount
	}
	if limit := int64(e.idealLimit) * MaxBufFact; available > limit {
		available = limit
	}
	granted := amount
	if amount > 0 {
		if available < amount {
			granted = available
		}
		available -= granted
	}
	e.lastReservationUpdate = now
	e.downstreamReserved = available
	if amount > 0 {
		return granted
	}
	return available
}

// queuedBytes sums the pending message sizes of the send buffer.
func (e *Entry) queuedBytes() int {
	total := 0
	for _, se := range e.sendBuffer {
		total += int(se.length)
	}
	return total
}
