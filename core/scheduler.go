/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"encoding/binary"
	"time"

	"github.com/quiltnet/quilt/internal/instrument"
	"github.com/quiltnet/quilt/internal/load"
	"github.com/quiltnet/quilt/transport"
)

/* Outbound path
 *
 * A transmission opportunity (cron tick or enqueue) runs:
 *
 * 1. frequency gate     - derived from the peer limit and CPU load
 * 2. credit refill      - send window grows from the announced limit
 * 3. message selection  - greedy for streams, knapsack under an MTU
 * 4. preparation        - deferred builders produce their bytes
 * 5. permutation        - random order under head/tail constraints
 * 6. assembly           - header, payloads, callback fill, noise padding
 * 7. encryption + send  - hash is the IV, then hand off to the transport
 */

// checkSendFrequency applies the inter-send interval derived from the
// peer's announced limit and our CPU load. Extreme-priority traffic is
// exempt.
func (c *Core) checkSendFrequency(e *Entry, now time.Time) bool {
	for _, se := range e.sendBuffer {
		if se.priority >= ExtremePriority {
			return true
		}
	}
	if e.maxBPM == 0 {
		e.maxBPM = 1
	}
	unit := int64(ExpectedMTU)
	if e.mtu != 0 {
		unit = int64(e.mtu)
	}
	msf := time.Duration(unit * int64(time.Minute) / int64(e.maxBPM))
	// always allow a couple of selection rounds per sample window
	if limit := 2 * MinSampleTime / MinimumSampleCount; msf > limit {
		msf = limit
	}
	cpu := int64(c.loadMon.CPULoad())
	fullness := int64(len(e.sendBuffer))
	if fullness > 100 {
		fullness = 100
	}
	if fullness < 25 {
		fullness = 25
	}
	msf = time.Duration(int64(msf) * cpu * cpu / (fullness * fullness))
	return !e.lastSendAttempt.Add(msf).After(now)
}

// outgoingCheck reports whether a packet of the given top priority may be
// sent under the current upstream load; false means it is dropped.
// overhead is the ratio of packet size to header size; bigger packets get
// more slack.
func (c *Core) outgoingCheck(priority uint64, overhead int) bool {
	l := c.loadMon.NetLoad(load.Upload)
	if l >= 150 {
		return false
	}
	if l > 100 {
		return priority >= ExtremePriority
	}
	if l <= 75+overhead {
		return true
	}
	delta := uint64(l - overhead - 75)
	return delta*delta*delta <= priority
}

// selectMessagesToSend marks the subset of the send buffer to transmit
// and returns the resulting frame size (0 to defer) plus the accumulated
// priority.
func (c *Core) selectMessagesToSend(e *Entry, now time.Time) (int, uint64) {
	for _, se := range e.sendBuffer {
		se.selected = false
	}
	var priority uint64

	if e.mtu == 0 {
		total := FrameHeaderSize
		deadline := time.Time{}
		note := func(se *SendEntry) {
			se.selected = true
			if deadline.IsZero() || se.deadline.Before(deadline) {
				deadline = se.deadline
			}
			priority += uint64(se.priority)
			total += int(se.length)
		}

		// the buffer is sorted by priority ratio; take extreme-priority
		// entries first, regardless of the send window
		i := 0
		for ; i < len(e.sendBuffer); i++ {
			se := e.sendBuffer[i]
			if total+int(se.length) < MaxBufferSize-64 && se.priority >= ExtremePriority {
				note(se)
			} else {
				break
			}
		}
		if i == 0 && int64(e.sendBuffer[0].length) > e.sendWindow {
			// always wait for the top message to fit; anything else would
			// starve large high-priority messages
			return 0, 0
		}
		for ; i < len(e.sendBuffer) && e.sendWindow > int64(total); i++ {
			se := e.sendBuffer[i]
			if int64(total+int(se.length)) <= e.sendWindow && total+int(se.length) < MaxBufferSize-64 {
				note(se)
			} else if total == FrameHeaderSize {
				return 0, 0
			}
		}
		if total == FrameHeaderSize {
			return 0, 0
		}
		if priority < ExtremePriority && total/FrameHeaderSize < 4 &&
			deadline.After(now.Add(500*time.Millisecond)) &&
			c.rng.Intn(c.smallFrameSendDenominator) != 0 {
			// defer tiny frames with slack deadlines most of the time, so
			// several small messages coalesce; the occasional send keeps
			// a lone message from waiting forever
			return 0, 0
		}
		return total, priority
	}

	// datagram transport: 0/1 knapsack over mtu - header
	capacity := int(e.mtu) - FrameHeaderSize
	cpu := c.loadMon.CPULoad()
	if cpu > 50 {
		if cpu > 100 {
			cpu = 100
		}
		exactOdds := (100 - cpu) * 2 // 0 (always approximate) .. 100 (never)
		if c.rng.Intn(1+exactOdds) == 0 {
			priority = approximateKnapsack(e.sendBuffer, capacity)
			instrument.KnapsackGreedy()
		} else {
			priority = solveKnapsack(e.sendBuffer, capacity)
			instrument.KnapsackExact()
		}
	} else {
		priority = solveKnapsack(e.sendBuffer, capacity)
		instrument.KnapsackExact()
	}

	selected := 0
	total := 0
	for _, se := range e.sendBuffer {
		if se.selected {
			selected++
			total += int(se.length)
		}
	}
	if selected == 0 || total > capacity {
		return 0, 0
	}
	if e.sendWindow < int64(e.mtu) && priority < ExtremePriority {
		// not enough credit; only extreme priority (HANGUP) may overdraw
		return 0, 0
	}
	return int(e.mtu), priority
}

// ensureTransportConnected makes sure the entry has a live transport
// session, re-fragmenting queued messages if the MTU changed.
func (c *Core) ensureTransportConnected(e *Entry) bool {
	if e.session != nil {
		return true
	}
	s, err := c.transports.ConnectFreely(e.peer, false, tokenCore)
	if err != nil {
		e.status = StatusDown
		e.establishedAt = time.Time{}
		return false
	}
	e.session = s
	e.mtu = s.MTU()
	c.fragmentIfNecessary(e)
	return true
}

// dropTransport tears the session down after a fatal transport error.
// Caller holds the core lock.
func (c *Core) dropTransport(e *Entry) {
	s := e.session
	e.session = nil
	e.status = StatusDown
	e.establishedAt = time.Time{}
	c.notifyDisconnect(e)
	instrument.Shutdown(instrument.ReasonTransport)
	if s != nil {
		s.Disconnect(tokenCore)
	}
	for range e.sendBuffer {
		instrument.MessageDropped()
	}
	e.sendBuffer = nil
}

// sendBufferLocked runs one transmission opportunity for the entry:
// select, prepare, permute, assemble, pad, encrypt, transmit. Caller
// holds the core lock.
func (c *Core) sendBufferLocked(e *Entry) {
	if e.status != StatusUp || len(e.sendBuffer) == 0 || e.inSend {
		return
	}
	e.inSend = true
	defer func() { e.inSend = false }()

	now := time.Now()
	if !c.ensureTransportConnected(e) || !c.checkSendFrequency(e, now) {
		return
	}

	e.refillSendWindow(now)
	total, priority := c.selectMessagesToSend(e, now)
	if total == 0 {
		if len(e.sendBuffer) != 0 || e.mtu != 0 || e.sendWindow < 2*ExpectedMTU {
			c.expireSendBufferEntries(e, now)
			return
		}
		total = ExpectedMTU + FrameHeaderSize
	}
	if e.mtu != 0 && total > int(e.mtu) {
		return
	}

	switch c.transports.SendNowTest(e.session, total, priority >= ExtremePriority) {
	case transport.SendOK:
	case transport.SendFatal:
		// transport session is gone; re-establish and retry later
		s := e.session
		e.session = nil
		if s != nil {
			s.Disconnect(tokenCore)
		}
		if !c.ensureTransportConnected(e) {
			c.dropTransport(e)
		}
		return
	default:
		c.expireSendBufferEntries(e, now)
		return
	}

	if !c.outgoingCheck(priority, total/FrameHeaderSize) {
		c.expireSendBufferEntries(e, now)
		return
	}

	var selected []*SendEntry
	if e.prepareSelectedMessages() > 0 {
		selected = c.permuteSendBuffer(e)
	}

	// assemble the plaintext frame
	frame := make([]byte, FrameHeaderSize, total)
	binary.BigEndian.PutUint32(frame[hashSize:], e.lastSeqSent)
	binary.BigEndian.PutUint32(frame[hashSize+4:], uint32(now.Unix()))
	binary.BigEndian.PutUint32(frame[hashSize+8:], c.advertisedBandwidth(e))
	for _, se := range selected {
		frame = append(frame, se.payload...)
	}

	// residual room goes to the registered fill callbacks first
	for _, scb := range c.sendCallbacks {
		room := total - len(frame)
		if room <= 0 {
			break
		}
		if int(scb.minimumPadding) > room {
			continue
		}
		buf := make([]byte, room)
		n := scb.fn(e.peer, buf)
		if n < 0 || n > room {
			c.log.Errorf("%s - send callback wrote %d of %d bytes", e.peer, n, room)
			return
		}
		frame = append(frame, buf[:n]...)
	}

	// whatever is left becomes noise
	if room := total - len(frame); room >= MessageHeaderSize && !c.paddingDisabled {
		frame = binary.BigEndian.AppendUint16(frame, uint16(room))
		frame = binary.BigEndian.AppendUint16(frame, MsgTypeNoise)
		off := len(frame)
		frame = frame[:total]
		for i := off; i < total; i++ {
			frame[i] = byte(c.rng.Intn(256))
		}
		instrument.NoiseBytes(room)
	}

	sealFrame(&e.localKey, frame)
	instrument.BytesEncrypted(len(frame) - hashSize)

	st := c.transports.Send(e.session, frame, false)
	if st == transport.SendWouldBlock && priority >= ExtremePriority {
		st = c.transports.Send(e.session, frame, true)
	}
	switch st {
	case transport.SendOK:
		instrument.BytesTransmitted(len(frame))
		c.loadMon.Account(load.Upload, len(frame))
		e.sendWindow -= int64(len(frame))
		e.lastSeqSent++
		e.reserveDownstream(now, 0)
		if e.idealLimit > e.maxTransmittedLimit {
			e.maxTransmittedLimit = e.idealLimit
		} else { // age
			e.maxTransmittedLimit = (e.idealLimit + e.maxTransmittedLimit*3) / 4
		}
		c.notifySent(e, selected)
		e.freeSelectedEntries()
	case transport.SendFatal:
		c.log.Debugf("%s - session down due to transmission error", e.peer)
		c.dropTransport(e)
		return
	}
	c.expireSendBufferEntries(e, now)
}

// advertisedBandwidth is the receive limit announced on every outbound
// frame: violators see their limit shrink proportionally.
func (c *Core) advertisedBandwidth(e *Entry) uint32 {
	v := e.violations
	if v > MaxViolations {
		v = MaxViolations
	}
	return uint32(uint64(e.idealLimit) * uint64(MaxViolations-v) / MaxViolations)
}

// notifySent invokes the send-notification callbacks for every message
// part of a transmitted frame.
func (c *Core) notifySent(e *Entry, selected []*SendEntry) {
	if len(c.sendNotify) == 0 {
		return
	}
	for _, se := range selected {
		b := se.payload
		for len(b) >= MessageHeaderSize {
			size := int(binary.BigEndian.Uint16(b[0:2]))
			if size < MessageHeaderSize || size > len(b) {
				break
			}
			msg := &Message{
				Type:    binary.BigEndian.Uint16(b[2:4]),
				Payload: b[MessageHeaderSize:size],
			}
			for _, sub := range c.sendNotify {
				sub.fn(e.peer, msg)
			}
			b = b[size:]
		}
	}
}
