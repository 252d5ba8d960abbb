/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"time"

	"github.com/quiltnet/quilt/internal/instrument"
)

// Placement constrains where a message lands inside the assembled frame.
type Placement uint8

const (
	PlaceNone Placement = iota
	// PlaceHead puts the message before all unconstrained ones.
	PlaceHead
	// PlaceTail puts the message after all unconstrained ones.
	PlaceTail
)

// BuildFunc fills buf (of the announced length) with the message bytes.
// Returning an error drops the message.
type BuildFunc func(buf []byte) error

// SendEntry is one pending outbound message of a connection.
type SendEntry struct {
	// build is invoked once the scheduler commits to sending; nil if
	// payload is already materialized.
	build    BuildFunc
	payload  []byte
	length   uint16
	priority uint32
	// deadline is when the message was meant to leave; entries that are
	// long overdue get expired.
	deadline  time.Time
	placement Placement
	selected  bool
}

// NewSendEntry creates an eagerly-built pending message.
func NewSendEntry(payload []byte, priority uint32, deadline time.Time, placement Placement) *SendEntry {
	return &SendEntry{
		payload:   payload,
		length:    uint16(len(payload)),
		priority:  priority,
		deadline:  deadline,
		placement: placement,
	}
}

// NewDeferredSendEntry creates a pending message whose bytes are built
// only if and when it is selected for transmission.
func NewDeferredSendEntry(length uint16, build BuildFunc, priority uint32, deadline time.Time, placement Placement) *SendEntry {
	return &SendEntry{
		build:     build,
		length:    length,
		priority:  priority,
		deadline:  deadline,
		placement: placement,
	}
}

// appendToBuffer queues se on the entry, keeping the buffer sorted by
// descending priority/length ratio. Oversized messages are handed to the
// fragmentation collaborator; before the handshake completed only one
// message is held and further ones are dropped. Caller holds the core
// lock.
func (c *Core) appendToBuffer(e *Entry, se *SendEntry) {
	if se == nil || se.length == 0 {
		return
	}
	if e.mtu != 0 && int(se.length) > int(e.mtu)-FrameHeaderSize {
		// too big for this transport; fragment and hint an upgrade
		e.considerTransportSwitch = true
		if c.fragmenter != nil {
			c.fragmenter.Fragment(e.peer, int(e.mtu)-FrameHeaderSize, se.priority, se.deadline, int(se.length), se.build, se.payload)
		} else {
			instrument.MessageDropped()
		}
		return
	}
	if len(e.sendBuffer) > 0 && e.status != StatusUp {
		// no queueing before the connection is confirmed
		instrument.MessageDropped()
		return
	}
	if e.queuedBytes() >= MaxSendBufferSize {
		c.sendBufferLocked(e)
		if e.queuedBytes() >= MaxSendBufferSize {
			instrument.MessageDropped()
			return
		}
	}
	ratio := func(s *SendEntry) float64 { return float64(s.priority) / float64(s.length) }
	pos := len(e.sendBuffer)
	for i, queued := range e.sendBuffer {
		if ratio(queued) < ratio(se) {
			pos = i
			break
		}
	}
	e.sendBuffer = append(e.sendBuffer, nil)
	copy(e.sendBuffer[pos+1:], e.sendBuffer[pos:])
	e.sendBuffer[pos] = se
	c.sendBufferLocked(e)
}

// expireSendBufferEntries drops messages that are long overdue or beyond
// what the connection can plausibly transmit.
func (c *Core) expireSendBufferEntries(e *Entry, now time.Time) {
	e.lastSendAttempt = now
	expired := now.Add(-secondsPingAttempt)

	msgCap := int64(e.maxBPM) // a minute of messages
	if msgCap < ExpectedMTU {
		msgCap = ExpectedMTU
	}
	if msgCap > int64(c.maxBPMUp) {
		msgCap = int64(c.maxBPMUp)
	}
	if cpuLoad := c.loadMon.CPULoad(); cpuLoad < idleLoadThreshold {
		if cpuLoad == 0 {
			cpuLoad = 1
		}
		msgCap += int64(MaxSendBufferSize-ExpectedMTU) / int64(cpuLoad)
	}

	used := int64(0)
	kept := e.sendBuffer[:0]
	for _, se := range e.sendBuffer {
		if se.deadline.Before(expired) || used > msgCap {
			instrument.MessageDropped()
			continue
		}
		used += int64(se.length)
		kept = append(kept, se)
	}
	e.sendBuffer = kept
}

// prepareSelectedMessages materializes the payload of every selected
// entry; entries whose builder fails are dropped. Returns the number of
// messages ready for transmission.
func (e *Entry) prepareSelectedMessages() int {
	ready := 0
	kept := e.sendBuffer[:0]
	for _, se := range e.sendBuffer {
		if se.selected && se.build != nil {
			buf := make([]byte, se.length)
			if err := se.build(buf); err != nil {
				instrument.MessageDropped()
				continue
			}
			se.build = nil
			se.payload = buf
		}
		if se.selected {
			ready++
		}
		kept = append(kept, se)
	}
	e.sendBuffer = kept
	return ready
}

// permuteSendBuffer returns the selected entries in random order, then
// moves every head-constrained entry to the front and every
// tail-constrained one to the back, preserving the random order within
// each group.
func (c *Core) permuteSendBuffer(e *Entry) []*SendEntry {
	var sel []*SendEntry
	for _, se := range e.sendBuffer {
		if se.selected {
			sel = append(sel, se)
		}
	}
	c.rng.Shuffle(len(sel), func(i, j int) {
		sel[i], sel[j] = sel[j], sel[i]
	})
	if len(sel) == 0 {
		return sel
	}
	head := 0
	tail := len(sel) - 1
	for i := 0; i <= tail && i < len(sel); i++ {
		switch sel[i].placement {
		case PlaceHead:
			sel[head], sel[i] = sel[i], sel[head]
			head++
		case PlaceTail:
			sel[tail], sel[i] = sel[i], sel[tail]
			tail--
			i-- // re-examine the swapped-in entry
		}
	}
	return sel
}

// freeSelectedEntries removes transmitted (selected) entries from the
// buffer.
func (e *Entry) freeSelectedEntries() {
	kept := e.sendBuffer[:0]
	for _, se := range e.sendBuffer {
		if !se.selected {
			kept = append(kept, se)
		}
	}
	e.sendBuffer = kept
}

// fragmentIfNecessary re-checks the buffer against the (possibly changed)
// MTU and hands oversized messages to the fragmenter.
func (c *Core) fragmentIfNecessary(e *Entry) {
	if e.mtu == 0 {
		return
	}
	limit := int(e.mtu) - FrameHeaderSize
	kept := e.sendBuffer[:0]
	for _, se := range e.sendBuffer {
		if int(se.length) <= limit {
			kept = append(kept, se)
			continue
		}
		e.considerTransportSwitch = true
		if c.fragmenter != nil {
			c.fragmenter.Fragment(e.peer, limit, se.priority, se.deadline, int(se.length), se.build, se.payload)
		} else {
			instrument.MessageDropped()
		}
	}
	e.sendBuffer = kept
}
