/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/quiltnet/quilt/internal/instrument"
	"github.com/quiltnet/quilt/internal/load"
	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

/* Inbound path
 *
 * Transport callbacks enqueue into a bounded queue; a small worker pool
 * validates framing, decrypts, checks the replay window and demultiplexes
 * the embedded messages to the registered handlers. A full queue drops
 * the packet.
 */

const (
	tokenCore     = "core"
	tokenDispatch = "core-dispatch"
)

var (
	errMalformedFrame = errors.New("core: malformed frame")
	errNoSessionKey   = errors.New("core: no session key for sender")
	errReplayOrStale  = errors.New("core: replayed or stale frame")
)

// Handler processes one embedded message of a decrypted frame. Returning
// an error aborts processing of the remaining messages in the same frame.
type Handler func(sender peerid.ID, msg *Message) error

// PlaintextHandler processes one embedded message of a plaintext frame.
type PlaintextHandler func(sender peerid.ID, msg *Message, session *transport.Session) error

// HandlerID identifies a registration for later removal.
type HandlerID uint64

type handlerReg struct {
	id HandlerID
	fn Handler
}

type plaintextReg struct {
	id HandlerID
	fn PlaintextHandler
}

// RegisterHandler adds a handler for encrypted messages of the given
// type. Registration is only legal while the worker pool is stopped.
func (c *Core) RegisterHandler(typ uint16, fn Handler) (HandlerID, error) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.workersRunning.Load() {
		return 0, errors.New("core: handler registration while workers are running")
	}
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[typ] = append(c.handlers[typ], handlerReg{id: id, fn: fn})
	return id, nil
}

// UnregisterHandler removes a previously registered encrypted handler.
func (c *Core) UnregisterHandler(typ uint16, id HandlerID) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.workersRunning.Load() {
		return errors.New("core: handler removal while workers are running")
	}
	regs := c.handlers[typ]
	for i, r := range regs {
		if r.id == id {
			c.handlers[typ] = append(regs[:i:i], regs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("core: no handler %d for type %d", id, typ)
}

// RegisterPlaintextHandler adds a handler for plaintext messages of the
// given type. Registration is only legal while the worker pool is
// stopped.
func (c *Core) RegisterPlaintextHandler(typ uint16, fn PlaintextHandler) (HandlerID, error) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.workersRunning.Load() {
		return 0, errors.New("core: handler registration while workers are running")
	}
	c.nextHandlerID++
	id := c.nextHandlerID
	c.plaintextHandlers[typ] = append(c.plaintextHandlers[typ], plaintextReg{id: id, fn: fn})
	return id, nil
}

// UnregisterPlaintextHandler removes a previously registered plaintext
// handler.
func (c *Core) UnregisterPlaintextHandler(typ uint16, id HandlerID) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.workersRunning.Load() {
		return errors.New("core: handler removal while workers are running")
	}
	regs := c.plaintextHandlers[typ]
	for i, r := range regs {
		if r.id == id {
			c.plaintextHandlers[typ] = append(regs[:i:i], regs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("core: no plaintext handler %d for type %d", id, typ)
}

// Receive accepts a packet from a transport. It only enqueues; dispatch
// happens on the worker pool. Blacklisted senders and overflow are
// dropped here.
func (c *Core) Receive(pkt transport.Packet) {
	if c.closed.Load() {
		instrument.PacketDiscarded()
		return
	}
	if c.identity.IsBlacklisted(pkt.Sender, true) {
		instrument.PacketBlacklisted()
		return
	}
	if pkt.Session != nil {
		if err := pkt.Session.Associate(tokenDispatch); err != nil {
			pkt.Session = nil
		}
	}
	select {
	case c.queue <- pkt:
	default:
		if pkt.Session != nil {
			pkt.Session.Disconnect(tokenDispatch)
		}
		instrument.PacketDiscarded()
	}
}

func (c *Core) worker() {
	defer c.workers.Done()
	for {
		select {
		case <-c.stop:
			return
		case pkt := <-c.queue:
			c.handlePacket(pkt)
		}
	}
}

func (c *Core) handlePacket(pkt transport.Packet) {
	if pkt.Session != nil {
		defer pkt.Session.Disconnect(tokenDispatch)
	}
	encrypted, err := c.checkHeader(pkt.Sender, pkt.Payload)
	if err != nil {
		return
	}
	if encrypted && pkt.Session != nil {
		c.considerTakeover(pkt.Sender, pkt.Session)
	}
	c.injectMessage(pkt.Sender, pkt.Payload[FrameHeaderSize:], encrypted, pkt.Session)
}

// checkHeader validates the frame header, decrypts the frame in place if
// it is encrypted, checks sequence number and timestamp, and applies the
// peer's bandwidth advertisement. It reports whether the frame was
// encrypted.
func (c *Core) checkHeader(sender peerid.ID, frame []byte) (bool, error) {
	if len(frame) < FrameHeaderSize {
		return false, errMalformedFrame
	}
	instrument.BytesReceived(len(frame))
	c.loadMon.Account(load.Download, len(frame))

	if isPlaintextFrame(frame) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(sender)
	if e == nil || e.status == StatusDown || e.status == StatusSetKeySent {
		// no key to decrypt with; try to establish a session so the
		// sender stops wasting both our bandwidths
		if e == nil || e.status == StatusDown {
			c.addHost(sender, true)
		}
		return false, errNoSessionKey
	}
	if !openFrame(&e.remoteKey, frame) {
		c.log.Debugf("%s - undecryptable frame, forcing fresh handshake", sender)
		c.addHost(sender, true)
		return false, errNoSessionKey
	}
	instrument.BytesDecrypted(len(frame) - hashSize)

	seq := binary.BigEndian.Uint32(frame[hashSize:])
	if !e.replay.ValidateCounter(seq) {
		return false, errReplayOrStale
	}
	stamp := int64(binary.BigEndian.Uint32(frame[hashSize+4:]))
	if time.Unix(stamp, 0).Add(24 * time.Hour).Before(time.Now()) {
		return false, errReplayOrStale
	}

	now := time.Now()
	e.maxBPM = binary.BigEndian.Uint32(frame[hashSize+8:])
	e.clampSendWindow(now)
	e.recentlyReceived += int64(len(frame))
	return true, nil
}

// InjectMessages dispatches already-decoded message bytes as if they had
// arrived from the peer on the encrypted channel. The fragmentation
// collaborator feeds reassembled messages back through this.
func (c *Core) InjectMessages(sender peerid.ID, payload []byte) {
	c.injectMessage(sender, payload, true, nil)
}

// injectMessage walks the embedded messages of a decoded frame and
// dispatches each to the handler chain of its type. A handler error
// aborts the rest of the frame.
func (c *Core) injectMessage(sender peerid.ID, payload []byte, encrypted bool, session *transport.Session) {
	pos := 0
	for pos+MessageHeaderSize <= len(payload) {
		size := int(binary.BigEndian.Uint16(payload[pos:]))
		typ := binary.BigEndian.Uint16(payload[pos+2:])
		if size < MessageHeaderSize || pos+size > len(payload) {
			c.log.Warningf("%s - corrupt message part, rest of frame dropped", sender)
			return
		}
		msg := &Message{Type: typ, Payload: payload[pos+MessageHeaderSize : pos+size]}
		pos += size

		if typ == MsgTypeNoise {
			continue
		}
		if encrypted {
			for _, reg := range c.handlers[typ] {
				if err := reg.fn(sender, msg); err != nil {
					c.log.Debugf("%s - handler aborted frame after type %d: %v", sender, typ, err)
					return
				}
			}
		} else {
			for _, reg := range c.plaintextHandlers[typ] {
				if err := reg.fn(sender, msg, session); err != nil {
					c.log.Debugf("%s - plaintext handler aborted frame after type %d: %v", sender, typ, err)
					return
				}
			}
		}
	}
}

// considerTakeover adopts the session an encrypted frame arrived on if it
// is cheaper than the current one, or if it is a streaming session while
// fragmentation pressure suggested switching.
func (c *Core) considerTakeover(sender peerid.ID, s *transport.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.addHost(sender, false)
	currentCost := ^uint32(0)
	if e.session != nil {
		currentCost = e.session.Owner().Cost()
	}
	better := s.Owner().Cost() < currentCost ||
		(e.considerTransportSwitch && s.MTU() == 0)
	if !better || e.session == s {
		return
	}
	if err := s.Associate(tokenCore); err != nil {
		return
	}
	if old := e.session; old != nil {
		e.session = nil
		old.Disconnect(tokenCore)
	}
	e.session = s
	e.mtu = s.MTU()
	if e.considerTransportSwitch && s.MTU() == 0 {
		e.considerTransportSwitch = false
		instrument.TransportSwitch()
	}
	c.fragmentIfNecessary(e)
}
