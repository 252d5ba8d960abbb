/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package fragment splits messages that exceed the transport MTU into
// FRAGMENT parts and reassembles inbound parts into the original
// message. Incomplete reassemblies are purged after a timeout.
package fragment

import (
	"encoding/binary"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core"
	"github.com/quiltnet/quilt/peerid"
)

const (
	// headerSize prefixes each fragment payload: u32 id, u16 offset,
	// u16 total length.
	headerSize = 8

	// reassemblyTimeout drops incomplete messages.
	reassemblyTimeout = 60 * time.Second

	// maxPending bounds concurrent reassemblies per peer.
	maxPending = 16
)

// SendFunc queues one fragment for transmission.
type SendFunc func(peer peerid.ID, msg *core.Message, priority uint32, maxDelay time.Duration)

// DeliverFunc receives a fully reassembled message train.
type DeliverFunc func(peer peerid.ID, payload []byte)

type pendingKey struct {
	peer peerid.ID
	id   uint32
}

type pending struct {
	data     []byte
	have     []bool // per byte; fragments may overlap on retransmit
	haveSum  int
	started  time.Time
}

// Service implements core.Fragmenter plus the inbound reassembly side.
type Service struct {
	log     *logging.Logger
	send    SendFunc
	deliver DeliverFunc

	mu      sync.Mutex
	nextID  uint32
	pending map[pendingKey]*pending
	perPeer map[peerid.ID]int
}

// New creates a fragmentation service. send queues outbound fragments;
// deliver consumes reassembled messages.
func New(log *logging.Logger, send SendFunc, deliver DeliverFunc) *Service {
	return &Service{
		log:     log,
		send:    send,
		deliver: deliver,
		pending: make(map[pendingKey]*pending),
		perPeer: make(map[peerid.ID]int),
	}
}

// Fragment implements core.Fragmenter: the message bytes are cut into
// parts that fit the given room (payload space left after the frame
// header) and queued individually.
func (s *Service) Fragment(peer peerid.ID, room int, priority uint32, deadline time.Time, length int, build core.BuildFunc, payload []byte) {
	if build != nil {
		buf := make([]byte, length)
		if err := build(buf); err != nil {
			return
		}
		payload = buf
	}
	if len(payload) != length {
		return
	}
	chunk := room - headerSize - core.MessageHeaderSize
	if chunk <= 0 {
		s.log.Errorf("%s - transport too small to carry any fragment", peer)
		return
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	maxDelay := time.Until(deadline)
	if maxDelay < 0 {
		maxDelay = 0
	}
	// the core hands us oversized messages while holding its lock, and
	// the fragments go right back through it; queue them from a fresh
	// goroutine
	go func() {
		for off := 0; off < length; off += chunk {
			end := off + chunk
			if end > length {
				end = length
			}
			part := make([]byte, headerSize, headerSize+(end-off))
			binary.BigEndian.PutUint32(part[0:4], id)
			binary.BigEndian.PutUint16(part[4:6], uint16(off))
			binary.BigEndian.PutUint16(part[6:8], uint16(length))
			part = append(part, payload[off:end]...)
			s.send(peer, &core.Message{Type: core.MsgTypeFragment, Payload: part}, priority, maxDelay)
		}
	}()
}

// HandleFragment is the core handler for inbound FRAGMENT messages.
func (s *Service) HandleFragment(sender peerid.ID, msg *core.Message) error {
	if len(msg.Payload) <= headerSize {
		return nil // too small to carry data; ignore
	}
	id := binary.BigEndian.Uint32(msg.Payload[0:4])
	off := int(binary.BigEndian.Uint16(msg.Payload[4:6]))
	total := int(binary.BigEndian.Uint16(msg.Payload[6:8]))
	data := msg.Payload[headerSize:]
	if total == 0 || off+len(data) > total {
		return nil
	}

	var done []byte
	s.mu.Lock()
	key := pendingKey{peer: sender, id: id}
	p := s.pending[key]
	if p == nil {
		if s.perPeer[sender] >= maxPending {
			s.mu.Unlock()
			return nil
		}
		p = &pending{
			data:    make([]byte, total),
			have:    make([]bool, total),
			started: time.Now(),
		}
		s.pending[key] = p
		s.perPeer[sender]++
	}
	if len(p.data) != total {
		// conflicting total length; drop the old state
		p.data = make([]byte, total)
		p.have = make([]bool, total)
		p.haveSum = 0
	}
	copy(p.data[off:], data)
	for i := off; i < off+len(data); i++ {
		if !p.have[i] {
			p.have[i] = true
			p.haveSum++
		}
	}
	if p.haveSum == total {
		done = p.data
		delete(s.pending, key)
		s.perPeer[sender]--
	}
	s.mu.Unlock()

	if done != nil {
		s.deliver(sender, done)
	}
	return nil
}

// Purge drops reassemblies that have been incomplete for too long. Run
// it from a cron job.
func (s *Service) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-reassemblyTimeout)
	for key, p := range s.pending {
		if p.started.Before(cutoff) {
			delete(s.pending, key)
			s.perPeer[key.peer]--
			if s.perPeer[key.peer] <= 0 {
				delete(s.perPeer, key.peer)
			}
		}
	}
}
