/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package transport defines the byte-pipe contract every transport plugin
// satisfies, the reference-counted session handle shared by the core's
// senders and receivers, and the signed HELLO advertisement format.
package transport

import (
	"errors"
	"sync"

	"github.com/quiltnet/quilt/peerid"
)

// SendStatus is the outcome of handing bytes to a transport.
type SendStatus int

const (
	// SendOK means the transport accepted the bytes.
	SendOK SendStatus = iota
	// SendWouldBlock means the transport buffer is full; retry later.
	SendWouldBlock
	// SendFatal means the session is unusable and must be torn down.
	SendFatal
)

// Packet is one unit of bytes delivered by a transport.
type Packet struct {
	Sender  peerid.ID
	Session *Session
	Payload []byte
}

// ReceiveFunc accepts inbound packets from a transport. Implementations
// must only enqueue; dispatch happens on the core's worker pool.
type ReceiveFunc func(Packet)

// Interface is the contract of a transport plugin.
type Interface interface {
	// Name identifies the plugin ("udp", "inproc", ...).
	Name() string
	// Protocol is the stable protocol number carried in HELLOs.
	Protocol() uint16
	// MTU returns the maximum payload per Send, 0 for streaming pipes.
	MTU() uint16
	// Cost returns the relative cost of this transport; lower is preferred.
	Cost() uint32
	// Connect opens a session to the peer advertised by hello. With
	// mayReuse an existing session to the same peer may be returned (with
	// its reference count already incremented by token).
	Connect(hello *Hello, mayReuse bool, token string) (*Session, error)
	// Send transmits b on the session. With important set the transport
	// may block briefly instead of reporting SendWouldBlock.
	Send(s *Session, b []byte, important bool) SendStatus
	// SendNowTest reports whether a Send of the given size would be
	// accepted right now, without transmitting anything.
	SendNowTest(s *Session, size int, important bool) SendStatus
	// CreateHello builds a signed advertisement for this transport's
	// local address.
	CreateHello() (*Hello, error)
	// VerifyHello validates a peer advertisement for this transport.
	VerifyHello(h *Hello) error
	// Start begins delivering inbound packets to recv.
	Start(recv ReceiveFunc) error
	// Stop ceases delivery and closes the local endpoint.
	Stop()
}

var (
	// ErrNoRoute is returned when no transport can reach a peer.
	ErrNoRoute = errors.New("transport: no usable address for peer")
	// ErrSessionClosed is returned when associating with a dead session.
	ErrSessionClosed = errors.New("transport: session closed")
)

// Session is a handle to one transport connection. It is shared by several
// logical users (dispatcher, send path, keep-alive); each holds a reference
// under its own token and the connection is torn down when the last
// reference is dropped.
type Session struct {
	peer  peerid.ID
	owner Interface
	mtu   uint16

	mu     sync.Mutex
	refs   map[string]int
	closed bool
	close  func()
}

// NewSession is used by transport implementations to create a session
// handle with one reference already held for token.
func NewSession(owner Interface, peer peerid.ID, mtu uint16, token string, close func()) *Session {
	return &Session{
		peer:  peer,
		owner: owner,
		mtu:   mtu,
		refs:  map[string]int{token: 1},
		close: close,
	}
}

// Peer returns the identity of the remote side.
func (s *Session) Peer() peerid.ID { return s.peer }

// MTU returns the session's transmission unit, 0 for streaming.
func (s *Session) MTU() uint16 { return s.mtu }

// Owner returns the transport the session belongs to.
func (s *Session) Owner() Interface { return s.owner }

// Associate takes an additional reference on the session for token.
func (s *Session) Associate(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.refs[token]++
	return nil
}

// Associated reports whether token currently holds a reference.
func (s *Session) Associated(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[token] > 0
}

// Disconnect drops token's reference. The last reference closes the
// underlying connection.
func (s *Session) Disconnect(token string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if n := s.refs[token]; n > 1 {
		s.refs[token] = n - 1
	} else {
		delete(s.refs, token)
	}
	if len(s.refs) > 0 {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close := s.close
	s.mu.Unlock()
	if close != nil {
		close()
	}
}
