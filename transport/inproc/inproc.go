/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package inproc provides a paired in-memory transport. Two linked
// endpoints deliver each other's sends synchronously on the caller's
// goroutine, which makes it the loopback transport of choice for tests and
// single-process deployments. The MTU is configurable; 0 models a
// streaming pipe.
package inproc

import (
	"errors"
	"sync"
	"time"

	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

// Endpoint is one side of an in-memory transport mesh.
type Endpoint struct {
	local  peerid.ID
	pubKey []byte
	sign   func([]byte) ([]byte, error)
	proto  uint16
	mtu    uint16
	cost   uint32

	mu       sync.Mutex
	peers    map[peerid.ID]*Endpoint
	sessions map[peerid.ID]*transport.Session
	recv     transport.ReceiveFunc
	started  bool

	// test hooks
	capture    func(b []byte) bool // swallow outbound bytes when true
	wouldBlock bool
	fatal      bool
}

// New creates an endpoint for the given local identity. sign is used to
// sign HELLOs; mtu 0 makes the pipe streaming.
func New(local peerid.ID, pubKey []byte, sign func([]byte) ([]byte, error), proto, mtu uint16, cost uint32) *Endpoint {
	return &Endpoint{
		local:    local,
		pubKey:   pubKey,
		sign:     sign,
		proto:    proto,
		mtu:      mtu,
		cost:     cost,
		peers:    make(map[peerid.ID]*Endpoint),
		sessions: make(map[peerid.ID]*transport.Session),
	}
}

// Link makes a and b mutually reachable.
func Link(a, b *Endpoint) {
	a.mu.Lock()
	a.peers[b.local] = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peers[a.local] = a
	b.mu.Unlock()
}

// LocalID returns the identity this endpoint transmits as.
func (e *Endpoint) LocalID() peerid.ID { return e.local }

func (e *Endpoint) Name() string     { return "inproc" }
func (e *Endpoint) Protocol() uint16 { return e.proto }
func (e *Endpoint) MTU() uint16      { return e.mtu }
func (e *Endpoint) Cost() uint32     { return e.cost }

func (e *Endpoint) Start(recv transport.ReceiveFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = recv
	e.started = true
	return nil
}

func (e *Endpoint) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.recv = nil
	e.sessions = make(map[peerid.ID]*transport.Session)
}

// session returns the handle representing the pipe to peer, creating it on
// first use.
func (e *Endpoint) session(peer peerid.ID, token string) (*transport.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.peers[peer]; !ok {
		return nil, transport.ErrNoRoute
	}
	if s, ok := e.sessions[peer]; ok {
		if err := s.Associate(token); err == nil {
			return s, nil
		}
	}
	s := transport.NewSession(e, peer, e.mtu, token, func() {
		e.mu.Lock()
		delete(e.sessions, peer)
		e.mu.Unlock()
	})
	e.sessions[peer] = s
	return s, nil
}

// Connect always reuses: an in-memory pipe is shared by nature.
func (e *Endpoint) Connect(hello *transport.Hello, _ bool, token string) (*transport.Session, error) {
	return e.session(hello.Sender, token)
}

func (e *Endpoint) Send(s *transport.Session, b []byte, important bool) transport.SendStatus {
	e.mu.Lock()
	if e.fatal {
		e.mu.Unlock()
		return transport.SendFatal
	}
	if e.wouldBlock && !important {
		e.mu.Unlock()
		return transport.SendWouldBlock
	}
	if e.mtu != 0 && len(b) > int(e.mtu) {
		e.mu.Unlock()
		return transport.SendFatal
	}
	capture := e.capture
	peer := e.peers[s.Peer()]
	e.mu.Unlock()

	out := append([]byte(nil), b...)
	if capture != nil && capture(out) {
		return transport.SendOK
	}
	if peer == nil {
		return transport.SendFatal
	}
	peer.deliver(e.local, out)
	return transport.SendOK
}

func (e *Endpoint) deliver(from peerid.ID, b []byte) {
	e.mu.Lock()
	recv := e.recv
	e.mu.Unlock()
	if recv == nil {
		return
	}
	s, err := e.session(from, "inproc-rx")
	if err != nil {
		return
	}
	recv(transport.Packet{Sender: from, Session: s, Payload: b})
}

func (e *Endpoint) SendNowTest(s *transport.Session, size int, important bool) transport.SendStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal {
		return transport.SendFatal
	}
	if e.wouldBlock && !important {
		return transport.SendWouldBlock
	}
	return transport.SendOK
}

func (e *Endpoint) CreateHello() (*transport.Hello, error) {
	h := &transport.Hello{
		PublicKey: e.pubKey,
		Sender:    e.local,
		Expires:   time.Now().Add(time.Hour),
		Protocol:  e.proto,
		MTU:       e.mtu,
		Address:   []byte("inproc"),
	}
	if e.sign == nil {
		return nil, errors.New("inproc: no signer")
	}
	if err := h.Sign(e.sign); err != nil {
		return nil, err
	}
	return h, nil
}

func (e *Endpoint) VerifyHello(h *transport.Hello) error {
	// reachability is what matters for an in-memory pipe
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.peers[h.Sender]; !ok {
		return transport.ErrNoRoute
	}
	return nil
}

// SetCapture installs a hook observing outbound bytes; returning true
// swallows the packet instead of delivering it.
func (e *Endpoint) SetCapture(fn func(b []byte) bool) {
	e.mu.Lock()
	e.capture = fn
	e.mu.Unlock()
}

// SetWouldBlock makes non-important sends report SendWouldBlock.
func (e *Endpoint) SetWouldBlock(v bool) {
	e.mu.Lock()
	e.wouldBlock = v
	e.mu.Unlock()
}

// SetFatal makes all sends report SendFatal.
func (e *Endpoint) SetFatal(v bool) {
	e.mu.Lock()
	e.fatal = v
	e.mu.Unlock()
}
