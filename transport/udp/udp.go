/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package udp implements the reference datagram transport. Each datagram
// carries a 64-byte sender identifier followed by the frame bytes; the
// advertised MTU accounts for that envelope.
package udp

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

const (
	// Protocol is the protocol number advertised in HELLOs.
	Protocol uint16 = 1

	// LinkMTU is the assumed path MTU for the underlying network.
	LinkMTU = 1472
	// envelopeSize is the per-datagram overhead of the sender identifier.
	envelopeSize = peerid.Size
	// Cost makes datagram pipes cheaper to set up than streams; the core
	// upgrades to a stream when fragmentation pressure appears.
	Cost = 50

	readBufferSize = 1 << 20
	dscpClass      = 0x20 // CS1, background
)

// Transport is a UDP datagram transport bound to one local port.
type Transport struct {
	log    *logging.Logger
	local  peerid.ID
	pubKey []byte
	sign   func([]byte) ([]byte, error)
	verify func(pub, data, sig []byte) bool

	mu       sync.Mutex
	conn     *net.UDPConn
	port     int
	recv     transport.ReceiveFunc
	sessions map[string]*transport.Session // by remote address
	closing  bool
	wg       sync.WaitGroup
}

// New creates a transport listening on the given UDP port (0 for any).
func New(log *logging.Logger, local peerid.ID, pubKey []byte,
	sign func([]byte) ([]byte, error),
	verify func(pub, data, sig []byte) bool, port int) *Transport {
	return &Transport{
		log:      log,
		local:    local,
		pubKey:   pubKey,
		sign:     sign,
		verify:   verify,
		port:     port,
		sessions: make(map[string]*transport.Session),
	}
}

func (t *Transport) Name() string     { return "udp" }
func (t *Transport) Protocol() uint16 { return Protocol }
func (t *Transport) MTU() uint16      { return LinkMTU - envelopeSize }
func (t *Transport) Cost() uint32     { return Cost }

func (t *Transport) Start(recv transport.ReceiveFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: t.port})
	if err != nil {
		return err
	}
	tuneSocket(conn)
	if p := ipv4.NewConn(conn); p != nil {
		// best effort; some platforms refuse TOS on unconnected sockets
		_ = p.SetTOS(dscpClass)
	}
	t.conn = conn
	t.port = conn.LocalAddr().(*net.UDPAddr).Port
	t.recv = recv
	t.closing = false
	t.wg.Add(1)
	go t.readLoop(conn)
	return nil
}

func (t *Transport) Stop() {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.conn = nil
	t.sessions = make(map[string]*transport.Session)
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
}

func (t *Transport) readLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, LinkMTU)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Errorf("udp: read: %v", err)
			continue
		}
		if n < envelopeSize {
			continue
		}
		var sender peerid.ID
		copy(sender[:], buf[:envelopeSize])
		payload := append([]byte(nil), buf[envelopeSize:n]...)

		t.mu.Lock()
		recv := t.recv
		s := t.sessions[addr.String()]
		if s == nil && !t.closing {
			s = t.newSessionLocked(sender, addr, "udp-rx")
		}
		t.mu.Unlock()
		if recv != nil && s != nil {
			recv(transport.Packet{Sender: sender, Session: s, Payload: payload})
		}
	}
}

// newSessionLocked creates and registers a session for addr; t.mu held.
func (t *Transport) newSessionLocked(peer peerid.ID, addr *net.UDPAddr, token string) *transport.Session {
	key := addr.String()
	var s *transport.Session
	s = transport.NewSession(t, peer, t.MTU(), token, func() {
		t.mu.Lock()
		delete(t.sessions, key)
		t.mu.Unlock()
		sessionAddrs.Lock()
		delete(sessionAddrs.m, s)
		sessionAddrs.Unlock()
	})
	t.sessions[key] = s
	sessionAddrs.Lock()
	sessionAddrs.m[s] = addr
	sessionAddrs.Unlock()
	return s
}

// sessionAddrs maps sessions back to their remote address.
var sessionAddrs = struct {
	sync.Mutex
	m map[*transport.Session]*net.UDPAddr
}{m: make(map[*transport.Session]*net.UDPAddr)}

func addrOf(s *transport.Session) *net.UDPAddr {
	sessionAddrs.Lock()
	defer sessionAddrs.Unlock()
	return sessionAddrs.m[s]
}

func (t *Transport) Connect(hello *transport.Hello, mayReuse bool, token string) (*transport.Session, error) {
	addr, err := net.ResolveUDPAddr("udp", string(hello.Address))
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, net.ErrClosed
	}
	if mayReuse {
		if s, ok := t.sessions[addr.String()]; ok {
			if err := s.Associate(token); err == nil {
				return s, nil
			}
		}
	}
	return t.newSessionLocked(hello.Sender, addr, token), nil
}

func (t *Transport) Send(s *transport.Session, b []byte, important bool) transport.SendStatus {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	addr := addrOf(s)
	if conn == nil || addr == nil {
		return transport.SendFatal
	}
	if len(b) > int(t.MTU()) {
		return transport.SendFatal
	}
	pkt := make([]byte, 0, envelopeSize+len(b))
	pkt = append(pkt, t.local[:]...)
	pkt = append(pkt, b...)
	if !important {
		conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.WriteToUDP(pkt, addr)
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return transport.SendWouldBlock
		}
		return transport.SendFatal
	}
	return transport.SendOK
}

func (t *Transport) SendNowTest(s *transport.Session, size int, important bool) transport.SendStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || addrOf(s) == nil {
		return transport.SendFatal
	}
	if size > int(t.MTU()) {
		return transport.SendFatal
	}
	// datagram sockets rarely push back; the per-peer send window is the
	// real pacing mechanism
	return transport.SendOK
}

func (t *Transport) CreateHello() (*transport.Hello, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	h := &transport.Hello{
		PublicKey: t.pubKey,
		Sender:    t.local,
		Expires:   time.Now().Add(transport.MaxHelloExpires),
		Protocol:  Protocol,
		MTU:       t.MTU(),
		Address:   []byte((&net.UDPAddr{IP: net.IPv4zero, Port: port}).String()),
	}
	if err := h.Sign(t.sign); err != nil {
		return nil, err
	}
	return h, nil
}

func (t *Transport) VerifyHello(h *transport.Hello) error {
	if _, err := net.ResolveUDPAddr("udp", string(h.Address)); err != nil {
		return err
	}
	return h.Verify(time.Now(), t.verify)
}
