/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package transport

import (
	"sort"
	"sync"

	"github.com/quiltnet/quilt/peerid"
)

// HelloDirectory resolves the advertisements we know for a peer.
type HelloDirectory interface {
	// Hellos returns all known advertisements for the peer.
	Hellos(peer peerid.ID) []*Hello
}

// Mux aggregates the registered transport plugins and connects to peers via
// the cheapest one that has a usable address.
type Mux struct {
	mu         sync.RWMutex
	transports []Interface
	byProtocol map[uint16]Interface
	directory  HelloDirectory
	started    bool
	recv       ReceiveFunc
}

// NewMux creates an empty multiplexer resolving peer addresses from dir.
func NewMux(dir HelloDirectory) *Mux {
	return &Mux{
		byProtocol: make(map[uint16]Interface),
		directory:  dir,
	}
}

// Register adds a transport plugin. Registration is only legal before
// Start.
func (m *Mux) Register(t Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		panic("transport: Register after Start")
	}
	m.transports = append(m.transports, t)
	sort.SliceStable(m.transports, func(i, j int) bool {
		return m.transports[i].Cost() < m.transports[j].Cost()
	})
	m.byProtocol[t.Protocol()] = t
}

// Start begins packet delivery on every registered transport.
func (m *Mux) Start(recv ReceiveFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recv = recv
	for _, t := range m.transports {
		if err := t.Start(recv); err != nil {
			for _, u := range m.transports {
				if u == t {
					break
				}
				u.Stop()
			}
			return err
		}
	}
	m.started = true
	return nil
}

// Stop shuts down all transports.
func (m *Mux) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transports {
		t.Stop()
	}
	m.started = false
}

// ConnectFreely connects to the peer over the cheapest transport with a
// verifiable advertisement. The returned session holds one reference for
// token.
func (m *Mux) ConnectFreely(peer peerid.ID, mayReuse bool, token string) (*Session, error) {
	m.mu.RLock()
	transports := append([]Interface(nil), m.transports...)
	dir := m.directory
	m.mu.RUnlock()
	if dir == nil {
		return nil, ErrNoRoute
	}
	hellos := dir.Hellos(peer)
	for _, t := range transports {
		for _, h := range hellos {
			if h.Protocol != t.Protocol() {
				continue
			}
			if err := t.VerifyHello(h); err != nil {
				continue
			}
			if s, err := t.Connect(h, mayReuse, token); err == nil {
				return s, nil
			}
		}
	}
	return nil, ErrNoRoute
}

// CreateHellos builds a fresh advertisement for every transport.
func (m *Mux) CreateHellos() []*Hello {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Hello
	for _, t := range m.transports {
		h, err := t.CreateHello()
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Send dispatches to the session's owning transport.
func (m *Mux) Send(s *Session, b []byte, important bool) SendStatus {
	return s.Owner().Send(s, b, important)
}

// SendNowTest dispatches to the session's owning transport.
func (m *Mux) SendNowTest(s *Session, size int, important bool) SendStatus {
	return s.Owner().SendNowTest(s, size, important)
}
