/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/config"
	"github.com/quiltnet/quilt/identity"
	"github.com/quiltnet/quilt/internal/load"
	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
	"github.com/quiltnet/quilt/transport/inproc"
)

const testProtocol uint16 = 1

type testNode struct {
	ident *identity.Service
	ep    *inproc.Endpoint
	mux   *transport.Mux
	mon   *load.Monitor
	cfg   *config.Config
	core  *Core
}

// newTestNode builds a full node over an in-memory transport. mtu 0
// models a streaming pipe. The core is not started; tests that need the
// worker pool call start().
func newTestNode(t *testing.T, mtu uint16) *testNode {
	t.Helper()
	ident, err := identity.New()
	require.NoError(t, err)
	cfg := config.Default()
	mon := load.NewMonitor(cfg.MaxUpBPM(), cfg.MaxDownBPM())
	ep := inproc.New(ident.ID(), ident.PublicKey(), ident.Sign, testProtocol, mtu, 10)
	mux := transport.NewMux(ident)
	mux.Register(ep)
	c := New(logging.MustGetLogger("core-test"), cfg, ident, mux, mon)
	return &testNode{ident: ident, ep: ep, mux: mux, mon: mon, cfg: cfg, core: c}
}

func (n *testNode) start(t *testing.T) {
	t.Helper()
	require.NoError(t, n.core.Start())
	t.Cleanup(n.core.Close)
}

// link wires two nodes together and teaches each the other's address
// and public key.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	inproc.Link(a.ep, b.ep)
	ha, err := a.ep.CreateHello()
	require.NoError(t, err)
	require.NoError(t, b.ident.AddHello(ha))
	hb, err := b.ep.CreateHello()
	require.NoError(t, err)
	require.NoError(t, a.ident.AddHello(hb))
}

// upEntry fabricates an established connection entry for peer inside the
// core, for tests that exercise the table, scheduler or allocator
// without a live handshake.
func (n *testNode) upEntry(t *testing.T, peer peerid.ID) *Entry {
	t.Helper()
	localKey, err := NewSessionKey()
	require.NoError(t, err)
	remoteKey, err := NewSessionKey()
	require.NoError(t, err)
	now := time.Now()
	c := n.core
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.addHost(peer, false)
	e.localKey = localKey
	e.localKeyCreated = now.Unix()
	e.remoteKey = remoteKey
	e.remoteKeyCreated = now.Unix()
	e.status = StatusUp
	e.lastAlive = now
	e.establishedAt = now
	e.lastSeqSent = 1
	e.replay.Reset()
	return e
}

func randomPeer(t *testing.T, seed string) peerid.ID {
	t.Helper()
	return peerid.FromPublicKey([]byte(seed))
}

// waitConnected polls until the core reports the peer as up.
func waitConnected(t *testing.T, c *Core, peer peerid.ID) {
	t.Helper()
	require.Eventually(t, func() bool { return c.IsConnected(peer) },
		5*time.Second, 5*time.Millisecond, "connection to %s never came up", peer)
}
