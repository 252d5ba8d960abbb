/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiltnet/quilt/config"
	"github.com/quiltnet/quilt/peerid"
)

func TestTableSlots(t *testing.T) {
	cases := []struct {
		bpm  uint64
		want uint32
	}{
		{0, 8},               // clamped to twice the connection target
		{1000 * 60, 8},       // tiny budget
		{50000 * 60, 8},      // default budget
		{800000 * 60, 128},   // large budget
		{1 << 40, 256},       // absurd budget hits the slot ceiling
	}
	for _, tc := range cases {
		got := tableSlots(tc.bpm)
		require.Equal(t, tc.want, got, "tableSlots(%d)", tc.bpm)
		require.Zero(t, got&(got-1), "slot count must be a power of two")
	}
}

func TestLookupOrCreateReusesDownEntries(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core

	c.mu.Lock()
	defer c.mu.Unlock()

	// craft two peers that collide in the same bucket
	var p1, p2 peerid.ID
	found := false
	for i := 0; i < 10000 && !found; i++ {
		cand := peerid.FromPublicKey([]byte(fmt.Sprintf("candidate-%d", i)))
		if p1.IsZero() {
			p1 = cand
			continue
		}
		if cand.Bucket(uint32(len(c.buckets))) == p1.Bucket(uint32(len(c.buckets))) && !cand.Equal(p1) {
			p2 = cand
			found = true
		}
	}
	require.True(t, found, "no bucket collision found")

	e1 := c.addHost(p1, false)
	require.NotNil(t, e1)
	require.Same(t, e1, c.addHost(p1, false), "second lookup must return the same entry")
	require.Same(t, e1, c.lookForHost(p1))

	// a Down entry in the chain is recycled for a different peer
	e2 := c.addHost(p2, false)
	require.Same(t, e1, e2, "down entry was not reused")
	require.True(t, e2.peer.Equal(p2))
	require.Nil(t, c.lookForHost(p1), "recycled entry must no longer match the old peer")

	// but an active entry is never stolen
	e2.status = StatusUp
	e3 := c.addHost(p1, false)
	require.NotSame(t, e2, e3)
	require.Same(t, e2, c.lookForHost(p2))
}

func TestConfigChangeRehashesTable(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core

	peers := make([]peerid.ID, 20)
	for i := range peers {
		peers[i] = peerid.FromPublicKey([]byte(fmt.Sprintf("rehash-%d", i)))
		n.upEntry(t, peers[i])
	}
	oldSlots := c.SlotCount()

	require.NoError(t, n.cfg.Update("load", func(cfg *config.Config) {
		cfg.Load.MaxNetDownBPSTotal = 800000
	}))

	require.NotEqual(t, oldSlots, c.SlotCount(), "bandwidth change must resize the table")
	for _, p := range peers {
		require.True(t, c.IsConnected(p), "entry lost in rehash")
	}
	require.Equal(t, len(peers), c.CountConnected())
}

func TestForEachConnectedNode(t *testing.T) {
	n := newTestNode(t, 0)
	c := n.core

	n.upEntry(t, randomPeer(t, "iter-1"))
	n.upEntry(t, randomPeer(t, "iter-2"))
	c.mu.Lock()
	c.addHost(randomPeer(t, "iter-down"), false) // stays down
	c.mu.Unlock()

	seen := 0
	count := c.ForEachConnectedNode(func(peerid.ID) { seen++ })
	require.Equal(t, 2, seen)
	require.Equal(t, 2, count)
}
