/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package fragment

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/core"
	"github.com/quiltnet/quilt/peerid"
)

type harness struct {
	svc *Service

	mu        sync.Mutex
	sent      []*core.Message
	delivered [][]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.svc = New(logging.MustGetLogger("fragment-test"),
		func(_ peerid.ID, msg *core.Message, _ uint32, _ time.Duration) {
			h.mu.Lock()
			h.sent = append(h.sent, msg)
			h.mu.Unlock()
		},
		func(_ peerid.ID, payload []byte) {
			h.mu.Lock()
			h.delivered = append(h.delivered, payload)
			h.mu.Unlock()
		})
	return h
}

// waitSent blocks until the asynchronous fragmenting produced n parts.
func (h *harness) waitSent(t *testing.T, n int) []*core.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.sent) >= n
	}, time.Second, time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.sent, n)
	return append([]*core.Message(nil), h.sent...)
}

func (h *harness) deliveries() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.delivered...)
}

func fragmentCount(length, room int) int {
	chunk := room - headerSize - core.MessageHeaderSize
	return (length + chunk - 1) / chunk
}

func TestFragmentRoundtrip(t *testing.T) {
	h := newHarness(t)
	peer := peerid.FromPublicKey([]byte("fragmented peer"))
	const room = 1400 - 76

	payload := make([]byte, 9000)
	rand.New(rand.NewSource(1)).Read(payload)
	h.svc.Fragment(peer, room, 5, time.Now().Add(time.Minute), len(payload), nil, payload)
	sent := h.waitSent(t, fragmentCount(len(payload), room))

	for _, m := range sent {
		require.Equal(t, core.MsgTypeFragment, m.Type)
		require.LessOrEqual(t, core.MessageHeaderSize+len(m.Payload), room)
	}

	// shuffle delivery order; reassembly must not care
	order := rand.New(rand.NewSource(2)).Perm(len(sent))
	for _, i := range order {
		require.NoError(t, h.svc.HandleFragment(peer, sent[i]))
	}
	got := h.deliveries()
	require.Len(t, got, 1)
	require.Equal(t, payload, got[0])
}

func TestFragmentDeferredBuilder(t *testing.T) {
	h := newHarness(t)
	peer := peerid.FromPublicKey([]byte("deferred peer"))

	build := func(buf []byte) error {
		for i := range buf {
			buf[i] = byte(i)
		}
		return nil
	}
	h.svc.Fragment(peer, 500, 1, time.Now().Add(time.Minute), 2000, build, nil)
	sent := h.waitSent(t, fragmentCount(2000, 500))

	for _, m := range sent {
		require.NoError(t, h.svc.HandleFragment(peer, m))
	}
	got := h.deliveries()
	require.Len(t, got, 1)
	require.Len(t, got[0], 2000)
	require.Equal(t, byte(42), got[0][42])
}

func TestFragmentDuplicatesIgnored(t *testing.T) {
	h := newHarness(t)
	peer := peerid.FromPublicKey([]byte("dup peer"))

	payload := make([]byte, 3000)
	h.svc.Fragment(peer, 1000, 1, time.Now().Add(time.Minute), len(payload), nil, payload)
	sent := h.waitSent(t, fragmentCount(len(payload), 1000))

	// deliver the first fragment twice, then the rest
	require.NoError(t, h.svc.HandleFragment(peer, sent[0]))
	require.NoError(t, h.svc.HandleFragment(peer, sent[0]))
	for _, m := range sent[1:] {
		require.NoError(t, h.svc.HandleFragment(peer, m))
	}
	require.Len(t, h.deliveries(), 1, "duplicates must not produce extra deliveries")
}

func TestPurgeDropsStaleReassemblies(t *testing.T) {
	h := newHarness(t)
	peer := peerid.FromPublicKey([]byte("stale peer"))

	payload := make([]byte, 3000)
	h.svc.Fragment(peer, 1000, 1, time.Now().Add(time.Minute), len(payload), nil, payload)
	sent := h.waitSent(t, fragmentCount(len(payload), 1000))
	require.NoError(t, h.svc.HandleFragment(peer, sent[0]))

	// age the pending reassembly past the timeout
	h.svc.mu.Lock()
	for _, p := range h.svc.pending {
		p.started = time.Now().Add(-2 * reassemblyTimeout)
	}
	h.svc.mu.Unlock()
	h.svc.Purge()

	// remaining fragments start a new, incomplete reassembly
	for _, m := range sent[1:] {
		require.NoError(t, h.svc.HandleFragment(peer, m))
	}
	require.Empty(t, h.deliveries(), "stale reassembly must not complete")
}
