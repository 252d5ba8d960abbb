/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package core maintains the node's encrypted peer sessions: the
// connection table, the SETKEY/PING/PONG handshake, the knapsack-based
// outbound scheduler and the inbound bandwidth allocator.
package core

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"github.com/quiltnet/quilt/config"
	"github.com/quiltnet/quilt/cron"
	"github.com/quiltnet/quilt/internal/load"
	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

// Identity is the keystore collaborator.
type Identity interface {
	ID() peerid.ID
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
	VerifyPeerSignature(peer peerid.ID, data, sig []byte) error
	VerifyRaw(pubDER, data, sig []byte) bool
	EncryptSessionKeyFor(peer peerid.ID, key []byte) ([]byte, error)
	DecryptSessionKey(ct []byte) ([]byte, error)
	AddHello(h *transport.Hello) error
	Blacklist(peer peerid.ID, d time.Duration, strict bool)
	IsBlacklisted(peer peerid.ID, strictOnly bool) bool
	Whitelist(peer peerid.ID)
}

// Topology is the connection-policy collaborator.
type Topology interface {
	AllowConnection(peer peerid.ID) bool
	CountGuardedConnections() int
	IsConnectionGuarded(peer peerid.ID) bool
}

// Fragmenter receives messages too large for the current transport.
type Fragmenter interface {
	Fragment(peer peerid.ID, mtu int, priority uint32, deadline time.Time, length int, build BuildFunc, payload []byte)
}

// SendCallbackFunc fills residual frame space with content. It returns
// the number of bytes written into buf.
type SendCallbackFunc func(peer peerid.ID, buf []byte) int

type sendCallback struct {
	id             uint64
	minimumPadding uint32
	priority       uint32
	fn             SendCallbackFunc
}

type sendNotifyReg struct {
	id uint64
	fn func(peer peerid.ID, msg *Message)
}

type disconnectReg struct {
	id uint64
	fn func(peer peerid.ID)
}

// Core owns the connection table and everything attached to it.
type Core struct {
	log        *logging.Logger
	cfg        *config.Config
	identity   Identity
	topology   Topology
	fragmenter Fragmenter
	transports *transport.Mux
	loadMon    *load.Monitor
	cron       *cron.Manager

	mu               sync.Mutex
	buckets          []*Entry
	maxBPM           uint64
	maxBPMUp         uint64
	paddingDisabled  bool
	rng              *rand.Rand
	lastAllocRound   time.Time
	pendingConnects  map[peerid.ID]struct{}
	sendCallbacks    []*sendCallback
	sendNotify       []sendNotifyReg
	disconnectSubs   []disconnectReg
	nextRegID        uint64

	// defer tiny stream frames unless rng.Intn(denominator) == 0
	smallFrameSendDenominator int

	handlerMu         sync.Mutex
	handlers          map[uint16][]handlerReg
	plaintextHandlers map[uint16][]plaintextReg
	nextHandlerID     HandlerID
	workersRunning    atomic.Bool

	queue   chan transport.Packet
	stop    chan struct{}
	workers sync.WaitGroup
	closed  atomic.Bool

	pings          *pingTable
	connectLimiter *rate.Limiter
}

// New assembles a core around its collaborators. Start must be called
// before any traffic flows.
func New(log *logging.Logger, cfg *config.Config, ident Identity, mux *transport.Mux, mon *load.Monitor) *Core {
	c := &Core{
		log:                       log,
		cfg:                       cfg,
		identity:                  ident,
		transports:                mux,
		loadMon:                   mon,
		cron:                      cron.NewManager(),
		rng:                       rand.New(rand.NewSource(time.Now().UnixNano())),
		pendingConnects:           make(map[peerid.ID]struct{}),
		smallFrameSendDenominator: 16,
		handlers:                  make(map[uint16][]handlerReg),
		plaintextHandlers:         make(map[uint16][]plaintextReg),
		queue:                     make(chan transport.Packet, cfg.Daemon.InboundQueue),
		stop:                      make(chan struct{}),
		pings:                     newPingTable(),
		// undecryptable traffic may force handshakes; don't let it
		// force too many
		connectLimiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 50),
	}
	c.maxBPM = cfg.MaxDownBPM()
	c.maxBPMUp = cfg.MaxUpBPM()
	c.paddingDisabled = !cfg.Experimental.Padding
	c.buckets = make([]*Entry, tableSlots(c.maxBPM))
	cfg.Subscribe("load", c.onConfigChange)
	cfg.Subscribe("gnunetd_experimental", c.onConfigChange)
	return c
}

// SetTopology installs the connection-policy collaborator.
func (c *Core) SetTopology(t Topology) { c.topology = t }

// SetFragmenter installs the fragmentation collaborator.
func (c *Core) SetFragmenter(f Fragmenter) { c.fragmenter = f }

// onConfigChange reacts to bandwidth budget updates by resizing and
// rehashing the connection table. Message handlers never observe a
// partial table; the rehash happens under the core lock.
func (c *Core) onConfigChange(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingDisabled = !cfg.Experimental.Padding
	newBPM := cfg.MaxDownBPM()
	c.maxBPMUp = cfg.MaxUpBPM()
	c.loadMon.SetBudget(load.Download, newBPM)
	c.loadMon.SetBudget(load.Upload, c.maxBPMUp)
	if newBPM == c.maxBPM {
		return
	}
	c.maxBPM = newBPM
	if slots := tableSlots(c.maxBPM); slots != uint32(len(c.buckets)) {
		c.rehash(slots)
	}
}

// Start registers the protocol handlers, launches the dispatch workers
// and the periodic jobs, and begins accepting transport traffic.
func (c *Core) Start() error {
	if _, err := c.RegisterHandler(MsgTypeHangup, c.handleHangup); err != nil {
		return err
	}
	if _, err := c.RegisterHandler(MsgTypePing, c.handlePing); err != nil {
		return err
	}
	if _, err := c.RegisterHandler(MsgTypePong, c.handlePong); err != nil {
		return err
	}
	if _, err := c.RegisterHandler(MsgTypeSetKey, c.handleSetKeyUpdate); err != nil {
		return err
	}
	if _, err := c.RegisterPlaintextHandler(MsgTypeSetKey, c.handleSetKey); err != nil {
		return err
	}
	if _, err := c.RegisterPlaintextHandler(MsgTypePing, c.handlePlaintextPing); err != nil {
		return err
	}
	if _, err := c.RegisterPlaintextHandler(MsgTypePong, c.handlePlaintextPong); err != nil {
		return err
	}
	if _, err := c.RegisterPlaintextHandler(MsgTypeHello, c.handleHello); err != nil {
		return err
	}

	c.workersRunning.Store(true)
	for i := 0; i < c.cfg.Daemon.Dispatchers; i++ {
		c.workers.Add(1)
		go c.worker()
	}
	c.cron.AddJob(livenessInterval, livenessInterval, c.cronDecreaseLiveness)
	c.cron.AddJob(time.Second, time.Second, c.pings.expire)
	return c.transports.Start(c.Receive)
}

// Close shuts the core down: no new work is accepted, the inbound queue
// drains, cron jobs stop, and every connection is closed with a
// best-effort HANGUP.
func (c *Core) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cron.Stop()

	// drain whatever the workers have not picked up yet
	close(c.stop)
	c.workers.Wait()
	for {
		select {
		case pkt := <-c.queue:
			if pkt.Session != nil {
				pkt.Session.Disconnect(tokenDispatch)
			}
		default:
			goto drained
		}
	}
drained:
	c.workersRunning.Store(false)

	c.mu.Lock()
	for _, head := range c.buckets {
		for e := head; e != nil; e = e.overflowNext {
			c.shutdownConnection(e)
		}
	}
	c.buckets = make([]*Entry, len(c.buckets))
	c.mu.Unlock()

	c.transports.Stop()
	c.log.Info("core closed")
}

/* ------------------------- outbound API ------------------------- */

// Unicast queues an encrypted message for a peer. A nil message only
// asks the core to establish a session.
func (c *Core) Unicast(receiver peerid.ID, msg *Message, importance uint32, maxDelay time.Duration) {
	if msg == nil {
		go c.TryConnect(receiver)
		return
	}
	payload := msg.Encode()
	c.UnicastCallback(receiver, uint16(len(payload)), nil, payload, importance, maxDelay)
}

// UnicastCallback queues a message whose bytes are produced on demand
// (build) or are already available (payload).
func (c *Core) UnicastCallback(receiver peerid.ID, length uint16, build BuildFunc, payload []byte, importance uint32, maxDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.addHost(receiver, true)
	if e.status == StatusDown {
		// no confirmed channel yet; the handshake will trigger a resend
		// from the caller if it cares
		return
	}
	var se *SendEntry
	deadline := time.Now().Add(maxDelay)
	if build != nil {
		se = NewDeferredSendEntry(length, build, importance, deadline, PlaceNone)
	} else {
		se = NewSendEntry(payload, importance, deadline, PlaceNone)
	}
	c.appendToBuffer(e, se)
}

// SendPlaintext transmits messages over a session without encryption,
// sequence numbers or bandwidth accounting. Only the session
// establishment path uses this.
func (c *Core) SendPlaintext(s *transport.Session, msgs []byte) error {
	if s.MTU() != 0 && len(msgs)+FrameHeaderSize > int(s.MTU()) {
		return errors.New("core: plaintext message exceeds session MTU")
	}
	frame := buildPlaintextFrame(msgs)
	switch c.transports.Send(s, frame, true) {
	case transport.SendOK:
		return nil
	case transport.SendWouldBlock:
		return errors.New("core: transport busy")
	default:
		return errors.New("core: transport failed")
	}
}

// DisconnectFromPeer shuts down the connection to a peer at the
// application's request.
func (c *Core) DisconnectFromPeer(peer peerid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(peer)
	if e == nil {
		return
	}
	c.identity.Blacklist(peer, blacklistAfterDisconnect, true)
	c.shutdownConnection(e)
}

/* ---------------------- registration surface --------------------- */

// RegisterSendCallback asks to be polled for content whenever an
// outbound frame has at least minimumPadding bytes of room left.
// Callbacks are polled in descending priority order.
func (c *Core) RegisterSendCallback(minimumPadding, priority uint32, fn SendCallbackFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRegID++
	scb := &sendCallback{id: c.nextRegID, minimumPadding: minimumPadding, priority: priority, fn: fn}
	pos := len(c.sendCallbacks)
	for i, other := range c.sendCallbacks {
		if other.priority < priority {
			pos = i
			break
		}
	}
	c.sendCallbacks = append(c.sendCallbacks, nil)
	copy(c.sendCallbacks[pos+1:], c.sendCallbacks[pos:])
	c.sendCallbacks[pos] = scb
	return scb.id
}

// UnregisterSendCallback removes a send callback by its id.
func (c *Core) UnregisterSendCallback(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, scb := range c.sendCallbacks {
		if scb.id == id {
			c.sendCallbacks = append(c.sendCallbacks[:i:i], c.sendCallbacks[i+1:]...)
			return true
		}
	}
	return false
}

// RegisterSendNotify invokes fn for every message part that leaves the
// peer.
func (c *Core) RegisterSendNotify(fn func(peer peerid.ID, msg *Message)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRegID++
	c.sendNotify = append(c.sendNotify, sendNotifyReg{id: c.nextRegID, fn: fn})
	return c.nextRegID
}

// UnregisterSendNotify removes a send-notification callback.
func (c *Core) UnregisterSendNotify(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.sendNotify {
		if reg.id == id {
			c.sendNotify = append(c.sendNotify[:i:i], c.sendNotify[i+1:]...)
			return true
		}
	}
	return false
}

// SubscribeDisconnect invokes fn whenever a peer's connection goes down.
func (c *Core) SubscribeDisconnect(fn func(peer peerid.ID)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRegID++
	c.disconnectSubs = append(c.disconnectSubs, disconnectReg{id: c.nextRegID, fn: fn})
	return c.nextRegID
}

// UnsubscribeDisconnect removes a disconnect subscriber.
func (c *Core) UnsubscribeDisconnect(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.disconnectSubs {
		if reg.id == id {
			c.disconnectSubs = append(c.disconnectSubs[:i:i], c.disconnectSubs[i+1:]...)
			return true
		}
	}
	return false
}

/* --------------------- session-key plumbing ---------------------- */

// AssignSessionKey installs key material for a peer, creating a table
// entry if needed. forSending selects the outbound (local) key; the
// inbound key resets the replay window when it actually changes.
func (c *Core) AssignSessionKey(key SessionKey, peer peerid.ID, created int64, forSending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.addHost(peer, false)
	e.lastAlive = time.Now()
	if forSending {
		e.localKey = key
		e.localKeyCreated = created
		e.status = StatusSetKeySent | (e.status & StatusSetKeyReceived)
		return
	}
	if e.status&StatusSetKeyReceived == 0 || e.remoteKeyCreated < created {
		if key.Key != e.remoteKey.Key {
			e.remoteKey = key
			e.replay.Reset()
		}
		e.remoteKeyCreated = created
		e.status |= StatusSetKeyReceived
	}
}

// GetSessionKey returns the current key for a peer, if any.
func (c *Core) GetSessionKey(peer peerid.ID, forSending bool) (SessionKey, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(peer)
	if e == nil {
		return SessionKey{}, 0, false
	}
	if forSending {
		if e.status&StatusSetKeySent != 0 {
			return e.localKey, e.localKeyCreated, true
		}
	} else if e.status&StatusSetKeyReceived != 0 {
		return e.remoteKey, e.remoteKeyCreated, true
	}
	return SessionKey{}, 0, false
}

// ConfirmSessionUp marks a session as confirmed after liveness proof
// (a PONG) arrived. Both keys must be in place.
func (c *Core) ConfirmSessionUp(peer peerid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(peer)
	if e == nil {
		return
	}
	e.lastAlive = time.Now()
	c.identity.Whitelist(peer)
	if e.status&statusSetKeyBoth == statusSetKeyBoth &&
		c.ensureTransportConnected(e) && e.status != StatusUp {
		c.log.Debugf("%s - session is up", peer)
		e.establishedAt = time.Now()
		e.status = StatusUp
		e.replay.Reset()
		e.lastSeqSent = 1
	}
}

// OfferSession hands a freshly used transport session to the core. The
// core takes a reference if it has none for the peer; otherwise the
// offer is ignored and the caller's reference remains the only one.
func (c *Core) OfferSession(peer peerid.ID, s *transport.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.addHost(peer, false)
	if e.session != nil || !peer.Equal(s.Peer()) {
		return
	}
	if err := s.Associate(tokenCore); err != nil {
		return
	}
	e.session = s
	e.mtu = s.MTU()
	c.fragmentIfNecessary(e)
}

/* ----------------------- traffic accounting ---------------------- */

// GetBandwidthAssignedTo returns the inbound limit granted to a peer and
// when it last proved liveness.
func (c *Core) GetBandwidthAssignedTo(peer peerid.ID) (uint32, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(peer)
	if e == nil || e.status != StatusUp {
		return 0, time.Time{}, false
	}
	return e.idealLimit, e.lastAlive, true
}

// UpdateTrafficPreference raises the worth estimate of a peer.
func (c *Core) UpdateTrafficPreference(peer peerid.ID, preference float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookForHost(peer); e != nil {
		e.value += preference
	}
}

// ReserveDownstream books inbound capacity for a peer on behalf of a
// higher layer. Negative amounts release a recent reservation. Returns
// the granted amount for a positive request, the remaining reserved
// credit otherwise, or 0 if the peer is not connected.
func (c *Core) ReserveDownstream(peer peerid.ID, amount int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookForHost(peer)
	if e == nil || e.status != StatusUp {
		return 0
	}
	return e.reserveDownstream(time.Now(), amount)
}

// scheduleConnect asynchronously initiates a handshake with a peer.
// Caller holds the core lock.
func (c *Core) scheduleConnect(peer peerid.ID) {
	if c.closed.Load() || !c.connectLimiter.Allow() {
		return
	}
	if _, pending := c.pendingConnects[peer]; pending {
		return
	}
	c.pendingConnects[peer] = struct{}{}
	go func() {
		c.TryConnect(peer)
		c.mu.Lock()
		delete(c.pendingConnects, peer)
		c.mu.Unlock()
	}()
}
