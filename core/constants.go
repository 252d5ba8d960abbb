/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import "time"

/* Protocol constants */

const (
	// FrameHeaderSize is the size of the encrypted packet header: a
	// 64-byte hash/IV followed by sequence number, timestamp and
	// bandwidth advertisement.
	FrameHeaderSize = hashSize + 4 + 4 + 4

	hashSize = 64

	// MessageHeaderSize prefixes every embedded message: u16 size, u16 type.
	MessageHeaderSize = 4

	// MaxBufferSize bounds the total size of one frame on a streaming
	// transport.
	MaxBufferSize = 65536

	// ExpectedMTU is the assumed frame size for streaming connections.
	ExpectedMTU = 32768 + 1024

	// ExtremePriority is reserved for administrative traffic (HANGUP,
	// handshake PONGs). It bypasses the send window and frequency gate.
	ExtremePriority = 0xFFFFFF

	// AdminPriority is high-priority traffic that still honors policy.
	AdminPriority = 0xFFFF
)

/* Tuning parameters */

const (
	// If an attempt to establish a connection is not answered within this
	// interval, drop and briefly blacklist.
	secondsNoPingPongDrop = 150 * time.Second

	// If an established connection is inactive this long, drop. Must stay
	// below the idle timeouts of the transports.
	secondsInactiveDrop = 300 * time.Second

	// After this much inactivity we probe the peer with a PING; queued
	// messages older than this are discarded.
	secondsPingAttempt = 120 * time.Second

	blacklistAfterDisconnect    = 300 * time.Second
	blacklistAfterFailedConnect = 120 * time.Second
	blacklistAfterViolation     = 24 * time.Hour

	// MaxBufFact bounds how much unused send budget may roll over, as a
	// factor of the per-minute limit.
	MaxBufFact = 2

	// How many keep-alive exchanges we want per inactivity interval.
	targetMsgSID = 8

	// MinBPMPerPeer is the minimum bytes-per-minute allocation per peer.
	MinBPMPerPeer = targetMsgSID * ExpectedMTU * 60 / 300

	// MinimumSampleCount is the number of transmissions we want to fit in
	// any MinSampleTime window.
	MinimumSampleCount = 2

	// MinSampleTime is how much sample data the allocator wants before
	// recomputing traffic assignments.
	MinSampleTime = MinimumSampleCount * time.Minute * ExpectedMTU / MinBPMPerPeer

	// MaxSendBufferSize is the hard cap on queued bytes per connection.
	MaxSendBufferSize = ExpectedMTU * 8

	// MaxViolations is how often a peer may exceed its limit before we
	// shut the connection down.
	MaxViolations = 10

	// MinConnectionTarget is the fewest connections worth maintaining.
	MinConnectionTarget = 4

	maxTableSlots = 256

	// idleLoadThreshold is the CPU/network load percentage below which the
	// node considers itself idle enough for optional work.
	idleLoadThreshold = 70

	livenessInterval = 10 * time.Millisecond
)
