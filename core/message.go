/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"encoding/binary"

	"github.com/quiltnet/quilt/peerid"
)

// Message types used by the core. Types outside this list are
// application-defined and dispatched to externally registered handlers.
const (
	MsgTypeHangup   uint16 = 1
	MsgTypeFragment uint16 = 2
	MsgTypePing     uint16 = 3
	MsgTypePong     uint16 = 4
	MsgTypeNoise    uint16 = 5
	MsgTypeSetKey   uint16 = 6
	MsgTypeHello    uint16 = 7
)

// Message is one embedded message of a frame as seen by handlers.
type Message struct {
	Type    uint16
	Payload []byte
}

// Encode serializes the message with its length/type prefix.
func (m *Message) Encode() []byte {
	b := make([]byte, MessageHeaderSize+len(m.Payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(MessageHeaderSize+len(m.Payload)))
	binary.BigEndian.PutUint16(b[2:4], m.Type)
	copy(b[MessageHeaderSize:], m.Payload)
	return b
}

// appendMessage writes a {size, type, payload} message into dst.
func appendMessage(dst []byte, typ uint16, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(MessageHeaderSize+len(payload)))
	dst = binary.BigEndian.AppendUint16(dst, typ)
	return append(dst, payload...)
}

/* HANGUP: carries the sender's identity so a mis-routed termination does
 * not hang up the wrong connection. */

const hangupSize = peerid.Size

func encodeHangup(sender peerid.ID) []byte {
	return appendMessage(nil, MsgTypeHangup, sender[:])
}

/* PING / PONG: identical layout, a target identity and a 32-bit challenge
 * echoed by the response. */

const pingPongSize = peerid.Size + 4

func encodePingPong(typ uint16, target peerid.ID, challenge uint32) []byte {
	payload := make([]byte, 0, pingPongSize)
	payload = append(payload, target[:]...)
	payload = binary.BigEndian.AppendUint32(payload, challenge)
	return appendMessage(nil, typ, payload)
}

func decodePingPong(payload []byte) (target peerid.ID, challenge uint32, ok bool) {
	if len(payload) != pingPongSize {
		return target, 0, false
	}
	copy(target[:], payload[:peerid.Size])
	return target, binary.BigEndian.Uint32(payload[peerid.Size:]), true
}
