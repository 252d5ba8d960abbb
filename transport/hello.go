/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/quiltnet/quilt/peerid"
)

// MaxHelloExpires bounds how far in the future a HELLO may claim validity.
const MaxHelloExpires = 10 * 24 * time.Hour

var (
	errHelloTruncated = errors.New("transport: truncated hello")
	// ErrHelloExpired is returned when verifying an outdated advertisement.
	ErrHelloExpired = errors.New("transport: hello expired")
	// ErrHelloSignature is returned when the signature check fails, when
	// the sender does not match the public key, or when the expiry lies
	// more than MaxHelloExpires in the future.
	ErrHelloSignature = errors.New("transport: bad hello signature")
)

// Hello is a signed peer advertisement carrying a transport address.
type Hello struct {
	PublicKey []byte
	Sender    peerid.ID
	Expires   time.Time
	Protocol  uint16
	MTU       uint16
	Address   []byte
	Signature []byte
}

// signedBytes serializes every field covered by the signature.
func (h *Hello) signedBytes() []byte {
	b := make([]byte, 0, 2+len(h.PublicKey)+peerid.Size+8+2+2+2+len(h.Address))
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.PublicKey)))
	b = append(b, h.PublicKey...)
	b = append(b, h.Sender[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(h.Expires.Unix()))
	b = binary.BigEndian.AppendUint16(b, h.Protocol)
	b = binary.BigEndian.AppendUint16(b, h.MTU)
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.Address)))
	b = append(b, h.Address...)
	return b
}

// Sign attaches a signature produced by sign over the advertised fields.
func (h *Hello) Sign(sign func([]byte) ([]byte, error)) error {
	sig, err := sign(h.signedBytes())
	if err != nil {
		return fmt.Errorf("transport: signing hello: %w", err)
	}
	h.Signature = sig
	return nil
}

// Verify checks expiry bounds and the signature using verify, which must
// validate sig against the embedded public key.
func (h *Hello) Verify(now time.Time, verify func(pub, data, sig []byte) bool) error {
	if h.Expires.Before(now) {
		return ErrHelloExpired
	}
	if h.Expires.After(now.Add(MaxHelloExpires)) {
		return fmt.Errorf("%w: expiry too far in the future", ErrHelloSignature)
	}
	if got := peerid.FromPublicKey(h.PublicKey); !got.Equal(h.Sender) {
		return fmt.Errorf("%w: sender does not match public key", ErrHelloSignature)
	}
	if !verify(h.PublicKey, h.signedBytes(), h.Signature) {
		return ErrHelloSignature
	}
	return nil
}

// Marshal serializes the advertisement, signature included.
func (h *Hello) Marshal() []byte {
	b := h.signedBytes()
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.Signature)))
	return append(b, h.Signature...)
}

// UnmarshalHello parses a serialized advertisement.
func UnmarshalHello(b []byte) (*Hello, error) {
	h := &Hello{}
	get16 := func() (uint16, bool) {
		if len(b) < 2 {
			return 0, false
		}
		v := binary.BigEndian.Uint16(b)
		b = b[2:]
		return v, true
	}
	take := func(n int) ([]byte, bool) {
		if len(b) < n {
			return nil, false
		}
		v := b[:n]
		b = b[n:]
		return v, true
	}

	n, ok := get16()
	if !ok {
		return nil, errHelloTruncated
	}
	pk, ok := take(int(n))
	if !ok {
		return nil, errHelloTruncated
	}
	h.PublicKey = append([]byte(nil), pk...)
	id, ok := take(peerid.Size)
	if !ok {
		return nil, errHelloTruncated
	}
	copy(h.Sender[:], id)
	exp, ok := take(8)
	if !ok {
		return nil, errHelloTruncated
	}
	h.Expires = time.Unix(int64(binary.BigEndian.Uint64(exp)), 0)
	if h.Protocol, ok = get16(); !ok {
		return nil, errHelloTruncated
	}
	if h.MTU, ok = get16(); !ok {
		return nil, errHelloTruncated
	}
	if n, ok = get16(); !ok {
		return nil, errHelloTruncated
	}
	addr, ok := take(int(n))
	if !ok {
		return nil, errHelloTruncated
	}
	h.Address = append([]byte(nil), addr...)
	if n, ok = get16(); !ok {
		return nil, errHelloTruncated
	}
	sig, ok := take(int(n))
	if !ok {
		return nil, errHelloTruncated
	}
	h.Signature = append([]byte(nil), sig...)
	if len(b) != 0 {
		return nil, errors.New("transport: trailing bytes after hello")
	}
	return h, nil
}
