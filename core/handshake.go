/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

/* Session establishment
 *
 *          DOWN
 *   -> hello+SETKEY+PING(1) ->
 *        SETKEY_SENT
 *  <- hello+SETKEY+PONG(1)+PING(2) <-
 *       -> PONG(2) ->
 *           UP
 *
 * The SETKEY carries our RSA-wrapped session key; the embedded PING and
 * PONG ride along encrypted with that very key. PONGs prove possession
 * and complete the handshake. HANGUP tears a session down without a
 * round trip; timeouts remain the ultimate measure.
 */

const tokenHandshake = "core-handshake"

var errSetKeyRejected = errors.New("core: setkey rejected")

// setKeyMessage is the parsed form of a SETKEY payload.
type setKeyMessage struct {
	created int64
	encKey  []byte
	target  peerid.ID
	sig     []byte
	trailer []byte // encrypted PING/PONG bytes
}

// encodeSetKeyPayload serializes a SETKEY. The signature covers creation
// time, wrapped key and target; the trailer is encrypted separately with
// the session key, seeded from the signature.
func encodeSetKeyPayload(m *setKeyMessage) []byte {
	b := make([]byte, 0, 4+2+len(m.encKey)+peerid.Size+2+len(m.sig)+len(m.trailer))
	b = binary.BigEndian.AppendUint32(b, uint32(m.created))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.encKey)))
	b = append(b, m.encKey...)
	b = append(b, m.target[:]...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.sig)))
	b = append(b, m.sig...)
	return append(b, m.trailer...)
}

// signedPortion returns the prefix of an encoded payload covered by the
// signature.
func (m *setKeyMessage) signedPortion() []byte {
	b := make([]byte, 0, 4+2+len(m.encKey)+peerid.Size)
	b = binary.BigEndian.AppendUint32(b, uint32(m.created))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.encKey)))
	b = append(b, m.encKey...)
	return append(b, m.target[:]...)
}

func parseSetKeyPayload(payload []byte) (*setKeyMessage, error) {
	m := &setKeyMessage{}
	if len(payload) < 4+2 {
		return nil, errMalformedFrame
	}
	m.created = int64(binary.BigEndian.Uint32(payload))
	payload = payload[4:]
	n := int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) < n+peerid.Size+2 {
		return nil, errMalformedFrame
	}
	m.encKey = payload[:n]
	payload = payload[n:]
	copy(m.target[:], payload[:peerid.Size])
	payload = payload[peerid.Size:]
	n = int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) < n {
		return nil, errMalformedFrame
	}
	m.sig = payload[:n]
	m.trailer = payload[n:]
	return m, nil
}

// trailerCipherSeed derives the IV seed for the PING/PONG trailer from
// the message signature: a hashSize-byte buffer whose first 16 bytes
// frameCipher uses as the IV.
func trailerCipherSeed(sig []byte) []byte {
	seed := make([]byte, hashSize)
	copy(seed, sig)
	return seed
}

// TryConnect attempts to establish a session with the peer. It returns
// nil when a connection is already up or a handshake is now in flight.
func (c *Core) TryConnect(peer peerid.ID) error {
	if c.topology != nil && !c.topology.AllowConnection(peer) {
		return errors.New("core: topology rejected connection")
	}
	if c.IsConnected(peer) {
		return nil
	}
	if c.identity.IsBlacklisted(peer, false) {
		return errors.New("core: peer blacklisted, not connecting now")
	}
	return c.exchangeKey(peer, nil, nil)
}

// exchangeKey sends hello+SETKEY+PING (plus an optional PONG answering
// the peer's challenge) in plaintext over a transport session.
func (c *Core) exchangeKey(receiver peerid.ID, session *transport.Session, pong []byte) error {
	if c.topology != nil && !c.topology.AllowConnection(receiver) {
		return errors.New("core: topology rejected connection")
	}
	if receiver.Equal(c.identity.ID()) {
		return errors.New("core: will not handshake with myself")
	}
	if session != nil {
		if err := session.Associate(tokenHandshake); err != nil {
			session = nil
		}
	}
	if session == nil {
		var err error
		session, err = c.transports.ConnectFreely(receiver, true, tokenHandshake)
		if err != nil {
			return fmt.Errorf("core: key exchange with %s: %w", receiver, err)
		}
	}
	defer session.Disconnect(tokenHandshake)

	challenge := randomChallenge()
	target := receiver
	if err := c.pings.register(receiver, challenge, false, func() { c.ConfirmSessionUp(target) }); err != nil {
		return err
	}
	ping := encodePingPong(MsgTypePing, receiver, challenge)

	// get or create the key we encrypt towards this peer with
	key, created, ok := c.GetSessionKey(receiver, true)
	if !ok {
		var err error
		key, err = NewSessionKey()
		if err != nil {
			return err
		}
		created = time.Now().Unix()
		c.AssignSessionKey(key, receiver, created, true)
	}

	encKey, err := c.identity.EncryptSessionKeyFor(receiver, key.Marshal())
	if err != nil {
		return fmt.Errorf("core: cannot wrap session key for %s: %w", receiver, err)
	}
	m := &setKeyMessage{created: created, encKey: encKey, target: receiver}
	if m.sig, err = c.identity.Sign(m.signedPortion()); err != nil {
		return err
	}
	trailer := append(append([]byte(nil), ping...), pong...)
	frameCipher(&key, trailerCipherSeed(m.sig)).XORKeyStream(trailer, trailer)
	m.trailer = trailer

	if hello, err := session.Owner().CreateHello(); err == nil {
		if err := c.SendPlaintext(session, appendMessage(nil, MsgTypeHello, hello.Marshal())); err != nil {
			return err
		}
	}
	if err := c.SendPlaintext(session, appendMessage(nil, MsgTypeSetKey, encodeSetKeyPayload(m))); err != nil {
		return err
	}
	c.log.Debugf("%s - session key sent", receiver)
	c.OfferSession(receiver, session)
	return nil
}

// handleSetKey accepts a plaintext SETKEY: verify, unwrap, install the
// remote key and answer the embedded PING (or complete our own
// handshake from the embedded PONG).
func (c *Core) handleSetKey(sender peerid.ID, msg *Message, session *transport.Session) error {
	if c.topology != nil && !c.topology.AllowConnection(sender) {
		return errSetKeyRejected
	}
	if sender.Equal(c.identity.ID()) {
		return errSetKeyRejected
	}
	m, err := parseSetKeyPayload(msg.Payload)
	if err != nil {
		return err
	}

	// if the peer initiated and is unwelcome or we are busy, discard
	if _, _, haveKey := c.GetSessionKey(sender, true); !haveKey {
		if c.identity.IsBlacklisted(sender, false) ||
			(c.CountConnected() >= 3 && c.loadMon.CPULoad() > idleLoadThreshold) {
			return errSetKeyRejected
		}
	}
	if !m.target.Equal(c.identity.ID()) {
		c.log.Warningf("%s - session key is for %s, not for me", sender, m.target)
		return errSetKeyRejected
	}
	if err := c.identity.VerifyPeerSignature(sender, m.signedPortion(), m.sig); err != nil {
		c.log.Infof("%s - session key failed verification: %v", sender, err)
		c.identity.Blacklist(sender, blacklistAfterFailedConnect, false)
		return errSetKeyRejected
	}
	raw, err := c.identity.DecryptSessionKey(m.encKey)
	if err != nil {
		return errSetKeyRejected
	}
	key, err := UnmarshalSessionKey(raw)
	if err != nil {
		c.log.Infof("%s - session key fails integrity check", sender)
		return errSetKeyRejected
	}
	c.AssignSessionKey(key, sender, m.created, false)

	var ping, pong *Message
	if len(m.trailer) > 0 {
		plain := append([]byte(nil), m.trailer...)
		frameCipher(&key, trailerCipherSeed(m.sig)).XORKeyStream(plain, plain)
		pos := 0
		for pos+MessageHeaderSize <= len(plain) {
			size := int(binary.BigEndian.Uint16(plain[pos:]))
			typ := binary.BigEndian.Uint16(plain[pos+2:])
			if size < MessageHeaderSize || pos+size > len(plain) {
				c.log.Warningf("%s - corrupt part inside session key message", sender)
				break
			}
			part := &Message{Type: typ, Payload: plain[pos+MessageHeaderSize : pos+size]}
			switch typ {
			case MsgTypePing:
				ping = part
			case MsgTypePong:
				pong = part
			}
			pos += size
		}
	}

	switch {
	case pong != nil:
		// we initiated; this is the response. Handle the embedded PONG
		// as if it had arrived on the encrypted channel.
		c.injectMessage(sender, pong.Encode(), true, session)
		if ping != nil {
			// and answer their challenge over the now-working channel
			c.Unicast(sender, &Message{Type: MsgTypePong, Payload: ping.Payload},
				ExtremePriority, 0)
		}
	case ping != nil:
		// the peer initiated; reply with our own SETKEY carrying their
		// challenge answer plus a fresh PING. The ping already names us
		// as the target, so echoing its payload forms the PONG.
		answer := appendMessage(nil, MsgTypePong, ping.Payload)
		if err := c.exchangeKey(sender, session, answer); err != nil {
			c.log.Debugf("%s - answering session key failed: %v", sender, err)
		}
	default:
		c.log.Debugf("%s - session key carried no PING", sender)
	}
	return nil
}

// handleSetKeyUpdate processes a SETKEY over the encrypted channel
// (rekeying).
func (c *Core) handleSetKeyUpdate(sender peerid.ID, msg *Message) error {
	return c.handleSetKey(sender, msg, nil)
}

// handleHello verifies and stores a peer advertisement.
func (c *Core) handleHello(sender peerid.ID, msg *Message, _ *transport.Session) error {
	h, err := transport.UnmarshalHello(msg.Payload)
	if err != nil {
		return err
	}
	if err := h.Verify(time.Now(), c.identity.VerifyRaw); err != nil {
		c.log.Debugf("%s - bad hello: %v", sender, err)
		c.identity.Blacklist(h.Sender, blacklistAfterFailedConnect, false)
		return err
	}
	return c.identity.AddHello(h)
}

// sendKeepalive probes an idle connection with an encrypted PING; the
// PONG refreshes the liveness timestamp.
func (c *Core) sendKeepalive(peer peerid.ID) {
	challenge := randomChallenge()
	target := peer
	if err := c.pings.register(peer, challenge, false, func() { c.ConfirmSessionUp(target) }); err != nil {
		return
	}
	ping := encodePingPong(MsgTypePing, peer, challenge)
	c.Unicast(peer, &Message{Type: MsgTypePing, Payload: ping[MessageHeaderSize:]}, AdminPriority, secondsPingAttempt)
}
