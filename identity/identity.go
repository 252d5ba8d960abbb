/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package identity implements the keystore the connection core collaborates
// with: the node's RSA keypair, the directory of known peer keys and
// addresses, and the blacklist that gates who may talk to us and whom we
// will call back.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"github.com/quiltnet/quilt/peerid"
	"github.com/quiltnet/quilt/transport"
)

const keyBits = 2048

var (
	// ErrUnknownPeer is returned when no public key is on file.
	ErrUnknownPeer = errors.New("identity: unknown peer")
	// ErrBadSignature is returned when a peer signature fails to verify.
	ErrBadSignature = errors.New("identity: bad signature")
)

type blacklistEntry struct {
	until  time.Time
	strict bool
}

// Service is an in-memory identity service.
type Service struct {
	key    *rsa.PrivateKey
	pubDER []byte
	id     peerid.ID

	mu        sync.Mutex
	peers     map[peerid.ID]*rsa.PublicKey
	hellos    map[peerid.ID][]*transport.Hello
	blacklist map[peerid.ID]blacklistEntry
}

// New generates a fresh keypair and an empty directory.
func New() (*Service, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, err
	}
	return FromKey(key)
}

// FromKey builds a service around an existing keypair.
func FromKey(key *rsa.PrivateKey) (*Service, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		key:       key,
		pubDER:    der,
		id:        peerid.FromPublicKey(der),
		peers:     make(map[peerid.ID]*rsa.PublicKey),
		hellos:    make(map[peerid.ID][]*transport.Hello),
		blacklist: make(map[peerid.ID]blacklistEntry),
	}, nil
}

// ID returns the local peer identifier.
func (s *Service) ID() peerid.ID { return s.id }

// PublicKey returns the local public key in DER form.
func (s *Service) PublicKey() []byte { return s.pubDER }

// Sign signs data with the local key.
func (s *Service) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}

// VerifyRaw checks sig over data against a DER public key.
func (s *Service) VerifyRaw(pubDER, data, sig []byte) bool {
	return Verify(pubDER, data, sig)
}

// Verify checks sig over data against a DER public key.
func Verify(pubDER, data, sig []byte) bool {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return false
	}
	rpub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(rpub, crypto.SHA256, digest[:], sig) == nil
}

// VerifyPeerSignature checks sig over data against the key on file for peer.
func (s *Service) VerifyPeerSignature(peer peerid.ID, data, sig []byte) error {
	s.mu.Lock()
	pub := s.peers[peer]
	s.mu.Unlock()
	if pub == nil {
		return ErrUnknownPeer
	}
	digest := sha256.Sum256(data)
	if rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) != nil {
		return ErrBadSignature
	}
	return nil
}

// EncryptSessionKeyFor wraps key material for the given peer.
func (s *Service) EncryptSessionKeyFor(peer peerid.ID, key []byte) ([]byte, error) {
	s.mu.Lock()
	pub := s.peers[peer]
	s.mu.Unlock()
	if pub == nil {
		return nil, ErrUnknownPeer
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

// DecryptSessionKey unwraps key material addressed to us.
func (s *Service) DecryptSessionKey(ct []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, s.key, ct, nil)
}

// AddPeer registers a peer public key and returns the derived identifier.
func (s *Service) AddPeer(pubDER []byte) (peerid.ID, error) {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return peerid.ID{}, err
	}
	rpub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return peerid.ID{}, errors.New("identity: not an RSA key")
	}
	id := peerid.FromPublicKey(pubDER)
	s.mu.Lock()
	s.peers[id] = rpub
	s.mu.Unlock()
	return id, nil
}

// AddHello records a verified peer advertisement (and its public key).
func (s *Service) AddHello(h *transport.Hello) error {
	if _, err := s.AddPeer(h.PublicKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.hellos[h.Sender]
	for i, old := range list {
		if old.Protocol == h.Protocol {
			list[i] = h
			return nil
		}
	}
	s.hellos[h.Sender] = append(list, h)
	return nil
}

// Hellos implements transport.HelloDirectory.
func (s *Service) Hellos(peer peerid.ID) []*transport.Hello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Hello(nil), s.hellos[peer]...)
}

// Blacklist bars the peer for d. A strict entry also drops the peer's
// inbound traffic; a non-strict one only stops us from dialing out.
func (s *Service) Blacklist(peer peerid.ID, d time.Duration, strict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := time.Now().Add(d)
	if old, ok := s.blacklist[peer]; ok {
		if old.until.After(until) {
			until = old.until
		}
		strict = strict || old.strict
	}
	s.blacklist[peer] = blacklistEntry{until: until, strict: strict}
}

// IsBlacklisted reports whether the peer is currently barred. With
// strictOnly set, only strict entries count.
func (s *Service) IsBlacklisted(peer peerid.ID, strictOnly bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blacklist[peer]
	if !ok {
		return false
	}
	if time.Now().After(e.until) {
		delete(s.blacklist, peer)
		return false
	}
	if strictOnly && !e.strict {
		return false
	}
	return true
}

// Whitelist clears any blacklist entry for the peer (a confirmed session
// is proof of good standing).
func (s *Service) Whitelist(peer peerid.ID) {
	s.mu.Lock()
	delete(s.blacklist, peer)
	s.mu.Unlock()
}
