// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "assist/session/v1"

var errNonceExhausted = errors.New("transport: nonce counter exhausted")

// keyPair is an ephemeral X25519 key used for a single connection.
type keyPair struct {
	private [32]byte
	public  []byte
}

func newKeyPair() (*keyPair, error) {
	kp := &keyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp.public = pub
	return kp, nil
}

// deriveCiphers computes the two directional ciphers. The initiator seals
// with the first key and the responder with the second.
func deriveCiphers(kp *keyPair, remote, initiatorKey, responderKey []byte, initiator bool) (send, recv *cipherState, err error) {
	if len(remote) != curve25519.PointSize {
		return nil, nil, fmt.Errorf("transport: peer key has %d bytes", len(remote))
	}
	shared, err := curve25519.X25519(kp.private[:], remote)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: key agreement: %w", err)
	}

	salt := make([]byte, 0, len(initiatorKey)+len(responderKey))
	salt = append(salt, initiatorKey...)
	salt = append(salt, responderKey...)

	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(keyInfo)), keys); err != nil {
		return nil, nil, err
	}

	i2r, err := newCipherState(keys[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, err
	}
	r2i, err := newCipherState(keys[chacha20poly1305.KeySize:])
	if err != nil {
		return nil, nil, err
	}
	if initiator {
		return i2r, r2i, nil
	}
	return r2i, i2r, nil
}

// cipherState seals or opens frames in one direction. The nonce is four
// zero bytes followed by a big-endian frame counter; the frame type is
// bound as additional data.
type cipherState struct {
	aead    cipher.AEAD
	counter uint64
}

func newCipherState(key []byte) (*cipherState, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &cipherState{aead: aead}, nil
}

func (c *cipherState) nonce() ([]byte, error) {
	if c.counter == ^uint64(0) {
		return nil, errNonceExhausted
	}
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], c.counter)
	c.counter++
	return n, nil
}

func (c *cipherState) seal(frameType uint8, plaintext []byte) ([]byte, error) {
	n, err := c.nonce()
	if err != nil {
		return nil, err
	}
	return c.aead.Seal(nil, n, plaintext, []byte{frameType}), nil
}

func (c *cipherState) open(frameType uint8, ciphertext []byte) ([]byte, error) {
	n, err := c.nonce()
	if err != nil {
		return nil, err
	}
	plain, err := c.aead.Open(nil, n, ciphertext, []byte{frameType})
	if err != nil {
		return nil, fmt.Errorf("transport: open frame %d: %w", frameType, err)
	}
	return plain, nil
}
