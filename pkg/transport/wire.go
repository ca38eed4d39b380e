// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport provides the encrypted peer session between a staff
// device and the user devices around it. Peers find each other through a
// Discovery backend and talk over framed TCP links.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Frame types. Hello and the pre-key Reject travel in the clear, every
// other frame is sealed with the session keys.
const (
	FrameHello  uint8 = 1
	FrameInvite uint8 = 2
	FrameAccept uint8 = 3
	FrameReject uint8 = 4
	FrameData   uint8 = 5
	FramePing   uint8 = 6
	FramePong   uint8 = 7

	// HeaderSize is 4 bytes length + 1 byte type
	HeaderSize = 5

	// MaxMessageSize is 16MB
	MaxMessageSize = 16 * 1024 * 1024
)

// Hello opens the handshake in both directions.
type Hello struct {
	Service    string    `json:"service"`
	InstanceID uuid.UUID `json:"instance_id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	Key        []byte    `json:"key"` // ephemeral X25519 public key
}

// Invite carries the application supplied invitation context, e.g. a
// pairing code.
type Invite struct {
	Context []byte `json:"context,omitempty"`
}

type RejectNotice struct {
	Reason string `json:"reason"`
}

func marshalFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("transport: marshal %T: %v", v, err))
	}
	return b
}

// WriteFrame writes a header followed by payload.
func WriteFrame(w io.Writer, frameType uint8, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(payload), MaxMessageSize)
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = frameType

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one complete frame.
func ReadFrame(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	frameType := header[4]

	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("message too large: %d > %d", length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return frameType, payload, nil
}
