// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

var (
	ErrRejected        = errors.New("transport: invitation rejected")
	ErrServiceMismatch = errors.New("transport: service type mismatch")
	ErrRoleMismatch    = errors.New("transport: peer has the same role")
)

// handshakeResult is a link that passed the handshake.
type handshakeResult struct {
	peer Peer
	send *cipherState
	recv *cipherState
}

func (s *Session) localHello(id PeerIdentity, kp *keyPair) Hello {
	return Hello{
		Service:    s.config.ServiceType,
		InstanceID: id.InstanceID,
		Name:       id.DisplayName,
		Role:       id.Role,
		Key:        kp.public,
	}
}

// checkHello validates the remote hello against the local identity.
func (s *Session) checkHello(local PeerIdentity, remote Hello) error {
	if remote.Service != s.config.ServiceType {
		return fmt.Errorf("%w: %q", ErrServiceMismatch, remote.Service)
	}
	if remote.Role == local.Role || !remote.Role.Valid() {
		return ErrRoleMismatch
	}
	if remote.InstanceID == uuid.Nil || remote.InstanceID == local.InstanceID {
		return errors.New("transport: invalid peer instance id")
	}
	return nil
}

func writePlain(w *bufio.Writer, frameType uint8, v any) error {
	if err := WriteFrame(w, frameType, marshalFrame(v)); err != nil {
		return err
	}
	return w.Flush()
}

func writeSealed(w *bufio.Writer, c *cipherState, frameType uint8, v any) error {
	ct, err := c.seal(frameType, marshalFrame(v))
	if err != nil {
		return err
	}
	if err := WriteFrame(w, frameType, ct); err != nil {
		return err
	}
	return w.Flush()
}

func readHello(r *bufio.Reader) (Hello, error) {
	frameType, payload, err := ReadFrame(r)
	if err != nil {
		return Hello{}, err
	}
	switch frameType {
	case FrameHello:
	case FrameReject:
		var notice RejectNotice
		_ = json.Unmarshal(payload, &notice)
		return Hello{}, fmt.Errorf("%w: %s", ErrRejected, notice.Reason)
	default:
		return Hello{}, fmt.Errorf("transport: expected hello, got frame %d", frameType)
	}
	var h Hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return Hello{}, fmt.Errorf("transport: bad hello: %w", err)
	}
	return h, nil
}

// inviteHandshake runs the initiator side: hello exchange, key derivation,
// then a sealed invitation answered by Accept or Reject.
func (s *Session) inviteHandshake(conn net.Conn, r *bufio.Reader, w *bufio.Writer, local PeerIdentity) (*handshakeResult, error) {
	kp, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	if err := writePlain(w, FrameHello, s.localHello(local, kp)); err != nil {
		return nil, err
	}

	remote, err := readHello(r)
	if err != nil {
		return nil, err
	}
	if err := s.checkHello(local, remote); err != nil {
		return nil, err
	}

	send, recv, err := deriveCiphers(kp, remote.Key, kp.public, remote.Key, true)
	if err != nil {
		return nil, err
	}

	if err := writeSealed(w, send, FrameInvite, Invite{Context: s.config.InvitationContext}); err != nil {
		return nil, err
	}

	frameType, ct, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if frameType != FrameAccept && frameType != FrameReject {
		return nil, fmt.Errorf("transport: expected invitation answer, got frame %d", frameType)
	}
	plain, err := recv.open(frameType, ct)
	if err != nil {
		return nil, err
	}
	if frameType == FrameReject {
		var notice RejectNotice
		_ = json.Unmarshal(plain, &notice)
		return nil, fmt.Errorf("%w: %s", ErrRejected, notice.Reason)
	}

	return &handshakeResult{
		peer: Peer{
			InstanceID:  remote.InstanceID,
			DisplayName: remote.Name,
			Role:        remote.Role,
			Addr:        conn.RemoteAddr().String(),
		},
		send: send,
		recv: recv,
	}, nil
}

// acceptHandshake runs the responder side. onInvite is called once the
// invitation has been read, before the policy decides.
func (s *Session) acceptHandshake(conn net.Conn, r *bufio.Reader, w *bufio.Writer, local PeerIdentity, onInvite func(Peer)) (*handshakeResult, error) {
	remote, err := readHello(r)
	if err != nil {
		return nil, err
	}
	if err := s.checkHello(local, remote); err != nil {
		_ = writePlain(w, FrameReject, RejectNotice{Reason: err.Error()})
		return nil, err
	}

	kp, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	if err := writePlain(w, FrameHello, s.localHello(local, kp)); err != nil {
		return nil, err
	}

	send, recv, err := deriveCiphers(kp, remote.Key, remote.Key, kp.public, false)
	if err != nil {
		return nil, err
	}

	frameType, ct, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if frameType != FrameInvite {
		return nil, fmt.Errorf("transport: expected invite, got frame %d", frameType)
	}
	plain, err := recv.open(frameType, ct)
	if err != nil {
		return nil, err
	}
	var inv Invite
	if err := json.Unmarshal(plain, &inv); err != nil {
		return nil, fmt.Errorf("transport: bad invite: %w", err)
	}

	peer := Peer{
		InstanceID:  remote.InstanceID,
		DisplayName: remote.Name,
		Role:        remote.Role,
		Addr:        conn.RemoteAddr().String(),
	}
	if onInvite != nil {
		onInvite(peer)
	}

	if err := s.config.Policy.Allow(Invitation{From: peer, Context: inv.Context}); err != nil {
		_ = writeSealed(w, send, FrameReject, RejectNotice{Reason: "invitation declined"})
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := writeSealed(w, send, FrameAccept, struct{}{}); err != nil {
		return nil, err
	}

	return &handshakeResult{peer: peer, send: send, recv: recv}, nil
}
