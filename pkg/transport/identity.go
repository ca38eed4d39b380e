// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role decides whether a device advertises (staff) or browses (user).
type Role int

const (
	RoleUser Role = iota
	RoleStaff
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleStaff:
		return "staff"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Suffix is appended to the device name to form the display name.
func (r Role) Suffix() string {
	if r == RoleStaff {
		return "-Staff"
	}
	return "-User"
}

// Counterpart is the role a device of role r connects to.
func (r Role) Counterpart() Role {
	if r == RoleStaff {
		return RoleUser
	}
	return RoleStaff
}

func (r Role) Valid() bool { return r == RoleUser || r == RoleStaff }

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "staff":
		return RoleStaff, nil
	}
	return 0, fmt.Errorf("transport: unknown role %q", s)
}

func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("transport: invalid role %d", int(r))
	}
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// PeerIdentity is the local identity of one Start. Every Start creates a
// new InstanceID so a restarted device never reuses an old identity.
type PeerIdentity struct {
	DisplayName string
	Role        Role
	InstanceID  uuid.UUID
}

func NewPeerIdentity(localName string, role Role) PeerIdentity {
	return PeerIdentity{
		DisplayName: localName + role.Suffix(),
		Role:        role,
		InstanceID:  uuid.New(),
	}
}

// Peer is a remote device as seen by the session.
type Peer struct {
	InstanceID  uuid.UUID `json:"instance_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Addr        string    `json:"addr"`
}

func (p Peer) String() string {
	return p.DisplayName
}

type PeerState int

const (
	StateConnecting PeerState = iota
	StateConnected
	StateNotConnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateNotConnected:
		return "notConnected"
	}
	return "unknown"
}

// SessionState is the coarse state of the whole session.
type SessionState int

const (
	Idle SessionState = iota
	Advertising
	Browsing
	Connecting
	Connected
)

func (s SessionState) String() string {
	return [...]string{"idle", "advertising", "browsing", "connecting", "connected"}[s]
}

type EventKind int

const (
	EventPeerState EventKind = iota
	EventData
)

// Event is emitted on the session's event channel. PeerState events carry
// State, Data events carry the raw envelope bytes.
type Event struct {
	Kind  EventKind
	Peer  Peer
	State PeerState
	Data  []byte
}
