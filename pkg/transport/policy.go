// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrInvitationDenied = errors.New("transport: invitation denied")

// Invitation is what a staff device sees when a user device asks to join.
type Invitation struct {
	From    Peer
	Context []byte
}

// InvitationPolicy decides whether an invitation is accepted. A nil error
// accepts.
type InvitationPolicy interface {
	Allow(inv Invitation) error
}

type PolicyFunc func(inv Invitation) error

func (f PolicyFunc) Allow(inv Invitation) error { return f(inv) }

// AcceptAll accepts every invitation.
type AcceptAll struct{}

func (AcceptAll) Allow(Invitation) error { return nil }

// AllowList accepts devices whose name, with or without the role suffix,
// is listed.
type AllowList struct {
	Names []string
}

func (a AllowList) Allow(inv Invitation) error {
	base := strings.TrimSuffix(inv.From.DisplayName, inv.From.Role.Suffix())
	for _, n := range a.Names {
		if strings.EqualFold(n, inv.From.DisplayName) || strings.EqualFold(n, base) {
			return nil
		}
	}
	return ErrInvitationDenied
}

// PairingCode accepts invitations whose context equals Code.
type PairingCode struct {
	Code string
}

func (p PairingCode) Allow(inv Invitation) error {
	if p.Code == "" {
		return ErrInvitationDenied
	}
	if subtle.ConstantTimeCompare([]byte(p.Code), inv.Context) != 1 {
		return ErrInvitationDenied
	}
	return nil
}
