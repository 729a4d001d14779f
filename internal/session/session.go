// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package session models per-connection authentication sessions and the
// process-local cache that holds them.
package session

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the authentication lifecycle state of a session.
type State string

// Session states. Rejected, TimedOut, and Disconnected are terminal.
const (
	StateConnecting           State = "connecting"
	StateAwaitingCredentials  State = "awaiting_credentials"
	StateVerifying            State = "verifying"
	StateAwaitingSecondFactor State = "awaiting_second_factor"
	StateAuthenticated        State = "authenticated"
	StateReleased             State = "released"
	StateRejected             State = "rejected"
	StateTimedOut             State = "timed_out"
	StateDisconnected         State = "disconnected"
)

// Terminal reports whether no further transitions can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateRejected, StateTimedOut, StateDisconnected:
		return true
	}
	return false
}

// Session is one connection's presence at the gate. At most one session per
// identity is authoritative within a process at any instant.
type Session struct {
	IdentityID     ulid.ULID
	IdentityName   string
	ConnID         ulid.ULID
	State          State
	EstablishedAt  time.Time
	LastActivityAt time.Time
	OriginAddr     string
	Authoritative  bool
}

// clone returns a defensive copy so cache callers cannot mutate cached state.
func (s *Session) clone() *Session {
	c := *s
	return &c
}
