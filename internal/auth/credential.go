// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Password hash scheme versions. Version 1 covers hashes imported from
// legacy installations (bcrypt); version 2 is argon2id. A successful login
// against an older version triggers a lazy re-hash.
const (
	HashVersionLegacy  = 1
	HashVersionCurrent = 2
)

// CredentialRecord is the persistent account state for one identity.
// PasswordHash is always a one-way hash; nothing in this struct is ever
// logged verbatim.
type CredentialRecord struct {
	IdentityID    ulid.ULID
	Name          string
	PasswordHash  string
	HashVersion   int
	TOTPSecret    *string
	CreatedAt     time.Time
	LastChangedAt time.Time
}

// HasSecondFactor reports whether a TOTP secret is configured.
func (r *CredentialRecord) HasSecondFactor() bool {
	return r.TOTPSecret != nil && *r.TOTPSecret != ""
}

// CredentialRepository manages credential persistence.
type CredentialRepository interface {
	// Create stores a new credential record. Returns ErrAlreadyExists
	// (wrapped) if the name is taken.
	Create(ctx context.Context, record *CredentialRecord) error

	// GetByName retrieves a record by player name (case-insensitive).
	// Returns ErrNotFound (wrapped) if no record exists.
	GetByName(ctx context.Context, name string) (*CredentialRecord, error)

	// UpdatePassword replaces the password hash and version for an identity.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, hashVersion int) error

	// UpdateSecondFactor replaces the TOTP secret for an identity.
	// A nil secret disables the second factor.
	UpdateSecondFactor(ctx context.Context, id ulid.ULID, secret *string) error

	// Delete removes a record. Returns ErrNotFound (wrapped) if absent.
	Delete(ctx context.Context, id ulid.ULID) error
}
