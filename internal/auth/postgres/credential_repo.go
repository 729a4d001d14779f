// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package postgres implements auth.CredentialRepository using PostgreSQL.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/xreatlabs/nexauth/internal/auth"
)

// poolIface is the subset of pgxpool.Pool the repository needs. pgxmock
// satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CredentialRepository implements auth.CredentialRepository using PostgreSQL.
type CredentialRepository struct {
	pool poolIface
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(pool poolIface) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// Create stores a new credential record.
func (r *CredentialRepository) Create(ctx context.Context, record *auth.CredentialRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credentials (
			id, name, password_hash, hash_version, totp_secret,
			created_at, last_changed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		record.IdentityID.String(),
		record.Name,
		record.PasswordHash,
		record.HashVersion,
		record.TOTPSecret,
		record.CreatedAt,
		record.LastChangedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("CREDENTIAL_CREATE_FAILED").
				With("name", record.Name).
				Wrap(auth.ErrAlreadyExists)
		}
		return oops.Code("CREDENTIAL_CREATE_FAILED").
			With("operation", "insert credential").
			With("name", record.Name).
			Wrap(err)
	}
	return nil
}

// GetByName retrieves a record by player name (case-insensitive).
func (r *CredentialRepository) GetByName(ctx context.Context, name string) (*auth.CredentialRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, password_hash, hash_version, totp_secret,
		       created_at, last_changed_at
		FROM credentials
		WHERE LOWER(name) = LOWER($1)
	`, name)

	record, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("CREDENTIAL_NOT_FOUND").
			With("name", name).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("CREDENTIAL_GET_FAILED").
			With("operation", "get credential by name").
			With("name", name).
			Wrap(err)
	}
	return record, nil
}

// UpdatePassword replaces the password hash and version for an identity.
func (r *CredentialRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, hashVersion int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE credentials
		SET password_hash = $2, hash_version = $3, last_changed_at = NOW()
		WHERE id = $1
	`, id.String(), passwordHash, hashVersion)
	if err != nil {
		return oops.Code("CREDENTIAL_UPDATE_FAILED").
			With("operation", "update password").
			With("id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("CREDENTIAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// UpdateSecondFactor replaces the TOTP secret for an identity.
func (r *CredentialRepository) UpdateSecondFactor(ctx context.Context, id ulid.ULID, secret *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE credentials
		SET totp_secret = $2, last_changed_at = NOW()
		WHERE id = $1
	`, id.String(), secret)
	if err != nil {
		return oops.Code("CREDENTIAL_UPDATE_FAILED").
			With("operation", "update second factor").
			With("id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("CREDENTIAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a record.
func (r *CredentialRepository) Delete(ctx context.Context, id ulid.ULID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("CREDENTIAL_DELETE_FAILED").
			With("id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("CREDENTIAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanCredential scans a credential row into a CredentialRecord.
func scanCredential(row pgx.Row) (*auth.CredentialRecord, error) {
	var record auth.CredentialRecord
	var idStr string

	err := row.Scan(
		&idStr,
		&record.Name,
		&record.PasswordHash,
		&record.HashVersion,
		&record.TOTPSecret,
		&record.CreatedAt,
		&record.LastChangedAt,
	)
	if err != nil {
		return nil, err
	}

	record.IdentityID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("CREDENTIAL_CORRUPT_ID").
			With("id", idStr).
			Wrap(err)
	}
	return &record, nil
}
