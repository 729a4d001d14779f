// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// dummyPasswordHash is used when an identity doesn't exist to prevent timing
// attacks. We still run password verification to make response time consistent.
// This is NOT a real credential - it's a fake hash that will never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Store retry policy. Only transient store errors are retried; verification
// outcomes never are.
const (
	defaultStoreRetries = 3
	storeRetryBase      = 50 * time.Millisecond
)

// Service is the credential-store adapter the authentication state machine
// talks to. All password comparisons happen behind PasswordHasher; nothing
// here ever inspects plaintext beyond passing it to the hasher.
type Service struct {
	repo    CredentialRepository
	hasher  PasswordHasher
	codes   CodeVerifier
	logger  *slog.Logger
	retries uint64

	// rehashed, when set, is invoked after an asynchronous re-hash write
	// completes. Used for rehash-failure metrics and test synchronization.
	rehashed func(error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithStoreRetries overrides the transient-error retry count.
func WithStoreRetries(n uint64) Option {
	return func(s *Service) { s.retries = n }
}

// WithRehashCallback registers a callback invoked when an asynchronous
// password re-hash write finishes.
func WithRehashCallback(fn func(error)) Option {
	return func(s *Service) { s.rehashed = fn }
}

// NewService creates a new Service.
// Returns an error if any required dependency is nil.
func NewService(repo CredentialRepository, hasher PasswordHasher, codes CodeVerifier, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, oops.Errorf("credential repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if codes == nil {
		return nil, oops.Errorf("code verifier is required")
	}
	s := &Service{
		repo:    repo,
		hasher:  hasher,
		codes:   codes,
		logger:  slog.New(slog.DiscardHandler),
		retries: defaultStoreRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lookup retrieves the credential record for a player name.
// Returns an AUTH_UNKNOWN_IDENTITY error (wrapping ErrNotFound) if absent,
// or STORE_UNAVAILABLE after bounded retries on backend failure.
func (s *Service) Lookup(ctx context.Context, name string) (*CredentialRecord, error) {
	record, err := s.getWithRetry(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_UNKNOWN_IDENTITY").
				With("name", name).
				Wrap(ErrNotFound)
		}
		return nil, oops.Code("STORE_UNAVAILABLE").
			With("operation", "get credential by name").
			Wrap(err)
	}
	return record, nil
}

// VerifyPassword checks a supplied password against the stored credential.
// Unknown identity and wrong password produce the same AUTH_INVALID_CREDENTIALS
// error so callers cannot distinguish them; verification against the dummy
// hash keeps the unknown path constant-time. A match against an old hash
// scheme triggers an asynchronous re-hash that does not block the decision.
func (s *Service) VerifyPassword(ctx context.Context, name, password string) (*CredentialRecord, error) {
	record, lookupErr := s.getWithRetry(ctx, name)

	targetHash := dummyPasswordHash
	exists := false
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, oops.Code("STORE_UNAVAILABLE").
				With("operation", "get credential by name").
				Wrap(lookupErr)
		}
	} else {
		targetHash = record.PasswordHash
		exists = true
	}

	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !exists {
			return nil, invalidCredentials()
		}
		return nil, oops.Code("AUTH_VERIFY_FAILED").
			With("operation", "verify password").
			Wrap(verifyErr)
	}

	if !exists || !valid {
		return nil, invalidCredentials()
	}

	if record.HashVersion < HashVersionCurrent || s.hasher.NeedsUpgrade(record.PasswordHash) {
		s.rehashAsync(record.IdentityID, password)
	}

	return record, nil
}

// VerifySecondFactor checks a one-time code against the record's secret at
// time t. Mismatches return AUTH_INVALID_CREDENTIALS, same as password
// failures, so the client-facing message stays uniform.
func (s *Service) VerifySecondFactor(record *CredentialRecord, code string, t time.Time) error {
	if !record.HasSecondFactor() {
		return oops.Code("AUTH_NO_SECOND_FACTOR").Errorf("no second factor configured")
	}
	ok, err := s.codes.VerifyCode(code, *record.TOTPSecret, t)
	if err != nil {
		return err
	}
	if !ok {
		return invalidCredentials()
	}
	return nil
}

// Register creates a credential record for a new identity. When
// enableSecondFactor is set, a TOTP secret is generated and returned so the
// caller can hand it to the player exactly once.
func (s *Service) Register(ctx context.Context, name, password string, enableSecondFactor bool) (*CredentialRecord, string, error) {
	if err := ValidateName(name); err != nil {
		return nil, "", err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, "", err
	}

	var secret string
	var secretPtr *string
	if enableSecondFactor {
		secret, err = s.codes.GenerateSecret(name)
		if err != nil {
			return nil, "", err
		}
		secretPtr = &secret
	}

	now := time.Now()
	record := &CredentialRecord{
		IdentityID:    ulid.Make(),
		Name:          name,
		PasswordHash:  hash,
		HashVersion:   HashVersionCurrent,
		TOTPSecret:    secretPtr,
		CreatedAt:     now,
		LastChangedAt: now,
	}

	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, "", oops.Code("AUTH_ALREADY_EXISTS").
				With("name", name).
				Wrap(err)
		}
		return nil, "", oops.Code("STORE_UNAVAILABLE").
			With("operation", "create credential").
			Wrap(err)
	}

	return record, secret, nil
}

// ChangePassword replaces an identity's password, hashing with the current
// scheme regardless of what the record was stored with.
func (s *Service) ChangePassword(ctx context.Context, name, newPassword string) error {
	record, err := s.Lookup(ctx, name)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.repo.UpdatePassword(ctx, record.IdentityID, hash, HashVersionCurrent); err != nil {
		return oops.Code("STORE_UNAVAILABLE").
			With("operation", "update password").
			Wrap(err)
	}
	return nil
}

// UpdateSecondFactor generates and stores a fresh TOTP secret for an
// identity, returning the secret.
func (s *Service) UpdateSecondFactor(ctx context.Context, name string) (string, error) {
	record, err := s.Lookup(ctx, name)
	if err != nil {
		return "", err
	}

	secret, err := s.codes.GenerateSecret(name)
	if err != nil {
		return "", err
	}

	if err := s.repo.UpdateSecondFactor(ctx, record.IdentityID, &secret); err != nil {
		return "", oops.Code("STORE_UNAVAILABLE").
			With("operation", "update second factor").
			Wrap(err)
	}
	return secret, nil
}

// Unregister removes the credential record for an identity.
func (s *Service) Unregister(ctx context.Context, name string) error {
	record, err := s.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, record.IdentityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_UNKNOWN_IDENTITY").
				With("name", name).
				Wrap(err)
		}
		return oops.Code("STORE_UNAVAILABLE").
			With("operation", "delete credential").
			Wrap(err)
	}
	return nil
}

// getWithRetry wraps repository lookups with bounded fibonacci backoff.
// ErrNotFound is terminal; everything else is treated as transient.
func (s *Service) getWithRetry(ctx context.Context, name string) (*CredentialRecord, error) {
	var record *CredentialRecord
	backoff := retry.WithMaxRetries(s.retries, retry.NewFibonacci(storeRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		record, err = s.repo.GetByName(ctx, name)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// rehashAsync upgrades a password hash in the background. The write is best
// effort: the authentication decision already happened and must not wait.
func (s *Service) rehashAsync(id ulid.ULID, password string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		newHash, err := s.hasher.Hash(password)
		if err == nil {
			err = s.repo.UpdatePassword(ctx, id, newHash, HashVersionCurrent)
		}
		if err != nil {
			s.logger.Warn("password re-hash failed",
				"identity_id", id.String(),
				"error", err,
			)
		}
		if s.rehashed != nil {
			s.rehashed(err)
		}
	}()
}

func invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid name or password")
}
