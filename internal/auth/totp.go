// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package auth

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/samber/oops"
)

// totpPeriod is the RFC 6238 time step in seconds.
const totpPeriod = 30

// CodeVerifier validates time-based one-time codes against a shared secret.
type CodeVerifier interface {
	// VerifyCode checks code against secret at time t.
	// Returns (true, nil) on match, (false, nil) on mismatch.
	VerifyCode(code, secret string, t time.Time) (bool, error)

	// GenerateSecret produces a new shared secret for the given account name.
	GenerateSecret(accountName string) (string, error)
}

// TOTPVerifier implements CodeVerifier with RFC 6238 defaults (30s step,
// SHA1, 6 digits). Skew is the number of steps accepted each direction to
// absorb client clock drift.
type TOTPVerifier struct {
	Issuer string
	Skew   uint
}

// NewTOTPVerifier creates a TOTPVerifier with the given clock-skew
// tolerance in steps.
func NewTOTPVerifier(issuer string, skew uint) *TOTPVerifier {
	if issuer == "" {
		issuer = "nexauth"
	}
	return &TOTPVerifier{Issuer: issuer, Skew: skew}
}

// VerifyCode checks code against secret at time t.
func (v *TOTPVerifier) VerifyCode(code, secret string, t time.Time) (bool, error) {
	if secret == "" {
		return false, oops.Code("AUTH_NO_SECOND_FACTOR").Errorf("no second factor configured")
	}
	ok, err := totp.ValidateCustom(code, secret, t, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      v.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, oops.Code("AUTH_CODE_VERIFY_FAILED").Wrap(err)
	}
	return ok, nil
}

// GenerateSecret produces a new shared secret for the given account name.
func (v *TOTPVerifier) GenerateSecret(accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.Issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", oops.Code("AUTH_SECRET_GENERATE_FAILED").
			With("account", accountName).
			Wrap(err)
	}
	return key.Secret(), nil
}
