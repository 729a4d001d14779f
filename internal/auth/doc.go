// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package auth provides credential storage, password hashing, and
// second-factor verification for the authentication gate.
//
// The package deliberately separates three concerns:
//
//   - CredentialRecord and CredentialRepository model persistent account
//     state behind a pluggable store.
//   - PasswordHasher and CodeVerifier are the cryptographic primitives,
//     injectable so tests never pay argon2 cost.
//   - Service is the credential-store adapter the state machine talks to;
//     it owns retry policy, the constant-time unknown-identity path, and
//     lazy hash upgrades.
package auth
