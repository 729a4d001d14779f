// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package mocks provides hand-maintained testify mocks for the auth package
// interfaces.
package mocks

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/xreatlabs/nexauth/internal/auth"
)

// MockCredentialRepository is a testify mock for auth.CredentialRepository.
type MockCredentialRepository struct {
	mock.Mock
}

// NewMockCredentialRepository creates a mock wired to the test lifecycle.
func NewMockCredentialRepository(t *testing.T) *MockCredentialRepository {
	m := &MockCredentialRepository{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockCredentialRepository) Create(ctx context.Context, record *auth.CredentialRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockCredentialRepository) GetByName(ctx context.Context, name string) (*auth.CredentialRecord, error) {
	args := m.Called(ctx, name)
	if rec := args.Get(0); rec != nil {
		return rec.(*auth.CredentialRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCredentialRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, hashVersion int) error {
	args := m.Called(ctx, id, passwordHash, hashVersion)
	return args.Error(0)
}

func (m *MockCredentialRepository) UpdateSecondFactor(ctx context.Context, id ulid.ULID, secret *string) error {
	args := m.Called(ctx, id, secret)
	return args.Error(0)
}

func (m *MockCredentialRepository) Delete(ctx context.Context, id ulid.ULID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockPasswordHasher is a testify mock for auth.PasswordHasher.
type MockPasswordHasher struct {
	mock.Mock
}

// NewMockPasswordHasher creates a mock wired to the test lifecycle.
func NewMockPasswordHasher(t *testing.T) *MockPasswordHasher {
	m := &MockPasswordHasher{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockPasswordHasher) Hash(password string) (string, error) {
	args := m.Called(password)
	return args.String(0), args.Error(1)
}

func (m *MockPasswordHasher) Verify(password, hash string) (bool, error) {
	args := m.Called(password, hash)
	return args.Bool(0), args.Error(1)
}

func (m *MockPasswordHasher) NeedsUpgrade(hash string) bool {
	args := m.Called(hash)
	return args.Bool(0)
}

// MockCodeVerifier is a testify mock for auth.CodeVerifier.
type MockCodeVerifier struct {
	mock.Mock
}

// NewMockCodeVerifier creates a mock wired to the test lifecycle.
func NewMockCodeVerifier(t *testing.T) *MockCodeVerifier {
	m := &MockCodeVerifier{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockCodeVerifier) VerifyCode(code, secret string, t time.Time) (bool, error) {
	args := m.Called(code, secret, t)
	return args.Bool(0), args.Error(1)
}

func (m *MockCodeVerifier) GenerateSecret(accountName string) (string, error) {
	args := m.Called(accountName)
	return args.String(0), args.Error(1)
}
