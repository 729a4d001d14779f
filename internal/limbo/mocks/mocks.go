// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package mocks provides testify mocks for the limbo package interfaces.
package mocks

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"
)

// MockHost is a mock implementation of limbo.Host.
type MockHost struct {
	mock.Mock
}

// NewMockHost creates a new MockHost with cleanup-time expectation checks.
func NewMockHost(t *testing.T) *MockHost {
	m := &MockHost{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockHost) Place(ctx context.Context, connID ulid.ULID) error {
	args := m.Called(ctx, connID)
	return args.Error(0)
}

func (m *MockHost) KeepAlive(ctx context.Context, connID ulid.ULID) error {
	args := m.Called(ctx, connID)
	return args.Error(0)
}

func (m *MockHost) Handoff(ctx context.Context, connID ulid.ULID, backend string) error {
	args := m.Called(ctx, connID, backend)
	return args.Error(0)
}

func (m *MockHost) Kick(ctx context.Context, connID ulid.ULID, reason string) error {
	args := m.Called(ctx, connID, reason)
	return args.Error(0)
}
