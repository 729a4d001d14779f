// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package limbo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xreatlabs/nexauth/internal/limbo"
	"github.com/xreatlabs/nexauth/internal/limbo/mocks"
	"github.com/xreatlabs/nexauth/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newController(t *testing.T, host limbo.Host) *limbo.Controller {
	t.Helper()
	// Long keep-alive so the ticker never fires during deterministic tests.
	c, err := limbo.NewController(host, time.Hour, nil)
	require.NoError(t, err)
	return c
}

func TestController_AdmitAndRelease(t *testing.T) {
	ctx := context.Background()
	connID := ulid.Make()

	host := mocks.NewMockHost(t)
	host.On("Place", mock.Anything, connID).Return(nil).Once()
	host.On("Handoff", mock.Anything, connID, "survival-1").Return(nil).Once()

	ctrl := newController(t, host)
	hold, err := ctrl.Admit(ctx, connID)
	require.NoError(t, err)
	assert.True(t, hold.Active())

	require.NoError(t, ctrl.Release(ctx, hold, "survival-1"))
	assert.False(t, hold.Active())
}

func TestController_AdmitPlaceFailure(t *testing.T) {
	ctx := context.Background()
	connID := ulid.Make()

	host := mocks.NewMockHost(t)
	host.On("Place", mock.Anything, connID).Return(errors.New("no capacity")).Once()

	ctrl := newController(t, host)
	_, err := ctrl.Admit(ctx, connID)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "LIMBO_PLACE_FAILED")
}

func TestController_Teardown(t *testing.T) {
	ctx := context.Background()
	connID := ulid.Make()

	host := mocks.NewMockHost(t)
	host.On("Place", mock.Anything, connID).Return(nil).Once()
	host.On("Kick", mock.Anything, connID, "authentication timed out").Return(nil).Once()

	ctrl := newController(t, host)
	hold, err := ctrl.Admit(ctx, connID)
	require.NoError(t, err)

	ctrl.Teardown(ctx, hold, "authentication timed out")
	assert.False(t, hold.Active())

	// Second resolution is a no-op; Kick asserted Once above.
	ctrl.Teardown(ctx, hold, "authentication timed out")
}

func TestController_ReleaseAfterTeardownFails(t *testing.T) {
	ctx := context.Background()
	connID := ulid.Make()

	host := mocks.NewMockHost(t)
	host.On("Place", mock.Anything, connID).Return(nil).Once()
	host.On("Kick", mock.Anything, connID, "bye").Return(nil).Once()

	ctrl := newController(t, host)
	hold, err := ctrl.Admit(ctx, connID)
	require.NoError(t, err)

	ctrl.Teardown(ctx, hold, "bye")

	err = ctrl.Release(ctx, hold, "survival-1")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "LIMBO_ALREADY_RESOLVED")
	host.AssertNotCalled(t, "Handoff", mock.Anything, mock.Anything, mock.Anything)
}

func TestController_ReleaseTeardownRace(t *testing.T) {
	ctx := context.Background()
	connID := ulid.Make()

	host := mocks.NewMockHost(t)
	host.On("Place", mock.Anything, connID).Return(nil).Once()
	host.On("Handoff", mock.Anything, connID, "survival-1").Return(nil).Maybe()
	host.On("Kick", mock.Anything, connID, "kicked").Return(nil).Maybe()

	ctrl := newController(t, host)
	hold, err := ctrl.Admit(ctx, connID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var released bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		if ctrl.Release(ctx, hold, "survival-1") == nil {
			released = true
		}
	}()
	go func() {
		defer wg.Done()
		ctrl.Teardown(ctx, hold, "kicked")
	}()
	wg.Wait()

	// Exactly one side wins; either way the hold resolved once.
	assert.False(t, hold.Active())
	if released {
		host.AssertCalled(t, "Handoff", mock.Anything, connID, "survival-1")
	}
}

func TestController_KeepAliveTicks(t *testing.T) {
	ctx := context.Background()
	connID := ulid.Make()

	ticks := make(chan struct{}, 8)
	host := mocks.NewMockHost(t)
	host.On("Place", mock.Anything, connID).Return(nil).Once()
	host.On("KeepAlive", mock.Anything, connID).Run(func(mock.Arguments) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}).Return(nil)
	host.On("Kick", mock.Anything, connID, "done").Return(nil).Once()

	c, err := limbo.NewController(host, 10*time.Millisecond, nil)
	require.NoError(t, err)

	hold, err := c.Admit(ctx, connID)
	require.NoError(t, err)

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive never fired")
	}

	c.Teardown(ctx, hold, "done")
}

func TestNewController_NilHost(t *testing.T) {
	_, err := limbo.NewController(nil, time.Second, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "LIMBO_INVALID")
}
