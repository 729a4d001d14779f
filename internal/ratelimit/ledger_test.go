// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package ratelimit_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xreatlabs/nexauth/internal/ratelimit"
)

func testConfig() ratelimit.Config {
	return ratelimit.Config{
		Threshold:    3,
		Window:       10 * time.Minute,
		LockoutBase:  5 * time.Minute,
		LockoutMax:   time.Hour,
		IdleEviction: 30 * time.Minute,
	}
}

// fakeClock is a mutable time source for ledger tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLedger(t *testing.T, clock *fakeClock) *ratelimit.Ledger {
	t.Helper()
	l := ratelimit.NewLedger(testConfig(), ratelimit.WithClock(clock.Now))
	t.Cleanup(l.Stop)
	return l
}

func TestLedger_ThresholdTriggersLockout(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)
	key := ratelimit.IdentityKey("alice")

	s := ledger.RecordFailure(key)
	assert.Equal(t, 1, s.Failures)
	assert.False(t, s.Locked)

	s = ledger.RecordFailure(key)
	assert.Equal(t, 2, s.Failures)
	assert.False(t, s.Locked)

	s = ledger.RecordFailure(key)
	assert.True(t, s.Locked)
	assert.Equal(t, clock.Now().Add(5*time.Minute), s.LockedUntil)
	assert.True(t, ledger.IsLocked(key))
}

func TestLedger_LockoutExpires(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)
	key := ratelimit.IdentityKey("alice")

	for i := 0; i < 3; i++ {
		ledger.RecordFailure(key)
	}
	require.True(t, ledger.IsLocked(key))

	clock.Advance(5*time.Minute + time.Second)
	assert.False(t, ledger.IsLocked(key))
}

func TestLedger_RepeatOffenseDoublesLockout(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)
	key := ratelimit.AddrKey("10.0.0.1")

	for i := 0; i < 3; i++ {
		ledger.RecordFailure(key)
	}
	clock.Advance(6 * time.Minute)

	var s ratelimit.State
	for i := 0; i < 3; i++ {
		s = ledger.RecordFailure(key)
	}
	require.True(t, s.Locked)
	// Second offense: base 5m doubled to 10m.
	assert.Equal(t, clock.Now().Add(10*time.Minute), s.LockedUntil)
	assert.Equal(t, 2, s.Offenses)
}

func TestLedger_LockoutCapped(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)
	key := ratelimit.IdentityKey("persistent")

	// Drive many offenses; 5m doubled 4+ times exceeds the 1h cap.
	var s ratelimit.State
	for offense := 0; offense < 6; offense++ {
		for i := 0; i < 3; i++ {
			s = ledger.RecordFailure(key)
		}
		clock.Advance(2 * time.Hour)
	}
	assert.LessOrEqual(t, s.LockedUntil.Sub(clock.Now().Add(-2*time.Hour)), time.Hour)
}

func TestLedger_SlidingWindowForgetsOldFailures(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)
	key := ratelimit.IdentityKey("slow")

	ledger.RecordFailure(key)
	ledger.RecordFailure(key)
	clock.Advance(11 * time.Minute)

	s := ledger.RecordFailure(key)
	assert.Equal(t, 1, s.Failures, "failures outside the window must not count")
	assert.False(t, s.Locked)
}

func TestLedger_RecordSuccessClears(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)
	key := ratelimit.IdentityKey("alice")

	ledger.RecordFailure(key)
	ledger.RecordFailure(key)
	ledger.RecordSuccess(key)

	s := ledger.RecordFailure(key)
	assert.Equal(t, 1, s.Failures)
}

func TestLedger_KeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)

	for i := 0; i < 3; i++ {
		ledger.RecordFailure(ratelimit.IdentityKey("alice"))
	}
	assert.True(t, ledger.IsLocked(ratelimit.IdentityKey("alice")))
	assert.False(t, ledger.IsLocked(ratelimit.AddrKey("10.0.0.1")))
	assert.False(t, ledger.IsLocked(ratelimit.IdentityKey("bob")))
}

func TestLedger_ConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	ledger := newLedger(t, clock)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := ratelimit.IdentityKey(fmt.Sprintf("user%d", n%8))
			for j := 0; j < 100; j++ {
				ledger.RecordFailure(key)
				ledger.IsLocked(key)
			}
		}(i)
	}
	wg.Wait()
}
