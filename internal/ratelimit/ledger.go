// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package ratelimit tracks failed authentication attempts per identity and
// per network origin, escalating to time-bounded lockouts.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// shardCount is fixed; keys are distributed by FNV-1a so unrelated
// connections never contend on one lock.
const shardCount = 64

// Config holds the brute-force policy.
type Config struct {
	// Threshold is the number of failures inside Window that triggers a lockout.
	Threshold int

	// Window is the sliding window failures are counted in.
	Window time.Duration

	// LockoutBase is the first lockout duration; it doubles per repeated
	// offense up to LockoutMax.
	LockoutBase time.Duration

	// LockoutMax caps the lockout duration.
	LockoutMax time.Duration

	// IdleEviction is how long an entry may sit with no activity before the
	// janitor removes it.
	IdleEviction time.Duration
}

// State is the ledger's view of one key after an operation.
type State struct {
	Failures    int
	Locked      bool
	LockedUntil time.Time
	Offenses    int
}

// IdentityKey returns the ledger key for an identity name.
func IdentityKey(name string) string { return "identity:" + name }

// AddrKey returns the ledger key for an origin address.
func AddrKey(addr string) string { return "addr:" + addr }

type entry struct {
	failures    []time.Time
	lockedUntil time.Time
	offenses    int
	lastSeen    time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Ledger is the attempt ledger. All methods are safe for concurrent use.
type Ledger struct {
	cfg    Config
	now    func() time.Time
	shards [shardCount]*shard
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger and starts its eviction janitor.
// Call Stop to release the janitor goroutine.
func NewLedger(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:  cfg,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.janitor()
	return l
}

// Stop terminates the eviction janitor.
func (l *Ledger) Stop() {
	close(l.stop)
	<-l.done
}

// RecordFailure registers a failed attempt for key and returns the
// resulting state. Crossing the threshold inside the sliding window starts
// a lockout whose duration doubles with each repeated offense.
func (l *Ledger) RecordFailure(key string) State {
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.lastSeen = now

	e.failures = append(e.failures, now)
	l.prune(e, now)

	if len(e.failures) >= l.cfg.Threshold && !now.Before(e.lockedUntil) {
		duration := l.cfg.LockoutBase << uint(e.offenses)
		if duration > l.cfg.LockoutMax || duration <= 0 {
			duration = l.cfg.LockoutMax
		}
		e.lockedUntil = now.Add(duration)
		e.offenses++
		e.failures = e.failures[:0]
	}

	return l.stateOf(e, now)
}

// RecordSuccess clears all counters and any lockout for key.
func (l *Ledger) RecordSuccess(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// IsLocked reports whether key is currently locked out.
func (l *Ledger) IsLocked(key string) bool {
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.lastSeen = now
	return now.Before(e.lockedUntil)
}

// Clear removes key from the ledger entirely. Admin operation.
func (l *Ledger) Clear(key string) {
	l.RecordSuccess(key)
}

// prune drops failures that fell out of the sliding window.
func (l *Ledger) prune(e *entry, now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	kept := e.failures[:0]
	for _, t := range e.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures = kept
}

func (l *Ledger) stateOf(e *entry, now time.Time) State {
	return State{
		Failures:    len(e.failures),
		Locked:      now.Before(e.lockedUntil),
		LockedUntil: e.lockedUntil,
		Offenses:    e.offenses,
	}
}

func (l *Ledger) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key)) //nolint:errcheck // fnv never fails
	return l.shards[h.Sum32()%shardCount]
}

// janitor evicts entries idle past the configured period. Locked entries
// are kept until the lockout has expired, however idle.
func (l *Ledger) janitor() {
	defer close(l.done)

	interval := l.cfg.IdleEviction / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Ledger) evictIdle() {
	now := l.now()
	cutoff := now.Add(-l.cfg.IdleEviction)
	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.lastSeen.Before(cutoff) && !now.Before(e.lockedUntil) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}
