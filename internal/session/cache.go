// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package session

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Verdict is a short-lived verification result kept so that a rapid
// reconnect does not have to hit the credential store again.
type Verdict struct {
	OK        bool
	ExpiresAt time.Time
}

// Cache holds authenticated sessions for this process, bounded by entry
// count and absolute age. It also keeps a small positive/negative
// verification cache keyed by identity name.
type Cache struct {
	mu         sync.Mutex
	byIdentity *lru.Cache[ulid.ULID, *Session]
	byConn     map[ulid.ULID]ulid.ULID
	verdicts   *lru.Cache[string, Verdict]

	maxAge    time.Duration
	verifyTTL time.Duration
	now       func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the time source. Used in tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a session cache holding at most maxEntries sessions.
// Sessions older than maxAge are treated as absent regardless of activity.
func NewCache(maxEntries int, maxAge, verifyTTL time.Duration, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		byConn:    make(map[ulid.ULID]ulid.ULID),
		maxAge:    maxAge,
		verifyTTL: verifyTTL,
		now:       time.Now,
	}

	// The eviction callback keeps the connID index consistent when the LRU
	// drops the oldest entry on overflow.
	byIdentity, err := lru.NewWithEvict[ulid.ULID, *Session](maxEntries, func(_ ulid.ULID, s *Session) {
		delete(c.byConn, s.ConnID)
	})
	if err != nil {
		return nil, oops.Code("SESSION_CACHE_INVALID").Wrapf(err, "creating session cache")
	}
	c.byIdentity = byIdentity

	verdicts, err := lru.New[string, Verdict](maxEntries)
	if err != nil {
		return nil, oops.Code("SESSION_CACHE_INVALID").Wrapf(err, "creating verdict cache")
	}
	c.verdicts = verdicts

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store inserts or replaces the session for its identity. If another
// connection already holds an authoritative session for the same identity,
// that session is returned as displaced so the caller can kick it.
func (c *Cache) Store(s *Session) (displaced *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.byIdentity.Get(s.IdentityID); ok {
		if prev.Authoritative && prev.ConnID.Compare(s.ConnID) != 0 {
			displaced = prev.clone()
		}
		delete(c.byConn, prev.ConnID)
	}

	stored := s.clone()
	c.byIdentity.Add(s.IdentityID, stored)
	c.byConn[s.ConnID] = s.IdentityID
	return displaced
}

// GetByIdentity returns the cached session for an identity, or false when
// absent or past the maximum age.
func (c *Cache) GetByIdentity(id ulid.ULID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(id)
}

// GetByConn returns the cached session owning a connection.
func (c *Cache) GetByConn(connID ulid.ULID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byConn[connID]
	if !ok {
		return nil, false
	}
	return c.getLocked(id)
}

func (c *Cache) getLocked(id ulid.ULID) (*Session, bool) {
	s, ok := c.byIdentity.Get(id)
	if !ok {
		return nil, false
	}
	if c.maxAge > 0 && c.now().Sub(s.EstablishedAt) > c.maxAge {
		c.removeLocked(id, s)
		return nil, false
	}
	return s.clone(), true
}

// Invalidate removes the session for an identity. It returns the removed
// session, if any, so the caller can act on the owning connection.
func (c *Cache) Invalidate(id ulid.ULID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byIdentity.Peek(id)
	if !ok {
		return nil, false
	}
	c.removeLocked(id, s)
	return s.clone(), true
}

// InvalidateConn removes the session owning a connection.
func (c *Cache) InvalidateConn(connID ulid.ULID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byConn[connID]
	if !ok {
		return nil, false
	}
	s, ok := c.byIdentity.Peek(id)
	if !ok {
		delete(c.byConn, connID)
		return nil, false
	}
	c.removeLocked(id, s)
	return s.clone(), true
}

// TouchConn refreshes the last-activity timestamp of the session owning a
// connection. Unknown connections are ignored.
func (c *Cache) TouchConn(connID ulid.ULID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byConn[connID]
	if !ok {
		return
	}
	if s, ok := c.byIdentity.Peek(id); ok {
		s.LastActivityAt = c.now()
	}
}

// InvalidateName removes the session for an identity name. Cluster events
// carry names, not local identity handles.
func (c *Cache) InvalidateName(name string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.byIdentity.Keys() {
		s, ok := c.byIdentity.Peek(id)
		if !ok {
			continue
		}
		if strings.EqualFold(s.IdentityName, name) {
			c.removeLocked(id, s)
			return s.clone(), true
		}
	}
	return nil, false
}

func (c *Cache) removeLocked(id ulid.ULID, s *Session) {
	// Remove the index entry first; the LRU eviction callback would also
	// delete it, but only for the connID the stored session carries.
	delete(c.byConn, s.ConnID)
	c.byIdentity.Remove(id)
}

// StoreVerdict records a verification outcome for an identity name. The
// entry expires after the configured TTL.
func (c *Cache) StoreVerdict(name string, ok bool) {
	if c.verifyTTL <= 0 {
		return
	}
	c.verdicts.Add(strings.ToLower(name), Verdict{
		OK:        ok,
		ExpiresAt: c.now().Add(c.verifyTTL),
	})
}

// RecentVerdict returns an unexpired verification outcome for a name.
func (c *Cache) RecentVerdict(name string) (Verdict, bool) {
	key := strings.ToLower(name)
	v, ok := c.verdicts.Get(key)
	if !ok {
		return Verdict{}, false
	}
	if c.now().After(v.ExpiresAt) {
		c.verdicts.Remove(key)
		return Verdict{}, false
	}
	return v, true
}

// DropVerdict discards any cached verification outcome for a name.
func (c *Cache) DropVerdict(name string) {
	c.verdicts.Remove(strings.ToLower(name))
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byIdentity.Len()
}
