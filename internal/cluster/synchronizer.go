// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package cluster propagates authentication events between sibling proxies
// over a shared pub/sub topic. Delivery is at-least-once; application is
// idempotent, keyed by identity and a non-decreasing timestamp.
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// EventType classifies a cluster event.
type EventType string

const (
	EventLogin           EventType = "LOGIN"
	EventLogout          EventType = "LOGOUT"
	EventKick            EventType = "KICK"
	EventCacheInvalidate EventType = "CACHE_INVALIDATE"
	EventLockoutClear    EventType = "LOCKOUT_CLEAR"
)

// Event is the wire format shared by all proxies on the topic.
type Event struct {
	Type          EventType `json:"type"`
	IdentityID    string    `json:"identity_id"`
	IdentityName  string    `json:"identity_name"`
	OriginProxyID string    `json:"origin_proxy_id"`
	// Timestamp is unix milliseconds at the origin proxy.
	Timestamp int64 `json:"timestamp"`
}

// Handler receives remote events that passed the idempotence filter.
// It is called from the subscriber goroutine and must not block for long.
type Handler func(Event)

// lastAppliedCapacity bounds the per-identity timestamp map.
const lastAppliedCapacity = 4096

// Synchronizer publishes local decisions and applies remote ones.
type Synchronizer struct {
	client  redis.UniversalClient
	topic   string
	proxyID string
	handler Handler
	logger  *slog.Logger
	now     func() time.Time

	// lastApplied tracks the newest timestamp applied per identity so
	// replayed or stale events are discarded.
	mu          sync.Mutex
	lastApplied *lru.Cache[string, int64]

	stop chan struct{}
	done chan struct{}
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a Synchronizer. Call Start to begin receiving and
// Stop to shut down.
func NewSynchronizer(client redis.UniversalClient, topic, proxyID string, handler Handler, logger *slog.Logger, opts ...Option) (*Synchronizer, error) {
	if client == nil {
		return nil, oops.Code("SYNC_INVALID").Errorf("redis client cannot be nil")
	}
	if topic == "" {
		return nil, oops.Code("SYNC_INVALID").Errorf("topic cannot be empty")
	}
	if proxyID == "" {
		return nil, oops.Code("SYNC_INVALID").Errorf("proxy ID cannot be empty")
	}
	if handler == nil {
		handler = func(Event) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	lastApplied, err := lru.New[string, int64](lastAppliedCapacity)
	if err != nil {
		return nil, oops.Code("SYNC_INVALID").Wrapf(err, "creating idempotence cache")
	}

	s := &Synchronizer{
		client:      client,
		topic:       topic,
		proxyID:     proxyID,
		handler:     handler,
		logger:      logger,
		now:         time.Now,
		lastApplied: lastApplied,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the subscriber loop. It returns once the subscription is
// confirmed so callers know sibling events will be observed from here on.
func (s *Synchronizer) Start(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return oops.
			Code("SYNC_UNAVAILABLE").
			With("topic", s.topic).
			Wrapf(err, "subscribing to cluster topic")
	}

	go s.run(sub)
	return nil
}

// Stop terminates the subscriber loop.
func (s *Synchronizer) Stop() {
	close(s.stop)
	<-s.done
}

// Publish sends an event to sibling proxies. Callers must publish only
// after their local cache write is committed. Failures are logged and
// returned; they must never abort the local decision.
func (s *Synchronizer) Publish(ctx context.Context, ev Event) error {
	ev.OriginProxyID = s.proxyID
	if ev.Timestamp == 0 {
		ev.Timestamp = s.now().UnixMilli()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return oops.Code("SYNC_UNAVAILABLE").Wrapf(err, "encoding cluster event")
	}

	if err := s.client.Publish(ctx, s.topic, payload).Err(); err != nil {
		s.logger.Warn("cluster publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("identity_name", ev.IdentityName),
			slog.String("error", err.Error()))
		return oops.
			Code("SYNC_UNAVAILABLE").
			With("type", string(ev.Type)).
			Wrapf(err, "publishing cluster event")
	}
	return nil
}

// run consumes the subscription until Stop. The go-redis channel survives
// transient connection loss; if it closes anyway, run re-subscribes with
// backoff.
func (s *Synchronizer) run(sub *redis.PubSub) {
	defer close(s.done)

	backoff := time.Second
	for {
		ch := sub.Channel()
	consume:
		for {
			select {
			case <-s.stop:
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break consume
				}
				backoff = time.Second
				s.dispatch([]byte(msg.Payload))
			}
		}

		_ = sub.Close()
		s.logger.Warn("cluster subscription lost, reconnecting",
			slog.String("topic", s.topic),
			slog.Duration("backoff", backoff))

		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}

		sub = s.client.Subscribe(context.Background(), s.topic)
	}
}

// dispatch decodes and applies one raw message.
func (s *Synchronizer) dispatch(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("discarding malformed cluster event",
			slog.String("error", err.Error()))
		return
	}

	// Our own broadcasts echo back on the topic; applying them would kick
	// the very session they announce.
	if ev.OriginProxyID == s.proxyID {
		return
	}

	if !s.admit(ev) {
		return
	}
	s.handler(ev)
}

// admit enforces idempotence: an event is applied only if its timestamp is
// newer than the last one applied for the same identity.
func (s *Synchronizer) admit(ev Event) bool {
	key := ev.IdentityID
	if key == "" {
		key = ev.IdentityName
	}
	if key == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastApplied.Get(key); ok && ev.Timestamp <= last {
		return false
	}
	s.lastApplied.Add(key, ev.Timestamp)
	return true
}
