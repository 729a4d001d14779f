// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package gate implements the per-connection authentication state machine
// and the packet interception rules around it. A connection is held in
// limbo from arrival until the gate reaches a terminal decision; only then
// is it released to a backend or disconnected.
package gate

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/xreatlabs/nexauth/internal/auth"
	"github.com/xreatlabs/nexauth/internal/cluster"
	"github.com/xreatlabs/nexauth/internal/limbo"
	"github.com/xreatlabs/nexauth/internal/packet"
	"github.com/xreatlabs/nexauth/internal/ratelimit"
	"github.com/xreatlabs/nexauth/internal/session"
)

// Verifier is the slice of the credential service the gate needs.
type Verifier interface {
	VerifyPassword(ctx context.Context, name, password string) (*auth.CredentialRecord, error)
	VerifySecondFactor(record *auth.CredentialRecord, code string, t time.Time) error
}

// Broadcaster publishes decisions to sibling proxies. May be absent when
// running single-proxy.
type Broadcaster interface {
	Publish(ctx context.Context, ev cluster.Event) error
}

// Sink delivers synthetic packets (prompts, kick reasons) to a connection.
// Implemented by the hosting platform.
type Sink interface {
	Send(connID ulid.ULID, p packet.Packet)
}

// Config holds the gate's policy knobs.
type Config struct {
	// Backend is the server connections are handed to on release.
	Backend string

	InactivityTimeout   time.Duration
	VerifyTimeout       time.Duration
	SecondFactorTimeout time.Duration
}

// Gate owns one machine per live connection and fans cluster events into
// the local session cache.
type Gate struct {
	cfg      Config
	verifier Verifier
	ledger   *ratelimit.Ledger
	sessions *session.Cache
	rules    *packet.Ruleset
	limbo    *limbo.Controller
	sync     Broadcaster
	sink     Sink
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu       sync.RWMutex
	machines map[ulid.ULID]*machine
}

// Option configures a Gate.
type Option func(*Gate)

// WithBroadcaster attaches the cluster synchronizer.
func WithBroadcaster(b Broadcaster) Option {
	return func(g *Gate) { g.sync = b }
}

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithRegisterer registers the gate's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gate) { g.metrics = NewMetrics(reg) }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate. All dependencies except the broadcaster are required.
func New(cfg Config, verifier Verifier, ledger *ratelimit.Ledger, sessions *session.Cache,
	rules *packet.Ruleset, limboCtrl *limbo.Controller, sink Sink, opts ...Option,
) (*Gate, error) {
	if verifier == nil || ledger == nil || sessions == nil || rules == nil || limboCtrl == nil || sink == nil {
		return nil, oops.Code("GATE_INVALID").Errorf("all gate dependencies are required")
	}
	if cfg.Backend == "" {
		return nil, oops.Code("GATE_INVALID").Errorf("backend name is required")
	}
	if cfg.InactivityTimeout <= 0 || cfg.VerifyTimeout <= 0 || cfg.SecondFactorTimeout <= 0 {
		return nil, oops.Code("GATE_INVALID").Errorf("all gate timeouts must be positive")
	}

	g := &Gate{
		cfg:      cfg,
		verifier: verifier,
		ledger:   ledger,
		sessions: sessions,
		rules:    rules,
		limbo:    limboCtrl,
		sink:     sink,
		logger:   slog.Default(),
		now:      time.Now,
		machines: make(map[ulid.ULID]*machine),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return g, nil
}

// AdmitConnection registers an arriving connection under its claimed
// identity name, places it in limbo, and starts the inactivity deadline.
func (g *Gate) AdmitConnection(ctx context.Context, connID ulid.ULID, name, originAddr string) error {
	if err := auth.ValidateName(name); err != nil {
		return err
	}

	m := &machine{
		gate:       g,
		connID:     connID,
		name:       name,
		originAddr: originAddr,
		originHost: originHost(originAddr),
		state:      session.StateConnecting,
	}

	g.mu.Lock()
	if _, exists := g.machines[connID]; exists {
		g.mu.Unlock()
		return oops.Code("GATE_DUPLICATE_CONN").
			With("conn_id", connID.String()).
			Errorf("connection already admitted")
	}
	g.machines[connID] = m
	g.mu.Unlock()

	hold, err := g.limbo.Admit(ctx, connID)
	if err != nil {
		g.unregister(connID)
		return err
	}
	g.metrics.limboActive.Inc()

	m.mu.Lock()
	if m.torn {
		// Transport closed while limbo placement was in flight.
		m.mu.Unlock()
		g.limbo.Teardown(ctx, hold, "")
		g.metrics.limboActive.Dec()
		return nil
	}
	m.hold = hold
	m.transitionLocked(session.StateAwaitingCredentials)
	m.startTimerLocked(g.cfg.InactivityTimeout)
	m.mu.Unlock()

	g.send(connID, packet.Prompt(msgPromptPassword))
	return nil
}

// HandleInbound classifies one inbound packet. Connections the gate does
// not know pass through untouched.
func (g *Gate) HandleInbound(connID ulid.ULID, pkt packet.Packet) packet.Decision {
	m, ok := g.lookup(connID)
	if !ok {
		return packet.Allow
	}
	return m.handleInbound(pkt)
}

// HandleOutbound filters one outbound packet.
func (g *Gate) HandleOutbound(connID ulid.ULID, pkt packet.Packet) packet.Decision {
	m, ok := g.lookup(connID)
	if !ok {
		return packet.Allow
	}
	return m.handleOutbound(pkt)
}

// Disconnect tears down all per-connection resources when the transport
// closes. Safe to call for unknown connections.
func (g *Gate) Disconnect(connID ulid.ULID) {
	m, ok := g.lookup(connID)
	if !ok {
		return
	}
	m.disconnect()
}

// State returns the current state of a connection's machine.
func (g *Gate) State(connID ulid.ULID) (session.State, bool) {
	m, ok := g.lookup(connID)
	if !ok {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, true
}

// ApplyClusterEvent applies one remote decision to local state. Called from
// the synchronizer's subscriber goroutine.
func (g *Gate) ApplyClusterEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.EventLogin, cluster.EventKick:
		g.sessions.DropVerdict(ev.IdentityName)
		if removed, ok := g.sessions.InvalidateName(ev.IdentityName); ok {
			reason := msgDisplaced
			if ev.Type == cluster.EventKick {
				reason = "You have been disconnected by an administrator."
			}
			g.kick(removed.ConnID, reason)
		}

	case cluster.EventLogout, cluster.EventCacheInvalidate:
		g.sessions.DropVerdict(ev.IdentityName)
		g.sessions.InvalidateName(ev.IdentityName)

	case cluster.EventLockoutClear:
		g.ledger.Clear(ratelimit.IdentityKey(ev.IdentityName))
		g.sessions.DropVerdict(ev.IdentityName)

	default:
		g.logger.Warn("ignoring unknown cluster event type",
			slog.String("type", string(ev.Type)))
	}
}

// KickIdentity force-disconnects a locally held identity by name. Returns
// false when the identity has no local session.
func (g *Gate) KickIdentity(name, reason string) bool {
	g.sessions.DropVerdict(name)
	removed, ok := g.sessions.InvalidateName(name)
	if !ok {
		return false
	}
	g.kick(removed.ConnID, reason)
	return true
}

// ActiveConnections returns the number of live machines.
func (g *Gate) ActiveConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.machines)
}

// Shutdown kicks every live connection. Used during graceful stop.
func (g *Gate) Shutdown(reason string) {
	g.mu.RLock()
	ids := make([]ulid.ULID, 0, len(g.machines))
	for id := range g.machines {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	for _, id := range ids {
		g.kick(id, reason)
	}
}

func (g *Gate) lookup(connID ulid.ULID) (*machine, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.machines[connID]
	return m, ok
}

func (g *Gate) kick(connID ulid.ULID, reason string) {
	m, ok := g.lookup(connID)
	if !ok {
		return
	}
	m.kick(reason)
}

func (g *Gate) unregister(connID ulid.ULID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.machines, connID)
}

func (g *Gate) send(connID ulid.ULID, p packet.Packet) {
	g.sink.Send(connID, p)
}

// originHost strips the port from a remote address, falling back to the
// raw string for addresses without one.
func originHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// broadcast publishes a cluster event, stamping the timestamp at commit
// time. Publish failures are logged by the synchronizer and never block
// the local decision.
func (g *Gate) broadcast(ev cluster.Event) {
	if g.sync == nil {
		return
	}
	ev.Timestamp = g.now().UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = g.sync.Publish(ctx, ev)
}
