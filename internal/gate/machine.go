// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xreatlabs/nexauth/internal/auth"
	"github.com/xreatlabs/nexauth/internal/cluster"
	"github.com/xreatlabs/nexauth/internal/limbo"
	"github.com/xreatlabs/nexauth/internal/packet"
	"github.com/xreatlabs/nexauth/internal/ratelimit"
	"github.com/xreatlabs/nexauth/internal/session"
	"github.com/xreatlabs/nexauth/pkg/errutil"
)

// User-visible messages. Unknown identity and wrong password share one
// message so accounts cannot be enumerated.
const (
	msgPromptPassword     = "Please authenticate with your password."
	msgPromptCode         = "Enter your one-time code."
	msgInvalidCredentials = "Invalid name or password."
	msgLocked             = "Too many failed attempts. Try again later."
	msgTimedOut           = "Authentication timed out."
	msgStoreUnavailable   = "Authentication is temporarily unavailable. Try again later."
	msgDisplaced          = "You logged in from another location."
	msgWelcome            = "Authentication successful. Connecting you now."
)

// machine drives one connection through the authentication lifecycle.
// All state is guarded by mu; no two transitions for one connection ever
// run concurrently. Lock ordering: a machine's mu may be acquired with the
// gate registry lock released only, and teardown takes the registry lock
// while holding mu; the registry must never acquire mu while locked.
type machine struct {
	gate       *Gate
	connID     ulid.ULID
	name       string
	originAddr string
	// originHost is originAddr without the ephemeral port, so per-origin
	// ledger entries aggregate across connections.
	originHost string

	mu    sync.Mutex
	state session.State
	hold  *limbo.Hold

	// record is set once the password phase succeeds; the second-factor
	// phase verifies against it without another store round-trip.
	record *auth.CredentialRecord

	// verifySeq invalidates in-flight verification results after a
	// transition; a result carrying a stale sequence is discarded.
	verifySeq uint64
	// queued holds packets ruled Queue, including coalesced duplicate
	// credential submissions. Discarded when the in-flight result lands
	// or the connection resolves.
	queued []packet.Packet

	// timerGen invalidates stale timers the same way verifySeq
	// invalidates stale verification results.
	timer    *time.Timer
	timerGen uint64

	torn bool
}

func (m *machine) logger() *slog.Logger {
	return m.gate.logger.With(
		slog.String("conn_id", m.connID.String()),
		slog.String("name", m.name),
	)
}

// transitionLocked moves to a new state, cancelling any timer guarding the
// state being left.
func (m *machine) transitionLocked(to session.State) {
	m.cancelTimerLocked()
	from := m.state
	m.state = to
	m.gate.metrics.transitions.WithLabelValues(string(to)).Inc()
	m.logger().Debug("gate transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

func (m *machine) startTimerLocked(d time.Duration) {
	m.cancelTimerLocked()
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() { m.onTimeout(gen) })
}

func (m *machine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

// onTimeout fires when a state's deadline elapses. A generation mismatch
// means the machine already moved on and the timer is stale.
func (m *machine) onTimeout(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torn || gen != m.timerGen {
		return
	}

	m.transitionLocked(session.StateTimedOut)
	m.gate.metrics.attempts.WithLabelValues(outcomeTimeout).Inc()
	m.logger().Info("authentication timed out",
		slog.String("state", string(session.StateTimedOut)))
	m.teardownLocked(msgTimedOut)
}

// handleInbound classifies one inbound packet under the connection's
// current state.
func (m *machine) handleInbound(pkt packet.Packet) packet.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == session.StateReleased {
		// Detached: the raw pipeline resumes unfiltered. Traffic still
		// counts as activity on the cached session.
		m.gate.sessions.TouchConn(m.connID)
		return packet.Allow
	}
	if m.torn || m.state.Terminal() {
		return packet.Drop
	}

	if pkt.Kind == "chat.message" {
		return m.handleSubmissionLocked(pkt)
	}

	if m.gate.rules.AllowedPreAuth(pkt.Kind) {
		return packet.Allow
	}
	// Silent drop: no acknowledgment leaks what the server filtered.
	return packet.Drop
}

// handleOutbound filters one outbound packet.
func (m *machine) handleOutbound(pkt packet.Packet) packet.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == session.StateReleased {
		return packet.Allow
	}
	if m.gate.rules.DeniedOutbound(pkt.Kind) {
		return packet.Drop
	}
	return packet.Allow
}

// handleSubmissionLocked routes a chat payload as a credential or one-time
// code depending on state. Submissions are consumed by the gate and never
// forwarded.
func (m *machine) handleSubmissionLocked(pkt packet.Packet) packet.Decision {
	switch m.state {
	case session.StateAwaitingCredentials:
		m.submitPasswordLocked(string(pkt.Payload))
		return packet.Drop

	case session.StateVerifying:
		// Duplicate while in flight: queue and later discard, so exactly
		// one verification result ever applies.
		m.queued = append(m.queued, pkt)
		return packet.Queue

	case session.StateAwaitingSecondFactor:
		m.submitCodeLocked(string(pkt.Payload))
		return packet.Drop

	default:
		return packet.Drop
	}
}

// submitPasswordLocked starts the verification round-trip. An active
// lockout or a fresh negative verdict rejects without touching the store.
func (m *machine) submitPasswordLocked(password string) {
	if m.gate.ledger.IsLocked(ratelimit.IdentityKey(m.name)) ||
		m.gate.ledger.IsLocked(ratelimit.AddrKey(m.originHost)) {
		m.gate.sessions.StoreVerdict(m.name, false)
		m.rejectLocked(outcomeLocked, msgLocked)
		return
	}
	if v, ok := m.gate.sessions.RecentVerdict(m.name); ok && !v.OK {
		m.rejectLocked(outcomeLocked, msgLocked)
		return
	}

	m.transitionLocked(session.StateVerifying)
	m.startTimerLocked(m.gate.cfg.VerifyTimeout)
	m.verifySeq++
	seq := m.verifySeq

	started := m.gate.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.gate.cfg.VerifyTimeout)
		defer cancel()

		record, err := m.gate.verifier.VerifyPassword(ctx, m.name, password)
		m.gate.metrics.verifyDuration.Observe(m.gate.now().Sub(started).Seconds())
		m.applyVerifyResult(seq, record, err)
	}()
}

// applyVerifyResult lands the outcome of a password verification. Results
// arriving after a timeout, disconnect, or newer submission are discarded.
func (m *machine) applyVerifyResult(seq uint64, record *auth.CredentialRecord, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torn || m.state != session.StateVerifying || seq != m.verifySeq {
		return
	}
	m.queued = nil // coalesced duplicates are discarded, not replayed

	switch {
	case err == nil:
		m.record = record
		if record.HasSecondFactor() {
			m.transitionLocked(session.StateAwaitingSecondFactor)
			m.startTimerLocked(m.gate.cfg.SecondFactorTimeout)
			m.gate.send(m.connID, packet.Prompt(msgPromptCode))
			return
		}
		m.authenticateLocked()

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		// The verification deadline elapsed; treat like the timer firing.
		m.transitionLocked(session.StateTimedOut)
		m.gate.metrics.attempts.WithLabelValues(outcomeTimeout).Inc()
		m.teardownLocked(msgTimedOut)

	case errutil.HasCode(err, "STORE_UNAVAILABLE"):
		m.logger().Error("credential store unavailable", slog.String("error", err.Error()))
		m.gate.metrics.attempts.WithLabelValues(outcomeStoreUnavailable).Inc()
		m.transitionLocked(session.StateRejected)
		m.teardownLocked(msgStoreUnavailable)

	default:
		m.recordFailureLocked()
		m.rejectLocked(outcomeInvalid, msgInvalidCredentials)
	}
}

// submitCodeLocked verifies a one-time code against the record obtained in
// the password phase. No store I/O happens here.
func (m *machine) submitCodeLocked(code string) {
	err := m.gate.verifier.VerifySecondFactor(m.record, code, m.gate.now())
	if err != nil {
		m.recordFailureLocked()
		m.rejectLocked(outcomeInvalid, msgInvalidCredentials)
		return
	}
	m.authenticateLocked()
}

// authenticateLocked performs the decided success path in strict order:
// transition, local cache write, limbo release, cluster broadcast.
func (m *machine) authenticateLocked() {
	m.transitionLocked(session.StateAuthenticated)
	m.gate.metrics.attempts.WithLabelValues(outcomeSuccess).Inc()

	m.gate.ledger.RecordSuccess(ratelimit.IdentityKey(m.name))
	m.gate.ledger.RecordSuccess(ratelimit.AddrKey(m.originHost))
	m.gate.sessions.StoreVerdict(m.name, true)

	now := m.gate.now()
	sess := &session.Session{
		IdentityID:     m.record.IdentityID,
		IdentityName:   m.record.Name,
		ConnID:         m.connID,
		State:          session.StateAuthenticated,
		EstablishedAt:  now,
		LastActivityAt: now,
		OriginAddr:     m.originAddr,
		Authoritative:  true,
	}
	displaced := m.gate.sessions.Store(sess)
	if displaced != nil {
		// Two authoritative sessions for one identity: the newer one wins
		// and the older connection is demoted.
		m.logger().Warn("displacing previous session",
			slog.String("displaced_conn_id", displaced.ConnID.String()))
		go m.gate.kick(displaced.ConnID, msgDisplaced)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.gate.cfg.VerifyTimeout)
	defer cancel()

	if err := m.gate.limbo.Release(ctx, m.hold, m.gate.cfg.Backend); err != nil {
		errutil.LogError(m.logger(), "limbo release failed", err)
		// The hold resolved even though the hand-off failed, so teardown
		// cannot kick through it; disconnect the client directly and drop
		// the session stored above.
		m.gate.metrics.limboActive.Dec()
		m.transitionLocked(session.StateDisconnected)
		m.gate.sessions.InvalidateConn(m.connID)
		m.gate.send(m.connID, packet.Kick(msgStoreUnavailable))
		m.teardownLocked("")
		return
	}
	m.gate.metrics.limboActive.Dec()

	m.transitionLocked(session.StateReleased)
	m.queued = nil
	m.gate.send(m.connID, packet.Message(msgWelcome))
	m.logger().Info("connection released",
		slog.String("backend", m.gate.cfg.Backend),
		slog.String("identity_id", m.record.IdentityID.String()))

	// Broadcast only after the local cache write committed.
	m.gate.broadcast(cluster.Event{
		Type:         cluster.EventLogin,
		IdentityID:   m.record.IdentityID.String(),
		IdentityName: m.record.Name,
	})
}

func (m *machine) recordFailureLocked() {
	m.gate.ledger.RecordFailure(ratelimit.IdentityKey(m.name))
	m.gate.ledger.RecordFailure(ratelimit.AddrKey(m.originHost))
}

// rejectLocked finishes a failed attempt.
func (m *machine) rejectLocked(outcome, message string) {
	m.transitionLocked(session.StateRejected)
	m.gate.metrics.attempts.WithLabelValues(outcome).Inc()
	m.logger().Info("authentication rejected", slog.String("outcome", outcome))
	m.teardownLocked(message)
}

// disconnect handles transport closure from any state.
func (m *machine) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torn {
		return
	}

	if m.state == session.StateReleased {
		m.torn = true
		m.transitionLocked(session.StateDisconnected)
		m.gate.unregister(m.connID)
		if removed, ok := m.gate.sessions.InvalidateConn(m.connID); ok {
			m.gate.broadcast(cluster.Event{
				Type:         cluster.EventLogout,
				IdentityID:   removed.IdentityID.String(),
				IdentityName: removed.IdentityName,
			})
		}
		return
	}

	m.transitionLocked(session.StateDisconnected)
	m.teardownLocked("")
}

// kick force-disconnects the client with a reason, from any state.
func (m *machine) kick(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torn {
		return
	}

	if m.state == session.StateReleased {
		m.torn = true
		m.transitionLocked(session.StateDisconnected)
		m.gate.unregister(m.connID)
		m.gate.sessions.InvalidateConn(m.connID)
		m.gate.send(m.connID, packet.Kick(reason))
		return
	}

	m.transitionLocked(session.StateDisconnected)
	m.teardownLocked(reason)
}

// teardownLocked releases everything the machine owns: timers, queued
// packets, the limbo hold, and the registry slot. Idempotent.
func (m *machine) teardownLocked(reason string) {
	if m.torn {
		return
	}
	m.torn = true

	m.cancelTimerLocked()
	m.queued = nil
	m.gate.unregister(m.connID)

	if m.hold != nil && m.hold.Active() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.gate.limbo.Teardown(ctx, m.hold, reason)
		cancel()
		m.gate.metrics.limboActive.Dec()
	}
}
