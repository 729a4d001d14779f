// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package limbo holds unauthenticated connections in an isolated context
// until the gate resolves them. The actual hosting primitives are provided
// by the platform through the Host interface.
package limbo

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Host is the platform capability the controller drives. Implementations
// must be safe for concurrent use across connections.
type Host interface {
	// Place moves a connection into the isolated holding context.
	Place(ctx context.Context, connID ulid.ULID) error

	// KeepAlive keeps the held client from idle-kicking itself.
	KeepAlive(ctx context.Context, connID ulid.ULID) error

	// Handoff transfers the connection to a named backend and tears down
	// the holding context in one step.
	Handoff(ctx context.Context, connID ulid.ULID, backend string) error

	// Kick disconnects the held client with a user-visible reason.
	Kick(ctx context.Context, connID ulid.ULID, reason string) error
}

// Hold states. A hold resolves exactly once: release and teardown race on a
// single compare-and-swap, so the client never sees both.
const (
	holdActive int32 = iota
	holdReleased
	holdTorn
)

// Hold represents one connection kept in limbo.
type Hold struct {
	ConnID ulid.ULID

	state atomic.Int32
	stop  chan struct{}
	done  chan struct{}
}

// Active reports whether the hold has not yet resolved.
func (h *Hold) Active() bool {
	return h.state.Load() == holdActive
}

// Controller admits connections into limbo and resolves them.
type Controller struct {
	host              Host
	keepAliveInterval time.Duration
	logger            *slog.Logger
}

// NewController creates a Controller driving the given host.
func NewController(host Host, keepAliveInterval time.Duration, logger *slog.Logger) (*Controller, error) {
	if host == nil {
		return nil, oops.Code("LIMBO_INVALID").Errorf("host cannot be nil")
	}
	if keepAliveInterval <= 0 {
		keepAliveInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		host:              host,
		keepAliveInterval: keepAliveInterval,
		logger:            logger,
	}, nil
}

// Admit places a connection into limbo and starts its keep-alive loop.
// The returned Hold must be resolved with Release or Teardown.
func (c *Controller) Admit(ctx context.Context, connID ulid.ULID) (*Hold, error) {
	if err := c.host.Place(ctx, connID); err != nil {
		return nil, oops.
			Code("LIMBO_PLACE_FAILED").
			With("conn_id", connID.String()).
			Wrapf(err, "placing connection in limbo")
	}

	h := &Hold{
		ConnID: connID,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.keepAlive(h)
	return h, nil
}

// Release hands the connection to a backend. Exactly one of Release and
// Teardown takes effect for a hold; the loser returns without side effects.
func (c *Controller) Release(ctx context.Context, h *Hold, backend string) error {
	if !h.state.CompareAndSwap(holdActive, holdReleased) {
		return oops.
			Code("LIMBO_ALREADY_RESOLVED").
			With("conn_id", h.ConnID.String()).
			Errorf("hold already resolved")
	}
	close(h.stop)
	<-h.done

	if err := c.host.Handoff(ctx, h.ConnID, backend); err != nil {
		return oops.
			Code("LIMBO_HANDOFF_FAILED").
			With("conn_id", h.ConnID.String()).
			With("backend", backend).
			Wrapf(err, "handing off connection")
	}
	return nil
}

// Teardown disconnects a held client. Resolving an already-resolved hold is
// a no-op so disconnect paths can call it unconditionally.
func (c *Controller) Teardown(ctx context.Context, h *Hold, reason string) {
	if !h.state.CompareAndSwap(holdActive, holdTorn) {
		return
	}
	close(h.stop)
	<-h.done

	if err := c.host.Kick(ctx, h.ConnID, reason); err != nil {
		c.logger.Warn("limbo kick failed",
			slog.String("conn_id", h.ConnID.String()),
			slog.String("error", err.Error()))
	}
}

// keepAlive pings the held client until the hold resolves.
func (c *Controller) keepAlive(h *Hold) {
	defer close(h.done)

	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.keepAliveInterval)
			err := c.host.KeepAlive(ctx, h.ConnID)
			cancel()
			if err != nil {
				c.logger.Debug("limbo keep-alive failed",
					slog.String("conn_id", h.ConnID.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}
