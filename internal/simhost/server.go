// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package simhost is a development platform host: a TCP server speaking a
// newline-delimited "KIND|payload" framing, wired to the gate as both the
// limbo host and the synthetic-packet sink. It exists so the full
// authentication flow can run end-to-end without a proxy platform; it is a
// harness, not a game protocol implementation.
package simhost

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/xreatlabs/nexauth/internal/packet"
)

// Gatekeeper is the slice of the gate the host drives.
type Gatekeeper interface {
	AdmitConnection(ctx context.Context, connID ulid.ULID, name, originAddr string) error
	HandleInbound(connID ulid.ULID, pkt packet.Packet) packet.Decision
	HandleOutbound(connID ulid.ULID, pkt packet.Packet) packet.Decision
	Disconnect(connID ulid.ULID)
}

// Server accepts platform connections and routes their lines through the
// gate. It implements limbo.Host and the gate's Sink.
type Server struct {
	addr   string
	logger *slog.Logger

	mu       sync.RWMutex
	gate     Gatekeeper
	listener net.Listener
	conns    map[ulid.ULID]*connection
}

// NewServer creates a simhost server. SetGate must be called before Run.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		logger: logger,
		conns:  make(map[ulid.ULID]*connection),
	}
}

// SetGate wires the gate in. Separate from the constructor because the
// gate itself needs the server as its sink and limbo host.
func (s *Server) SetGate(g Gatekeeper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.mu.RLock()
	gatekeeper := s.gate
	s.mu.RUnlock()
	if gatekeeper == nil {
		return oops.Code("SIMHOST_INVALID").Errorf("gate not wired; call SetGate before Run")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.Code("SIMHOST_LISTEN_FAILED").
			With("addr", s.addr).
			Wrapf(err, "starting simhost listener")
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("simhost listening", slog.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			s.logger.Debug("error closing listener", slog.String("error", err.Error()))
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", slog.String("error", err.Error()))
				continue
			}
		}

		c := newConnection(conn, s)
		s.register(c)
		go c.handle(ctx)
	}
}

func (s *Server) register(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) unregister(id ulid.ULID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) lookup(id ulid.ULID) (*connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) gatekeeper() Gatekeeper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate
}

// Send implements the gate's synthetic-packet sink.
func (s *Server) Send(connID ulid.ULID, p packet.Packet) {
	c, ok := s.lookup(connID)
	if !ok {
		return
	}

	switch p.Kind {
	case packet.KindPrompt:
		c.writeLine("PROMPT|" + string(p.Payload))
	case packet.KindMessage:
		c.writeLine("MSG|" + string(p.Payload))
	case packet.KindKick:
		c.writeLine("KICK|" + string(p.Payload))
		c.close()
	default:
		c.writeLine(string(p.Kind) + "|" + string(p.Payload))
	}
}

// Place implements limbo.Host.
func (s *Server) Place(_ context.Context, connID ulid.ULID) error {
	c, ok := s.lookup(connID)
	if !ok {
		return oops.Code("SIMHOST_UNKNOWN_CONN").
			With("conn_id", connID.String()).
			Errorf("unknown connection")
	}
	c.writeLine("PLACE|limbo")
	return nil
}

// KeepAlive implements limbo.Host.
func (s *Server) KeepAlive(_ context.Context, connID ulid.ULID) error {
	c, ok := s.lookup(connID)
	if !ok {
		return oops.Code("SIMHOST_UNKNOWN_CONN").
			With("conn_id", connID.String()).
			Errorf("unknown connection")
	}
	c.writeLine("KEEPALIVE|")
	return nil
}

// Handoff implements limbo.Host. The harness has no real backends; the
// hand-off is announced to the client and the connection stays open.
func (s *Server) Handoff(_ context.Context, connID ulid.ULID, backend string) error {
	c, ok := s.lookup(connID)
	if !ok {
		return oops.Code("SIMHOST_UNKNOWN_CONN").
			With("conn_id", connID.String()).
			Errorf("unknown connection")
	}
	c.writeLine("HANDOFF|" + backend)
	return nil
}

// Kick implements limbo.Host.
func (s *Server) Kick(_ context.Context, connID ulid.ULID, reason string) error {
	c, ok := s.lookup(connID)
	if !ok {
		return nil
	}
	if reason != "" {
		c.writeLine("KICK|" + reason)
	}
	c.close()
	return nil
}
