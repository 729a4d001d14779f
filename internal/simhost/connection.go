// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package simhost

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/xreatlabs/nexauth/internal/packet"
)

// connection handles one client over the line protocol. The first line
// must be "HELLO|<name>"; every following line is "KIND|payload" and is
// classified by the gate.
type connection struct {
	id     ulid.ULID
	conn   net.Conn
	reader *bufio.Reader
	server *Server

	writeMu sync.Mutex
	closed  bool

	admitted bool
}

func newConnection(conn net.Conn, server *Server) *connection {
	return &connection{
		id:     ulid.Make(),
		conn:   conn,
		reader: bufio.NewReader(conn),
		server: server,
	}
}

// handle processes the connection until closed.
func (c *connection) handle(ctx context.Context) {
	defer func() {
		if c.admitted {
			c.server.gatekeeper().Disconnect(c.id)
		}
		c.server.unregister(c.id)
		c.close()
	}()

	lineCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		for {
			line, err := c.reader.ReadString('\n')
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lineCh <- strings.TrimRight(line, "\r\n"):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-errCh:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.server.logger.Debug("connection read error",
					slog.String("conn_id", c.id.String()),
					slog.String("error", err.Error()))
			}
			return

		case line := <-lineCh:
			if !c.processLine(ctx, line) {
				return
			}
		}
	}
}

// processLine handles one protocol line. Returns false when the
// connection should close.
func (c *connection) processLine(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}

	kind, payload, _ := strings.Cut(line, "|")

	if !c.admitted {
		if kind != "HELLO" {
			c.writeLine("ERR|expected HELLO|<name>")
			return false
		}
		if err := c.server.gatekeeper().AdmitConnection(ctx, c.id, payload, c.conn.RemoteAddr().String()); err != nil {
			c.server.logger.Info("connection refused",
				slog.String("conn_id", c.id.String()),
				slog.String("error", err.Error()))
			c.writeLine("ERR|invalid name")
			return false
		}
		c.admitted = true
		return true
	}

	decision := c.server.gatekeeper().HandleInbound(c.id, packet.Packet{
		Kind:      packet.Kind(kind),
		Direction: packet.Inbound,
		Payload:   []byte(payload),
	})
	if decision == packet.Allow {
		// No game logic behind the harness; echo what would be forwarded.
		c.writeLine(fmt.Sprintf("FWD|%s|%s", kind, payload))
	}
	return true
}

func (c *connection) writeLine(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	if _, err := fmt.Fprintln(c.conn, line); err != nil {
		c.server.logger.Debug("failed to write to client",
			slog.String("conn_id", c.id.String()),
			slog.String("error", err.Error()))
	}
}

func (c *connection) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.server.logger.Debug("error closing connection",
			slog.String("conn_id", c.id.String()),
			slog.String("error", err.Error()))
	}
}
