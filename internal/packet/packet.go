// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package packet defines the packet taxonomy the gate classifies, plus the
// glob-based rules deciding what may pass before authentication. Payloads
// are opaque; only the kind identifier matters here.
package packet

// Kind identifies a packet family, dot-separated (e.g. "move.position",
// "chat.message", "world.chunk"). The hosting platform assigns kinds;
// classification only matches on them.
type Kind string

// Direction of travel relative to the gate.
type Direction int

const (
	// Inbound packets travel from the client toward game logic.
	Inbound Direction = iota
	// Outbound packets travel from game logic toward the client.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Decision is the gate's ruling on a single packet.
type Decision int

const (
	// Allow forwards the packet unchanged.
	Allow Decision = iota
	// Drop discards the packet silently. No error reaches the peer.
	Drop
	// Queue holds the packet until the connection resolves.
	Queue
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Drop:
		return "drop"
	case Queue:
		return "queue"
	}
	return "unknown"
}

// Packet is one unit of traffic through the gate.
type Packet struct {
	Kind      Kind
	Direction Direction
	Payload   []byte
}

// Synthetic packet kinds injected by the gate itself. The host renders these
// to the client; they never originate from game logic.
const (
	KindPrompt  Kind = "system.prompt"
	KindMessage Kind = "system.message"
	KindKick    Kind = "system.kick"
)

// Prompt builds a synthetic outbound prompt shown to the client.
func Prompt(text string) Packet {
	return Packet{Kind: KindPrompt, Direction: Outbound, Payload: []byte(text)}
}

// Message builds a synthetic outbound informational message.
func Message(text string) Packet {
	return Packet{Kind: KindMessage, Direction: Outbound, Payload: []byte(text)}
}

// Kick builds a synthetic outbound disconnect with a user-visible reason.
func Kick(reason string) Packet {
	return Packet{Kind: KindKick, Direction: Outbound, Payload: []byte(reason)}
}

// Synthetic reports whether the packet was injected by the gate.
func (p Packet) Synthetic() bool {
	switch p.Kind {
	case KindPrompt, KindMessage, KindKick:
		return true
	}
	return false
}
