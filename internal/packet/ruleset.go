// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package packet

import (
	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Ruleset holds the compiled classification rules for unauthenticated
// connections. Compiled once at startup; lookups are allocation-free.
type Ruleset struct {
	preAuthAllow []glob.Glob
	outboundDeny []glob.Glob
}

// NewRuleset compiles glob patterns for the pre-auth inbound allow-list and
// the pre-auth outbound deny-list. Patterns use '.' as the separator, so
// "move.*" matches "move.position" but not "move.position.sub".
func NewRuleset(preAuthAllow, outboundDeny []string) (*Ruleset, error) {
	rs := &Ruleset{}

	for _, pattern := range preAuthAllow {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.
				Code("PACKET_INVALID_PATTERN").
				With("pattern", pattern).
				Wrapf(err, "compiling pre-auth allow pattern")
		}
		rs.preAuthAllow = append(rs.preAuthAllow, g)
	}

	for _, pattern := range outboundDeny {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.
				Code("PACKET_INVALID_PATTERN").
				With("pattern", pattern).
				Wrapf(err, "compiling outbound deny pattern")
		}
		rs.outboundDeny = append(rs.outboundDeny, g)
	}

	return rs, nil
}

// AllowedPreAuth reports whether an inbound kind may pass before the
// connection is authenticated.
func (r *Ruleset) AllowedPreAuth(kind Kind) bool {
	for _, g := range r.preAuthAllow {
		if g.Match(string(kind)) {
			return true
		}
	}
	return false
}

// DeniedOutbound reports whether an outbound kind must be withheld from an
// unauthenticated client. Synthetic kinds are never denied.
func (r *Ruleset) DeniedOutbound(kind Kind) bool {
	switch kind {
	case KindPrompt, KindMessage, KindKick:
		return false
	}
	for _, g := range r.outboundDeny {
		if g.Match(string(kind)) {
			return true
		}
	}
	return false
}
