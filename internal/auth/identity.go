// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package auth

import (
	"regexp"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Identity name constraints follow the Minecraft username rules: the gate
// never sees names the backend would reject anyway.
const (
	MinNameLength = 3
	MaxNameLength = 16
)

// nameRegex matches names containing only letters, numbers, and underscores.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Identity is a stable account identifier plus the chosen player name.
type Identity struct {
	ID   ulid.ULID
	Name string
}

// ValidateName validates a player name against the accepted charset and
// length bounds.
func ValidateName(name string) error {
	if name == "" {
		return oops.Code("AUTH_INVALID_NAME").Errorf("name cannot be empty")
	}
	if len(name) < MinNameLength {
		return oops.Code("AUTH_INVALID_NAME").
			With("min", MinNameLength).
			Errorf("name must be at least %d characters", MinNameLength)
	}
	if len(name) > MaxNameLength {
		return oops.Code("AUTH_INVALID_NAME").
			With("max", MaxNameLength).
			Errorf("name must be at most %d characters", MaxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return oops.Code("AUTH_INVALID_NAME").
			Errorf("name may contain only letters, numbers, and underscores")
	}
	return nil
}
