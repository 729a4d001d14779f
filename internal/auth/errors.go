// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package auth

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when registering an identity that already
// has a credential record.
var ErrAlreadyExists = errors.New("already exists")
