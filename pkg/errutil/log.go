// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package errutil provides helpers for logging and inspecting coded errors.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code, and context.
// For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
	} else {
		logger.Error(msg, "error", err)
	}
}

// HasCode reports whether err is an oops error carrying the given code.
// Used by the gate to branch on authentication outcomes without string
// matching on error messages.
func HasCode(err error, code string) bool {
	return code != "" && Code(err) == code
}

// Code returns the oops code of err, or the empty string if err is not a
// coded error. Codes are untyped in oops; only string codes are used here.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	if s, ok := oopsErr.Code().(string); ok {
		return s
	}
	return ""
}
