// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

package errutil_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"

	"github.com/xreatlabs/nexauth/pkg/errutil"
)

func TestLogError_OopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("AUTH_INVALID_CREDENTIALS").
		With("identity", "alice").
		Errorf("invalid credentials")

	errutil.LogError(logger, "login failed", err)

	out := buf.String()
	assert.Contains(t, out, "login failed")
	assert.Contains(t, out, "AUTH_INVALID_CREDENTIALS")
	assert.Contains(t, out, "alice")
}

func TestLogError_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "something broke", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "something broke")
	assert.Contains(t, out, "boom")
}

func TestHasCode(t *testing.T) {
	err := oops.Code("STORE_UNAVAILABLE").Errorf("pool exhausted")

	assert.True(t, errutil.HasCode(err, "STORE_UNAVAILABLE"))
	assert.False(t, errutil.HasCode(err, "AUTH_LOCKED"))
	assert.False(t, errutil.HasCode(errors.New("plain"), "STORE_UNAVAILABLE"))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "AUTH_LOCKED", errutil.Code(oops.Code("AUTH_LOCKED").Errorf("locked")))
	assert.Empty(t, errutil.Code(errors.New("plain")))
}
