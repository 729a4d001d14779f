// SPDX-License-Identifier: MPL-2.0
// Copyright 2026 XreatLabs

// Package version holds the build version and backend compatibility checks.
package version

import (
	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// Version is the build version, overridden at link time.
var Version = "0.0.0-dev"

// MinBackendVersion is the oldest backend API version this build can talk
// to. Bumped when the credential schema or cluster event format changes.
const MinBackendVersion = "1.0.0"

// Parse parses a semantic version string. Pre-release suffixes
// (-dev, -rc.1, -beta) are carried through and sort below the release.
func Parse(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, oops.
			Code("VERSION_INVALID").
			With("version", v).
			Wrapf(err, "parsing version")
	}
	return parsed, nil
}

// IsDev reports whether v carries a pre-release suffix.
func IsDev(v string) bool {
	parsed, err := Parse(v)
	if err != nil {
		return false
	}
	return parsed.Prerelease() != ""
}

// CheckBackend verifies a backend's reported API version against the
// minimum this build supports.
func CheckBackend(reported string) error {
	got, err := Parse(reported)
	if err != nil {
		return err
	}
	minimum := semver.MustParse(MinBackendVersion)
	if got.LessThan(minimum) {
		return oops.
			Code("VERSION_INCOMPATIBLE").
			With("reported", reported).
			With("minimum", MinBackendVersion).
			Errorf("backend API version %s is older than minimum supported %s", reported, MinBackendVersion)
	}
	return nil
}
