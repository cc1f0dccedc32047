// Copyright 2024 The Armored LCM authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version provides the total order used to compare the dotted numeric
// version strings published by update repositories.
package version

import (
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
)

const (
	// NotFound is returned by repositories in place of a version when the
	// repository (or its latest release) does not exist.
	NotFound = "404"

	// Zero is the version an unprovisioned device reports as applied.
	Zero = "0.0.0"
)

// Parse returns the semantic version represented by s.
//
// Dotted numeric strings with fewer than three components are padded, so
// "2" and "2.0" both parse as "2.0.0". A leading "v" is ignored.
func Parse(s string) (*semver.Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if n := strings.Count(s, "."); n < 2 && s != "" {
		s += strings.Repeat(".0", 2-n)
	}
	return semver.NewVersion(s)
}

// Valid reports whether s is a usable version, i.e. it parses and is not the
// NotFound sentinel.
func Valid(s string) bool {
	if _, ok := parse(s); ok {
		return true
	}
	_, ok := numeric(s)
	return ok
}

// Compare returns a positive number if a is newer than b, a negative number if
// a is older than b, and zero if they are the same version.
//
// Strings which aren't valid versions sort before all valid ones, and equal
// to each other, so a corrupt or missing value never looks like an upgrade
// target.
func Compare(a, b string) int {
	va, oka := parse(a)
	vb, okb := parse(b)
	if oka && okb {
		return va.Compare(*vb)
	}
	// Fall back to a component-wise numeric comparison for strings with more
	// than three components, e.g. "1.2.3.4".
	na, oka := numeric(a)
	nb, okb := numeric(b)
	switch {
	case !oka && !okb:
		return 0
	case !oka:
		return -1
	case !okb:
		return 1
	}
	for i := 0; i < len(na) || i < len(nb); i++ {
		var x, y int64
		if i < len(na) {
			x = na[i]
		}
		if i < len(nb) {
			y = nb[i]
		}
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

func parse(s string) (*semver.Version, bool) {
	if s == NotFound {
		return nil, false
	}
	v, err := Parse(s)
	return v, err == nil
}

func numeric(s string) ([]int64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" || s == NotFound {
		return nil, false
	}
	parts := strings.Split(s, ".")
	r := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return nil, false
		}
		r = append(r, n)
	}
	return r, true
}
