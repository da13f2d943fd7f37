// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package linemap

import (
	"path"
	"strings"
)

// Scope is the set of source path prefixes selected for attribution.
// Only lines whose file falls under one of the prefixes enter the
// index; everything else is library code the profiler must not charge
// samples to directly. An empty scope matches nothing.
type Scope []string

// NewScope normalizes the given prefixes into a Scope.
func NewScope(prefixes ...string) Scope {
	s := make(Scope, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		s = append(s, normalizePath(p))
	}
	return s
}

// Resolve normalizes a source path and reports whether it falls under
// one of the scope prefixes. The match is a plain prefix test, not
// aligned to path components, mirroring how scopes are configured on
// the command line.
func (s Scope) Resolve(name string) (string, bool) {
	n := normalizePath(name)
	for _, p := range s {
		if strings.HasPrefix(n, p) {
			return n, true
		}
	}
	return n, false
}

// Contains reports whether name is in scope.
func (s Scope) Contains(name string) bool {
	_, ok := s.Resolve(name)
	return ok
}

// normalizePath lexically cleans a source path so distinct spellings of
// one file compare equal. DWARF records slash-separated paths on every
// platform this runs on.
func normalizePath(name string) string {
	return path.Clean(name)
}
