package engine

import (
	"github.com/roach88/agentsync/internal/ir"
)

// matchPattern reports whether pattern is a subset of snapshot.
//
// Every key of pattern must be present in snapshot. Nested objects are
// matched recursively with the same subset rule; every other value must be
// equal in canonical form, so IRInt(2) and IRFloat(2.0) match while arrays
// must match element for element.
//
// An empty or nil pattern matches any snapshot.
func matchPattern(pattern, snapshot ir.IRObject) bool {
	for key, want := range pattern {
		got, ok := snapshot[key]
		if !ok {
			return false
		}
		if !matchValue(want, got) {
			return false
		}
	}
	return true
}

func matchValue(want, got ir.IRValue) bool {
	if wantObj, ok := want.(ir.IRObject); ok {
		gotObj, ok := got.(ir.IRObject)
		if !ok {
			return false
		}
		return matchPattern(wantObj, gotObj)
	}

	wantCanon, err := ir.CanonicalString(want)
	if err != nil {
		return false
	}
	gotCanon, err := ir.CanonicalString(got)
	if err != nil {
		return false
	}
	return wantCanon == gotCanon
}
