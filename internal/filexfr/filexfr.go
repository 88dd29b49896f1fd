// Package filexfr resolves an output connector's glob pattern against the
// list of files a batch actually produced, per spec.md §11 SUPPLEMENTED
// FEATURES. Adapted from the teacher's jobs/filexfr file-type dispatch
// idiom (a registry keyed by type, one resolver function per type) but
// generalized from "classify an uploaded file" to "expand one declared
// output pattern into the produced paths that matched it", using
// bmatcuk/doublestar/v4 for the glob syntax RED output patterns use
// (recursive "**" included).
package filexfr

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// ResolveOutputs matches pattern against each entry of produced (the file
// paths a batch's output phase callback reported as written) and returns the
// matching subset, preserving produced's order. An invalid pattern is
// reported as an error rather than silently matching nothing, since a
// malformed RED output glob is a document authoring mistake, not a runtime
// condition to tolerate.
func ResolveOutputs(pattern string, produced []string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid output glob pattern %q", pattern)
	}
	var matched []string
	for _, path := range produced {
		ok, err := doublestar.Match(pattern, path)
		if err != nil {
			return nil, fmt.Errorf("matching %q against pattern %q: %w", path, pattern, err)
		}
		if ok {
			matched = append(matched, path)
		}
	}
	return matched, nil
}

// ResolveAll resolves every (key, pattern) pair in patterns against
// produced, returning each key's matched subset. Keys whose pattern
// matched nothing are included with a nil slice rather than omitted, so
// callers can distinguish "no output declared" from "output declared but
// nothing produced".
func ResolveAll(patterns map[string]string, produced []string) (map[string][]string, error) {
	out := make(map[string][]string, len(patterns))
	for key, pattern := range patterns {
		matched, err := ResolveOutputs(pattern, produced)
		if err != nil {
			return nil, fmt.Errorf("resolving output %q: %w", key, err)
		}
		out[key] = matched
	}
	return out, nil
}
