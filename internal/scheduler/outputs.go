package scheduler

import (
	"encoding/json"
	"strings"

	"github.com/ccagency/agency/internal/filexfr"
	"github.com/ccagency/agency/internal/red"
)

// isGlobPattern reports whether a declared literal output value names a
// glob pattern (per spec.md §11: "an output descriptor names a glob
// pattern instead of one file") rather than one exact path.
func isGlobPattern(literal any) (string, bool) {
	s, ok := literal.(string)
	if !ok {
		return "", false
	}
	if strings.ContainsAny(s, "*?[") {
		return s, true
	}
	return "", false
}

// resolveDeclaredOutputs resolves every glob-valued entry of declared
// against produced using filexfr, returning a callback result map to be
// merged under the callback's own reported Outputs. Non-glob entries are
// left out of the result, since they name one exact file the agent
// already reports directly in body.Outputs.
func resolveDeclaredOutputs(declared map[string]red.Value, produced []string) (map[string]any, error) {
	patterns := make(map[string]string)
	for key, v := range declared {
		if v.Kind != red.ValueLiteral {
			continue
		}
		if pattern, ok := isGlobPattern(v.Literal); ok {
			patterns[key] = pattern
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	resolved, err := filexfr.ResolveAll(patterns, produced)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(resolved))
	for key, matches := range resolved {
		out[key] = matches
	}
	return out, nil
}

// mergeOutputOverrides layers resolved glob matches under the callback's
// own reported outputs, so an agent that names a value explicitly always
// wins over glob resolution for that same key.
func mergeOutputOverrides(reported map[string]any, resolved map[string]any) map[string]any {
	if len(resolved) == 0 {
		return reported
	}
	merged := make(map[string]any, len(reported)+len(resolved))
	for k, v := range resolved {
		merged[k] = v
	}
	for k, v := range reported {
		merged[k] = v
	}
	return merged
}

// unmarshalDeclaredOutputs parses a batch's stored outputs column back into
// the map[string]red.Value shape it was written in.
func unmarshalDeclaredOutputs(raw []byte) map[string]red.Value {
	if len(raw) == 0 {
		return nil
	}
	var declared map[string]red.Value
	if err := json.Unmarshal(raw, &declared); err != nil {
		return nil
	}
	return declared
}
