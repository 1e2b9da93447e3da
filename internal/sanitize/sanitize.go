// Package sanitize scrubs non-finite floating point values from decoded JSON
// trees. Strict JSON has no representation for NaN or the infinities, so any
// such value produced by an adapter or a tool would make the updated domain
// object unserializable at the trust boundary. Clean replaces them with nil,
// mirroring JSON null.
package sanitize

import "math"

// Clean walks a tree of maps, slices and scalars and replaces every NaN,
// +Inf and -Inf with nil. It returns the cleaned tree and whether anything
// was replaced.
//
// Clean is idempotent: Clean(Clean(x)) yields the same tree, and a tree
// without non-finite values is returned with modified=false.
func Clean(tree any) (any, bool) {
	switch v := tree.(type) {
	case map[string]any:
		modified := false
		cleaned := make(map[string]any, len(v))
		for key, value := range v {
			cv, m := Clean(value)
			cleaned[key] = cv
			if m {
				modified = true
			}
		}
		if !modified {
			return v, false
		}
		return cleaned, true

	case []any:
		modified := false
		cleaned := make([]any, len(v))
		for i, item := range v {
			ci, m := Clean(item)
			cleaned[i] = ci
			if m {
				modified = true
			}
		}
		if !modified {
			return v, false
		}
		return cleaned, true

	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, true
		}
		return v, false

	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true
		}
		return v, false

	default:
		return tree, false
	}
}
