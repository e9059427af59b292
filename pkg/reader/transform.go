// SPDX-License-Identifier: Apache-2.0

package reader

import "strings"

// TransformFunc rewrites one cell's decoded string value before it is
// queued for writing. It is never called for a NULL cell.
type TransformFunc func(value string) (string, error)

// TransformFuncs is the in-process registry a column's TransformFn name
// resolves against. Source-dialect type casting itself stays data-driven
// (TargetType strings); these are the small, dependency-free value
// rewrites a load specification can name without shipping code.
var TransformFuncs = map[string]TransformFunc{
	"trim_space": func(v string) (string, error) {
		return strings.TrimSpace(v), nil
	},
	"upper": func(v string) (string, error) {
		return strings.ToUpper(v), nil
	},
	"lower": func(v string) (string, error) {
		return strings.ToLower(v), nil
	},
	"collapse_space": func(v string) (string, error) {
		return strings.Join(strings.Fields(v), " "), nil
	},
}

// LookupTransform resolves a TransformFn name against TransformFuncs. An
// empty name means no transform and is not an error.
func LookupTransform(name string) (TransformFunc, bool) {
	if name == "" {
		return nil, false
	}
	fn, ok := TransformFuncs[name]
	return fn, ok
}
